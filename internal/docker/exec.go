package docker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
)

const defaultExecTimeout = 30 * time.Second

// ExecResult holds the captured output of a buffered command execution.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Exec runs a shell command inside a container and buffers its output.
// It fails with ErrTimeout when the command does not finish within the
// caller-supplied deadline.
func (c *Client) Exec(ctx context.Context, containerID, command string, timeout time.Duration) (ExecResult, error) {
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, execID, err := c.startExec(execCtx, containerID, command, false)
	if err != nil {
		return ExecResult{}, err
	}
	defer resp.Close()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- demuxFrames(resp.Reader,
			func(p []byte) { stdout.Write(p) },
			func(p []byte) { stderr.Write(p) })
	}()

	select {
	case <-execCtx.Done():
		return ExecResult{}, fmt.Errorf("%w: command did not finish within %s", ErrTimeout, timeout)
	case err := <-done:
		if err != nil {
			return ExecResult{}, fmt.Errorf("read exec stream: %w", err)
		}
	}

	inspect, err := c.inner.ContainerExecInspect(ctx, execID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("inspect exec: %w", err)
	}
	return ExecResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: inspect.ExitCode}, nil
}

// ExecStream runs a shell command and delivers demultiplexed output chunks
// to onOutput as they arrive. It returns the process exit code on stream end.
func (c *Client) ExecStream(ctx context.Context, containerID, command string, onOutput func([]byte)) (int, error) {
	resp, execID, err := c.startExec(ctx, containerID, command, false)
	if err != nil {
		return 0, err
	}
	defer resp.Close()

	// Hijacked reads do not observe ctx; close the stream on cancellation
	// so the demux loop unblocks.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			resp.Close()
		case <-watchDone:
		}
	}()

	if err := demuxFrames(resp.Reader, onOutput, onOutput); err != nil {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		}
		return 0, fmt.Errorf("read exec stream: %w", err)
	}
	if ctx.Err() != nil {
		return 0, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}

	inspect, err := c.inner.ContainerExecInspect(ctx, execID)
	if err != nil {
		return 0, fmt.Errorf("inspect exec: %w", err)
	}
	return inspect.ExitCode, nil
}

// ExecInteractive starts a TTY shell exec and returns the hijacked stream
// for bidirectional use (terminal bridging).
func (c *Client) ExecInteractive(ctx context.Context, containerID string, cmd []string) (types.HijackedResponse, error) {
	exec, err := c.inner.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return types.HijackedResponse{}, fmt.Errorf("%w: create: %v", ErrExec, err)
	}
	resp, err := c.inner.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return types.HijackedResponse{}, fmt.Errorf("%w: attach: %v", ErrExec, err)
	}
	return resp, nil
}

func (c *Client) startExec(ctx context.Context, containerID, command string, tty bool) (types.HijackedResponse, string, error) {
	exec, err := c.inner.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-c", command},
		Tty:          tty,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return types.HijackedResponse{}, "", fmt.Errorf("%w: create: %v", ErrExec, err)
	}
	resp, err := c.inner.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{Tty: tty})
	if err != nil {
		return types.HijackedResponse{}, "", fmt.Errorf("%w: attach: %v", ErrExec, err)
	}
	return resp, exec.ID, nil
}

// demuxFrames decodes the runtime's multiplexed stream framing: an 8-byte
// header of [streamType, 0, 0, 0, len(uint32 BE)] followed by the payload.
// This is the single place the framing is decoded.
func demuxFrames(r io.Reader, onStdout, onStderr func([]byte)) error {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return err
		}
		switch header[0] {
		case 2:
			if onStderr != nil {
				onStderr(payload)
			}
		default:
			if onStdout != nil {
				onStdout(payload)
			}
		}
	}
}
