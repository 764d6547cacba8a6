package server

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// handleTerminal bridges a browser websocket to an interactive shell inside
// the team's container. Both directions are byte streams; the TTY inside
// the container handles echo and line editing.
func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	teamID := r.PathValue("teamID")
	rec, err := s.lifecycle.Lookup(r.Context(), teamID)
	if err != nil {
		writeError(w, http.StatusNotFound, "no container for team")
		return
	}

	shell, err := s.terminal.ExecInteractive(r.Context(), rec.ContainerID, []string{"/bin/sh"})
	if err != nil {
		s.logger.Error("failed to open terminal", "team_id", teamID, "error", err)
		writeError(w, http.StatusBadGateway, "failed to open terminal")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		shell.Close()
		s.logger.Warn("terminal upgrade failed", "team_id", teamID, "error", err)
		return
	}

	s.logger.Info("terminal session opened", "team_id", teamID, "container_id", rec.ContainerID)

	done := make(chan struct{}, 2)

	// Browser keystrokes into the shell's stdin.
	go func() {
		defer func() { done <- struct{}{} }()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if _, err := shell.Conn.Write(data); err != nil {
				return
			}
		}
	}()

	// Shell output back to the browser.
	go func() {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, 4096)
		for {
			n, err := shell.Reader.Read(buf)
			if n > 0 {
				if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	<-done
	shell.Close()
	_ = conn.Close()
	<-done
	s.logger.Info("terminal session closed", "team_id", teamID)
}
