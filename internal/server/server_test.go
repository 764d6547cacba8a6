package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/docker/docker/api/types"

	"github.com/krishna-shrivastav232702/proctored-ide/internal/buildqueue"
	"github.com/krishna-shrivastav232702/proctored-ide/internal/domain"
	"github.com/krishna-shrivastav232702/proctored-ide/internal/lifecycle"
	"github.com/krishna-shrivastav232702/proctored-ide/internal/proctor"
	"github.com/krishna-shrivastav232702/proctored-ide/internal/watcher"
	"github.com/krishna-shrivastav232702/proctored-ide/internal/ws"
	"github.com/krishna-shrivastav232702/proctored-ide/pkg/config"
)

type fakeLifecycle struct {
	provisioned  lifecycle.Provisioned
	provisionErr error
	stopErr      error
	status       domain.ContainerStatus
	record       *domain.ContainerRecord
}

func (f *fakeLifecycle) Provision(context.Context, string) (lifecycle.Provisioned, error) {
	return f.provisioned, f.provisionErr
}
func (f *fakeLifecycle) Stop(context.Context, string) error { return f.stopErr }
func (f *fakeLifecycle) Status(context.Context, string) domain.ContainerStatus {
	return f.status
}
func (f *fakeLifecycle) Lookup(context.Context, string) (*domain.ContainerRecord, error) {
	if f.record == nil {
		return nil, errors.New("not found")
	}
	return f.record, nil
}

type fakeBuilds struct {
	job        *domain.BuildJob
	enqueueErr error
	statusErr  error
	cancelErr  error
	stats      domain.QueueStats
}

func (f *fakeBuilds) Enqueue(context.Context, string, string) (*domain.BuildJob, error) {
	return f.job, f.enqueueErr
}
func (f *fakeBuilds) Cancel(context.Context, string) error { return f.cancelErr }
func (f *fakeBuilds) Status(context.Context, string) (*domain.BuildJob, error) {
	return f.job, f.statusErr
}
func (f *fakeBuilds) QueueStats(context.Context) (domain.QueueStats, error) {
	return f.stats, nil
}

type fakeTerminal struct{}

func (fakeTerminal) ExecInteractive(context.Context, string, []string) (types.HijackedResponse, error) {
	return types.HijackedResponse{}, errors.New("no terminal in tests")
}

func newTestServer(lc Lifecycle, builds Builds) *Server {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.ArenaConfig{VolumeRoot: "/nonexistent/volumes"}
	hub := ws.NewHub(nil)
	watchers := watcher.NewManager(hub, log, cfg)
	proctorSvc := proctor.NewService(nil, hub, log, cfg)
	return New(lc, builds, proctorSvc, watchers, fakeTerminal{}, hub, log, cfg)
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestProvisionEndpoint(t *testing.T) {
	s := newTestServer(&fakeLifecycle{provisioned: lifecycle.Provisioned{
		ContainerID: "cnt-1",
		Framework:   lifecycle.FrameworkNextJS,
		DevCommand:  lifecycle.DevCommandFor(lifecycle.FrameworkNextJS),
		DevPort:     3000,
	}}, &fakeBuilds{})
	rec := doRequest(t, s, http.MethodPost, "/api/teams/team-1/container", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["containerId"] != "cnt-1" {
		t.Fatalf("containerId = %v", body["containerId"])
	}
	if body["devCommand"] != lifecycle.DevCommandFor(lifecycle.FrameworkNextJS) {
		t.Fatalf("devCommand = %v", body["devCommand"])
	}
	if body["devPort"] != float64(3000) {
		t.Fatalf("devPort = %v", body["devPort"])
	}
}

func TestProvisionEndpointReportsFailure(t *testing.T) {
	s := newTestServer(&fakeLifecycle{provisionErr: errors.New("no such team")}, &fakeBuilds{})
	rec := doRequest(t, s, http.MethodPost, "/api/teams/team-1/container", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	s := newTestServer(&fakeLifecycle{status: domain.ContainerStatus{Running: true, ContainerID: "cnt-1"}}, &fakeBuilds{})
	rec := doRequest(t, s, http.MethodGet, "/api/teams/team-1/container/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var status domain.ContainerStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if !status.Running || status.ContainerID != "cnt-1" {
		t.Fatalf("status = %+v", status)
	}
}

func TestEnqueueBuildConflict(t *testing.T) {
	s := newTestServer(&fakeLifecycle{}, &fakeBuilds{enqueueErr: buildqueue.ErrBuildInProgress})
	rec := doRequest(t, s, http.MethodPost, "/api/teams/team-1/builds", `{"command":"npm run build"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestEnqueueBuildAccepted(t *testing.T) {
	job := &domain.BuildJob{ID: "job-1", TeamID: "team-1", Status: domain.JobWaiting}
	s := newTestServer(&fakeLifecycle{}, &fakeBuilds{job: job})
	rec := doRequest(t, s, http.MethodPost, "/api/teams/team-1/builds", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
}

func TestBuildStatusNotFound(t *testing.T) {
	s := newTestServer(&fakeLifecycle{}, &fakeBuilds{statusErr: buildqueue.ErrJobNotFound})
	rec := doRequest(t, s, http.MethodGet, "/api/builds/job-404", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestCancelActiveBuildConflicts(t *testing.T) {
	s := newTestServer(&fakeLifecycle{}, &fakeBuilds{cancelErr: errors.New("job is active")})
	rec := doRequest(t, s, http.MethodDelete, "/api/builds/job-1", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestQueueStatsEndpoint(t *testing.T) {
	s := newTestServer(&fakeLifecycle{}, &fakeBuilds{stats: domain.QueueStats{Waiting: 2, Active: 1, Total: 3}})
	rec := doRequest(t, s, http.MethodGet, "/api/builds/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var stats domain.QueueStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Waiting != 2 || stats.Total != 3 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestProctorEventValidation(t *testing.T) {
	s := newTestServer(&fakeLifecycle{}, &fakeBuilds{})
	rec := doRequest(t, s, http.MethodPost, "/api/teams/team-1/proctor/events", `{"userId":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(&fakeLifecycle{}, &fakeBuilds{})
	rec := doRequest(t, s, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
