package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/docker/docker/api/types"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/krishna-shrivastav232702/proctored-ide/internal/buildqueue"
	"github.com/krishna-shrivastav232702/proctored-ide/internal/domain"
	"github.com/krishna-shrivastav232702/proctored-ide/internal/lifecycle"
	"github.com/krishna-shrivastav232702/proctored-ide/internal/proctor"
	"github.com/krishna-shrivastav232702/proctored-ide/internal/watcher"
	"github.com/krishna-shrivastav232702/proctored-ide/internal/ws"
	"github.com/krishna-shrivastav232702/proctored-ide/pkg/config"
)

// TerminalRuntime opens interactive shells inside containers.
type TerminalRuntime interface {
	ExecInteractive(ctx context.Context, containerID string, cmd []string) (types.HijackedResponse, error)
}

// Lifecycle is the container management surface the API exposes.
type Lifecycle interface {
	Provision(ctx context.Context, teamID string) (lifecycle.Provisioned, error)
	Stop(ctx context.Context, teamID string) error
	Status(ctx context.Context, teamID string) domain.ContainerStatus
	Lookup(ctx context.Context, teamID string) (*domain.ContainerRecord, error)
}

// Builds is the build pipeline surface the API exposes.
type Builds interface {
	Enqueue(ctx context.Context, teamID, command string) (*domain.BuildJob, error)
	Cancel(ctx context.Context, jobID string) error
	Status(ctx context.Context, jobID string) (*domain.BuildJob, error)
	QueueStats(ctx context.Context) (domain.QueueStats, error)
}

// Server is the arena HTTP and websocket API.
type Server struct {
	lifecycle Lifecycle
	builds    Builds
	proctor   *proctor.Service
	watchers  *watcher.Manager
	terminal  TerminalRuntime
	hub       *ws.Hub
	logger    *slog.Logger

	volumeRoot string
	upgrader   websocket.Upgrader
}

// New constructs the API server.
func New(lc Lifecycle, builds Builds, proctorSvc *proctor.Service, watchers *watcher.Manager, terminal TerminalRuntime, hub *ws.Hub, logger *slog.Logger, cfg config.ArenaConfig) *Server {
	if logger != nil {
		logger = logger.With("component", "server")
	}
	return &Server{
		lifecycle:  lc,
		builds:     builds,
		proctor:    proctorSvc,
		watchers:   watchers,
		terminal:   terminal,
		hub:        hub,
		logger:     logger,
		volumeRoot: cfg.VolumeRoot,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/teams/{teamID}/container", s.handleProvision)
	mux.HandleFunc("DELETE /api/teams/{teamID}/container", s.handleStop)
	mux.HandleFunc("GET /api/teams/{teamID}/container/status", s.handleStatus)

	mux.HandleFunc("POST /api/teams/{teamID}/builds", s.handleEnqueueBuild)
	mux.HandleFunc("GET /api/builds/stats", s.handleQueueStats)
	mux.HandleFunc("GET /api/builds/{jobID}", s.handleBuildStatus)
	mux.HandleFunc("DELETE /api/builds/{jobID}", s.handleCancelBuild)

	mux.HandleFunc("POST /api/teams/{teamID}/proctor/events", s.handleProctorEvent)
	mux.HandleFunc("GET /api/teams/{teamID}/proctor/violations", s.handleViolations)

	mux.HandleFunc("GET /api/teams/{teamID}/events", s.handleTeamEvents)
	mux.HandleFunc("GET /api/admin/events", s.handleAdminEvents)
	mux.HandleFunc("GET /api/teams/{teamID}/terminal", s.handleTerminal)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	return s.instrument(mux)
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	teamID := r.PathValue("teamID")
	provisioned, err := s.lifecycle.Provision(r.Context(), teamID)
	if err != nil {
		s.logger.Error("provision failed", "team_id", teamID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	root := lifecycle.HostVolumePath(s.volumeRoot, teamID)
	if err := s.watchers.Watch(teamID, root); err != nil {
		// The container is usable without live file events; degrade.
		s.logger.Warn("failed to start file watcher", "team_id", teamID, "root", root, "error", err)
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"containerId": provisioned.ContainerID,
		"framework":   provisioned.Framework,
		"devCommand":  provisioned.DevCommand,
		"devPort":     provisioned.DevPort,
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	teamID := r.PathValue("teamID")
	s.watchers.Stop(teamID)
	if err := s.lifecycle.Stop(r.Context(), teamID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.lifecycle.Status(r.Context(), r.PathValue("teamID"))
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleEnqueueBuild(w http.ResponseWriter, r *http.Request) {
	teamID := r.PathValue("teamID")
	var body struct {
		Command string `json:"command"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	job, err := s.builds.Enqueue(r.Context(), teamID, body.Command)
	if err != nil {
		if errors.Is(err, buildqueue.ErrBuildInProgress) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleBuildStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.builds.Status(r.Context(), r.PathValue("jobID"))
	if err != nil {
		if errors.Is(err, buildqueue.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelBuild(w http.ResponseWriter, r *http.Request) {
	if err := s.builds.Cancel(r.Context(), r.PathValue("jobID")); err != nil {
		if errors.Is(err, buildqueue.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.builds.QueueStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleProctorEvent(w http.ResponseWriter, r *http.Request) {
	teamID := r.PathValue("teamID")
	var body struct {
		UserID    string `json:"userId"`
		EventType string `json:"eventType"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == "" || body.EventType == "" {
		writeError(w, http.StatusBadRequest, "userId and eventType are required")
		return
	}

	violation, err := s.proctor.RecordEvent(r.Context(), teamID, body.UserID, body.EventType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, violation)
}

func (s *Server) handleViolations(w http.ResponseWriter, r *http.Request) {
	teamID := r.PathValue("teamID")
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId query parameter is required")
		return
	}
	violations, err := s.proctor.UserViolations(r.Context(), teamID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, violations)
}

func (s *Server) handleTeamEvents(w http.ResponseWriter, r *http.Request) {
	s.subscribe(w, r, ws.TeamChannel(r.PathValue("teamID")))
}

func (s *Server) handleAdminEvents(w http.ResponseWriter, r *http.Request) {
	s.subscribe(w, r, ws.AdminChannel)
}

func (s *Server) subscribe(w http.ResponseWriter, r *http.Request, channel string) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "channel", channel, "error", err)
		return
	}

	client := ws.NewClient(conn, channel, s.logger)
	s.hub.Subscribe(channel, client)
	defer func() {
		s.hub.Unsubscribe(channel, client)
		client.Close()
	}()

	client.Listen()
}
