package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"gopkg.in/yaml.v3"

	"evalgo.org/graphdeploy/models"
)

// SimulatorOptions shapes how the simulated agent behaves.
type SimulatorOptions struct {
	// Samples is how many status queries a deployment takes to finish
	Samples int

	// Outcome is the final status, success or failed
	Outcome models.DeploymentStatus

	// Reject makes every deploy command come back not accepted
	Reject bool

	// NoStatus makes the status endpoint answer 501
	NoStatus bool
}

type simDeployment struct {
	cmd      DeployCommand
	services []string
	queries  int
	status   models.DeploymentStatus
	created  time.Time
}

// Simulator is an in-process agent gateway for local runs and tests. It
// parses the manifest it receives and walks every deployment through
// in_progress to the configured outcome over a fixed number of status
// queries.
type Simulator struct {
	opts   SimulatorOptions
	logger *slog.Logger

	mu          sync.Mutex
	deployments map[string]*simDeployment
	startTime   time.Time
}

// NewSimulator returns a simulator with the given behavior.
func NewSimulator(opts SimulatorOptions, logger *slog.Logger) *Simulator {
	if opts.Samples <= 0 {
		opts.Samples = 3
	}
	if opts.Outcome == "" {
		opts.Outcome = models.DeploymentStatusSuccess
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{
		opts:        opts,
		logger:      logger.With("component", "agent-sim"),
		deployments: make(map[string]*simDeployment),
		startTime:   time.Now(),
	}
}

// Router returns the simulator's HTTP routes.
func (s *Simulator) Router() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.HandleFunc("/agents/{agentId}/deployments", s.handleDeploy).Methods("POST")
	router.HandleFunc("/agents/{agentId}/deployments/{deploymentId}", s.handleStatus).Methods("GET")
	router.HandleFunc("/agents/{agentId}/deployments/{deploymentId}/cancel", s.handleCancel).Methods("POST")
	router.HandleFunc("/agents/{agentId}/deployments/{deploymentId}/rollback", s.handleRollback).Methods("POST")
	return router
}

// ListenAndServe serves the simulator on addr until ctx is cancelled.
func (s *Simulator) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Agent simulator listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func (s *Simulator) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	count := len(s.deployments)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"uptime":      time.Since(s.startTime).Seconds(),
		"deployments": count,
	})
}

func (s *Simulator) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var cmd DeployCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid_body", Message: err.Error()})
		return
	}
	cmd.AgentID = mux.Vars(r)["agentId"]
	if cmd.DeploymentID == "" {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid_body", Message: "deploymentId is required"})
		return
	}

	if s.opts.Reject {
		s.logger.Info("Rejecting deployment", "deployment_id", cmd.DeploymentID)
		writeJSON(w, http.StatusOK, DeployResponse{DeploymentID: cmd.DeploymentID, Accepted: false, Message: "agent is not accepting deployments"})
		return
	}

	services, err := manifestServices(cmd.ManifestContent)
	if err != nil {
		writeJSON(w, http.StatusOK, DeployResponse{DeploymentID: cmd.DeploymentID, Accepted: false, Message: err.Error()})
		return
	}

	s.mu.Lock()
	s.deployments[cmd.DeploymentID] = &simDeployment{
		cmd:      cmd,
		services: services,
		status:   models.DeploymentStatusInProgress,
		created:  time.Now(),
	}
	s.mu.Unlock()

	s.logger.Info("Deployment accepted", "agent_id", cmd.AgentID, "deployment_id", cmd.DeploymentID, "services", len(services))
	writeJSON(w, http.StatusAccepted, DeployResponse{DeploymentID: cmd.DeploymentID, Accepted: true, Message: "deployment accepted"})
}

func (s *Simulator) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.opts.NoStatus {
		writeJSON(w, http.StatusNotImplemented, apiError{Error: "not_implemented", Message: "status reporting is not supported"})
		return
	}
	id := mux.Vars(r)["deploymentId"]

	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, apiError{Error: "not_found", Message: fmt.Sprintf("deployment %s not found", id)})
		return
	}

	if !d.status.IsTerminal() {
		d.queries++
		if d.queries >= s.opts.Samples {
			d.status = s.opts.Outcome
		}
	}
	writeJSON(w, http.StatusOK, s.statusOf(id, d))
}

func (s *Simulator) statusOf(id string, d *simDeployment) DeploymentStatus {
	progress := d.queries * 100 / s.opts.Samples
	if progress > 100 || d.status.IsTerminal() {
		progress = 100
	}
	serviceStatus := "starting"
	switch d.status {
	case models.DeploymentStatusSuccess:
		serviceStatus = "running"
	case models.DeploymentStatusFailed:
		serviceStatus = "failed"
	case models.DeploymentStatusRolledBack:
		serviceStatus = "stopped"
	}

	out := DeploymentStatus{
		DeploymentID:    id,
		Status:          d.status,
		ProgressPercent: &progress,
		CurrentStage:    string(d.status),
		ServiceStatuses: make([]ServiceStatus, 0, len(d.services)),
	}
	for _, name := range d.services {
		st := ServiceStatus{ServiceID: name, ServiceName: name, Status: serviceStatus, Replicas: 1}
		if serviceStatus == "running" {
			st.HealthyReplicas = 1
			st.DeployedAt = d.created.Unix()
		}
		if serviceStatus == "failed" {
			st.ErrorMessage = "container exited"
		}
		out.ServiceStatuses = append(out.ServiceStatuses, st)
	}
	if d.status == models.DeploymentStatusFailed {
		out.ErrorMessage = "one or more services failed to start"
	}
	return out
}

func (s *Simulator) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["deploymentId"]
	s.mu.Lock()
	d, ok := s.deployments[id]
	if ok && !d.status.IsTerminal() {
		d.status = models.DeploymentStatusFailed
	}
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, apiError{Error: "not_found", Message: fmt.Sprintf("deployment %s not found", id)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deploymentId": id, "status": "cancelled"})
}

func (s *Simulator) handleRollback(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["deploymentId"]
	var body struct {
		TargetDeploymentID string `json:"targetDeploymentId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid_body", Message: err.Error()})
		return
	}

	s.mu.Lock()
	d, ok := s.deployments[id]
	if ok {
		d.status = models.DeploymentStatusRolledBack
	}
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, apiError{Error: "not_found", Message: fmt.Sprintf("deployment %s not found", id)})
		return
	}
	s.logger.Info("Rolled back deployment", "deployment_id", id, "target_deployment_id", body.TargetDeploymentID)
	writeJSON(w, http.StatusOK, map[string]string{"deploymentId": id, "status": "rolled_back"})
}

// manifestServices returns the sorted component names of a manifest.
func manifestServices(content string) ([]string, error) {
	var doc struct {
		Services map[string]yaml.Node `yaml:"services"`
	}
	if err := yaml.Unmarshal([]byte(content), &doc); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	if len(doc.Services) == 0 {
		return nil, fmt.Errorf("invalid manifest: no services")
	}
	names := make([]string, 0, len(doc.Services))
	for name := range doc.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
