package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/polisai/polis-gateway/internal/governance"
	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/manager"
	"github.com/polisai/polis-gateway/pkg/registry"
)

const maxBodyBytes = 1 << 20

// PipelineView pairs an assembled pipeline with its runtime status.
type PipelineView struct {
	domain.PipelineSummary
	Runtime     *domain.RuntimeStatus   `json:"runtime,omitempty"`
	Maintenance *domain.MaintenanceInfo `json:"maintenance,omitempty"`
}

// StatsResponse is the body of GET /v1/stats.
type StatsResponse struct {
	Manager     manager.Statistics       `json:"manager"`
	Maintenance manager.MaintenanceStats `json:"maintenance"`
	Registry    registry.Stats           `json:"registry"`
	Routes      int                      `json:"routes"`
	// Breakers is keyed by pipeline id and absent when breakers are off.
	Breakers map[string]governance.BreakerStats `json:"breakers,omitempty"`
}

// MaintenanceRequest is the body of POST and DELETE /v1/maintenance.
type MaintenanceRequest struct {
	PipelineIDs       []string `json:"pipelineIds"`
	Reason            string   `json:"reason,omitempty"`
	Force             bool     `json:"force,omitempty"`
	SkipHealthCheck   bool     `json:"skipHealthCheck,omitempty"`
	EstimatedDuration string   `json:"estimatedDuration,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if s.gw.Manager().Destroyed() {
		writeError(w, http.StatusServiceUnavailable, domain.ErrManagerDestroyed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleListPipelines(w http.ResponseWriter, _ *http.Request) {
	mgr := s.gw.Manager()
	pipelines := mgr.GetAllPipelines()
	views := make([]PipelineView, 0, len(pipelines))
	for _, p := range pipelines {
		views = append(views, s.view(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pipelines": views,
		"count":     len(views),
	})
}

func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	p, ok := s.gw.Manager().GetPipeline(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", domain.ErrPipelineNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, s.view(p))
}

func (s *Server) view(p *domain.AssembledPipeline) PipelineView {
	mgr := s.gw.Manager()
	v := PipelineView{PipelineSummary: p.Summary()}
	if status, ok := mgr.GetPipelineStatus(p.ID); ok {
		v.Runtime = &status
	}
	if mgr.InMaintenance(p.ID) {
		for _, entry := range mgr.GetFullMaintenanceStatus() {
			if entry.PipelineID == p.ID {
				info := entry.MaintenanceInfo
				v.Maintenance = &info
				break
			}
		}
	}
	return v
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req domain.Payload
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	out, err := s.gw.Manager().ExecutePipeline(r.Context(), id, &req)
	if err != nil {
		writeError(w, executeStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func executeStatus(err error) int {
	var execErr *domain.ExecutionError
	switch {
	case errors.Is(err, domain.ErrPipelineNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrPipelineUnderMaintenance), errors.Is(err, domain.ErrManagerDestroyed):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrPipelineNotAssembled):
		return http.StatusConflict
	case errors.As(err, &execErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	mgr := s.gw.Manager()
	writeJSON(w, http.StatusOK, StatsResponse{
		Manager:     mgr.GetStatistics(),
		Maintenance: mgr.GetMaintenanceStatusStats(),
		Registry:    s.gw.Registry().Stats(),
		Routes:      len(s.gw.Routes()),
		Breakers:    mgr.BreakerStats(),
	})
}

func (s *Server) handleMaintenanceStatus(w http.ResponseWriter, _ *http.Request) {
	mgr := s.gw.Manager()
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": mgr.GetFullMaintenanceStatus(),
		"stats":   mgr.GetMaintenanceStatusStats(),
	})
}

func (s *Server) handleSetMaintenance(w http.ResponseWriter, r *http.Request) {
	req, opts, ok := s.maintenanceRequest(w, r)
	if !ok {
		return
	}
	result := s.gw.Manager().SetAuthMaintenanceMode(r.Context(), req.PipelineIDs, req.Reason, opts)
	writeJSON(w, batchStatus(result), result)
}

func (s *Server) handleClearMaintenance(w http.ResponseWriter, r *http.Request) {
	req, opts, ok := s.maintenanceRequest(w, r)
	if !ok {
		return
	}
	result := s.gw.Manager().ClearAuthMaintenanceMode(r.Context(), req.PipelineIDs, opts)
	writeJSON(w, batchStatus(result), result)
}

func (s *Server) handleProviderMaintenance(w http.ResponseWriter, r *http.Request) {
	provider := mux.Vars(r)["provider"]
	var req MaintenanceRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result := s.gw.Manager().ForceMaintenanceModeForProvider(r.Context(), provider, req.Reason)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	results := s.gw.Manager().HealthCheckAllPipelines(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"count":   len(results),
	})
}

func (s *Server) maintenanceRequest(w http.ResponseWriter, r *http.Request) (MaintenanceRequest, manager.MaintenanceOptions, bool) {
	var req MaintenanceRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return req, manager.MaintenanceOptions{}, false
	}
	if len(req.PipelineIDs) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("pipelineIds is required"))
		return req, manager.MaintenanceOptions{}, false
	}
	opts := manager.MaintenanceOptions{Force: req.Force, SkipHealthCheck: req.SkipHealthCheck}
	if strings.TrimSpace(req.EstimatedDuration) != "" {
		d, err := time.ParseDuration(req.EstimatedDuration)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid estimatedDuration %q", req.EstimatedDuration))
			return req, manager.MaintenanceOptions{}, false
		}
		opts.EstimatedDuration = d
	}
	return req, opts, true
}

// batchStatus is 200 when every id succeeded and 207 otherwise.
func batchStatus(result manager.BatchResult) int {
	if len(result.Failed) > 0 {
		return http.StatusMultiStatus
	}
	return http.StatusOK
}

func decodeBody(r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
