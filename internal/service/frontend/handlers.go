package frontend

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/clashctl/clashctl/internal/cmn/logger/tag"
	"github.com/clashctl/clashctl/internal/core"
	"github.com/clashctl/clashctl/internal/service/geoupdate"
	"github.com/clashctl/clashctl/internal/service/kernel"
)

const defaultHistoryLimit = 50

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGeoUpdate(w http.ResponseWriter, r *http.Request) {
	opts := geoupdate.DefaultOptions()
	if err := decodeBody(r, &opts); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	started := time.Now()
	result, err := s.geo.Run(r.Context(), core.TriggerManual, opts)
	if errors.Is(err, core.ErrBusy) {
		s.metrics.IncBusy(core.JobGeoUpdate, core.TriggerManual)
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	outcome := "success"
	if !result.OverallOK {
		outcome = "failed"
	}
	s.metrics.ObserveJob(core.JobGeoUpdate, core.TriggerManual, outcome, time.Since(started))
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleKernelUpdate(w http.ResponseWriter, r *http.Request) {
	var req kernel.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	started := time.Now()
	record, err := s.kernel.Update(r.Context(), core.TriggerManual, req)
	switch {
	case err == nil:
		s.metrics.ObserveJob(core.JobKernelUpdate, core.TriggerManual, "success", time.Since(started))
		writeJSON(w, http.StatusOK, map[string]any{
			"record":            record,
			"restart_requested": req.RestartAfter,
			"restart_scheduled": req.RestartAfter && s.kernel.CanRestart(),
		})
	case errors.Is(err, core.ErrBusy):
		s.metrics.IncBusy(core.JobKernelUpdate, core.TriggerManual)
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, core.ErrRepoNotAllowed):
		writeError(w, http.StatusBadRequest, err.Error())
	case record.ID == "":
		// Rejected before the run started (malformed repo).
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.metrics.ObserveJob(core.JobKernelUpdate, core.TriggerManual, string(record.Status), time.Since(started))
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":  err.Error(),
			"record": record,
		})
	}
}

func (s *Server) handleKernelStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.kernel.Status())
}

func (s *Server) handleKernelHistory(w http.ResponseWriter, r *http.Request) {
	records := s.kernel.History(queryLimit(r))
	writeJSON(w, http.StatusOK, map[string]any{"items": records})
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	// Run outcomes are observed by the scheduler, which owns the merge job.
	entry, err := s.merge.RunManual(r.Context())
	if errors.Is(err, core.ErrBusy) {
		s.metrics.IncBusy(core.JobMergeReload, core.TriggerManual)
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Load())
}

func (s *Server) handlePutSchedule(w http.ResponseWriter, r *http.Request) {
	var cfg core.ScheduleConfig
	if err := decodeBody(r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	saved, err := s.store.Save(cfg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleScheduleHistory(w http.ResponseWriter, r *http.Request) {
	items := s.store.History()
	if offset := queryInt(r, "offset", 0); offset > 0 {
		if offset >= len(items) {
			items = nil
		} else {
			items = items[offset:]
		}
	}
	if limit := queryLimit(r); len(items) > limit {
		items = items[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// decodeBody decodes a JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func queryLimit(r *http.Request) int {
	return queryInt(r, "limit", defaultHistoryLimit)
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", tag.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
