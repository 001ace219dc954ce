package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/pysugar/checkin-nexus/internal/db"
	"github.com/pysugar/checkin-nexus/internal/orchestrator"
	"github.com/pysugar/checkin-nexus/internal/scheduler"
)

// Trigger starts cycles and single-account runs. *scheduler.Scheduler
// satisfies it.
type Trigger interface {
	RunCycle(ctx context.Context) (scheduler.CycleReport, error)
	RunAccount(ctx context.Context, id string) (orchestrator.Result, error)
	Running() bool
}

// CheckinAllHandler starts a cycle over all enabled accounts. The cycle runs
// in the background under base unless ?wait=true is given.
// POST /api/checkin
func CheckinAllHandler(base context.Context, trigger Trigger, logger *log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if trigger.Running() {
			writeError(w, http.StatusConflict, scheduler.ErrCycleInProgress.Error())
			return
		}

		if r.URL.Query().Get("wait") == "true" {
			report, err := trigger.RunCycle(r.Context())
			if errors.Is(err, scheduler.ErrCycleInProgress) {
				writeError(w, http.StatusConflict, err.Error())
				return
			}
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"run_id":        report.RunID,
				"success_count": report.SuccessCount,
				"total_count":   report.TotalCount,
				"results":       report.Results,
			})
			return
		}

		go func() {
			report, err := trigger.RunCycle(base)
			if err != nil {
				logger.Warn("⚠️ On-demand cycle not run", "error", err)
				return
			}
			logger.Info("✅ On-demand cycle finished", "run_id", report.RunID, "success", report.SuccessCount, "total", report.TotalCount)
		}()

		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":  "started",
			"message": "Check-in cycle started",
		})
	}
}

// CheckinAccountHandler runs one account synchronously.
// POST /api/checkin/{id}
func CheckinAccountHandler(trigger Trigger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		res, err := trigger.RunAccount(r.Context(), id)
		if errors.Is(err, db.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		status := http.StatusOK
		if !res.Succeeded {
			status = http.StatusBadGateway
		}
		writeJSON(w, status, res)
	}
}
