package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/checkin-nexus/internal/accounts"
	"github.com/pysugar/checkin-nexus/internal/db"
	"github.com/pysugar/checkin-nexus/internal/db/models"
)

// History is the read side of the account store.
type History interface {
	ListAccounts(ctx context.Context) ([]accounts.Record, error)
	GetAccount(ctx context.Context, id string) (accounts.Record, error)
	CheckinLogs(ctx context.Context, accountID string, limit int) ([]models.CheckinLog, error)
	CheckinStats(ctx context.Context, since time.Time) (models.CheckinStats, error)
	BalanceHistory(ctx context.Context, accountID string, limit int) ([]models.BalanceRecord, error)
}

type accountView struct {
	ID           string `json:"id"`
	DisplayName  string `json:"display_name"`
	Provider     string `json:"provider"`
	AuthMode     string `json:"auth_mode"`
	Enabled      bool   `json:"enabled"`
	Username     string `json:"username,omitempty"`
	HasArtifacts bool   `json:"has_artifacts"`
	NotifyEmail  string `json:"notify_email,omitempty"`
	SecretError  string `json:"secret_error,omitempty"`
}

// AccountsHandler lists accounts without any secret material.
// GET /api/accounts
func AccountsHandler(store History) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recs, err := store.ListAccounts(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		views := make([]accountView, 0, len(recs))
		for _, rec := range recs {
			v := accountView{
				ID:           rec.ID,
				DisplayName:  rec.DisplayName,
				Provider:     rec.Provider,
				AuthMode:     string(rec.AuthMode),
				Enabled:      rec.Enabled,
				Username:     rec.LoginUsername,
				HasArtifacts: rec.HasArtifacts(),
				NotifyEmail:  rec.NotifyEmail,
			}
			if rec.SecretErr != nil {
				v.SecretError = "secrets unreadable"
			}
			views = append(views, v)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"accounts": views,
			"count":    len(views),
		})
	}
}

// LogsHandler returns the newest check-in log entries.
// GET /api/logs?account_id=&limit=
func LogsHandler(store History) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logs, err := store.CheckinLogs(r.Context(), r.URL.Query().Get("account_id"), queryLimit(r, 50))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"logs":  logs,
			"count": len(logs),
		})
	}
}

// StatsHandler counts check-ins over the last ?hours= (default 24).
// GET /api/stats
func StatsHandler(store History) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hours := 24
		if h := queryInt(r, "hours"); h > 0 {
			hours = h
		}
		stats, err := store.CheckinStats(r.Context(), time.Now().Add(-time.Duration(hours)*time.Hour))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"hours":         hours,
			"total":         stats.Total,
			"success_count": stats.SuccessCount,
			"failure_count": stats.FailureCount,
		})
	}
}

// BalanceHandler returns one account's balance history, newest first.
// GET /api/balance/{id}?limit=
func BalanceHandler(store History) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := store.GetAccount(r.Context(), id); errors.Is(err, db.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		records, err := store.BalanceHistory(r.Context(), id, queryLimit(r, 50))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"account_id": id,
			"records":    records,
			"count":      len(records),
		})
	}
}
