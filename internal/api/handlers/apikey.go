package handlers

import (
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/pysugar/checkin-nexus/internal/db"
	"github.com/pysugar/checkin-nexus/internal/util"
	"gorm.io/gorm"
)

// GetAPIKeyHandler returns the admin API key.
// GET /api/config/apikey
func GetAPIKeyHandler(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"api_key": db.GetAPIKey(database)})
	}
}

// RegenerateAPIKeyHandler generates a new API key
// POST /api/config/apikey/regenerate
func RegenerateAPIKeyHandler(database *gorm.DB, logger *log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apiKey, err := db.RegenerateAPIKey(database)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		logger.Info("🔑 Regenerated API key", "key", util.Mask(apiKey))
		writeJSON(w, http.StatusOK, map[string]string{"api_key": apiKey})
	}
}
