package maintenance

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"token-rotation/internal/observability"
)

// RefreshPurger deletes refresh records whose expiry lies further back than
// the retention window. Revoked but unexpired records are kept so a replay
// can still be recognized.
type RefreshPurger interface {
	DeleteExpired(ctx context.Context, retention time.Duration, batchSize int) (int64, error)
}

// BlacklistPurger deletes expired blacklist rows. Redis-backed blacklists
// expire on their own and are not wired here.
type BlacklistPurger interface {
	DeleteExpired(ctx context.Context, batchSize int) (int64, error)
}

type CleanupResult struct {
	DeletedRefreshRecords   int64 `json:"deleted_refresh_records"`
	DeletedBlacklistEntries int64 `json:"deleted_blacklist_entries"`
}

type CleanupHandler struct {
	refresh          RefreshPurger
	blacklist        BlacklistPurger
	logger           *observability.Logger
	cronSecret       string
	refreshRetention time.Duration
	batchSize        int
}

// NewCleanupHandler accepts nil purgers for stores that expire by themselves.
func NewCleanupHandler(
	refresh RefreshPurger,
	blacklist BlacklistPurger,
	logger *observability.Logger,
	cronSecret string,
	refreshRetention time.Duration,
	batchSize int,
) *CleanupHandler {
	return &CleanupHandler{
		refresh:          refresh,
		blacklist:        blacklist,
		logger:           logger,
		cronSecret:       strings.TrimSpace(cronSecret),
		refreshRetention: refreshRetention,
		batchSize:        batchSize,
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || !secretMatches(strings.TrimSpace(parts[1]), h.cronSecret) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	result, err := h.Run(r.Context())
	if err != nil {
		h.logger.Error("auth_cleanup_failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	h.logger.Info("auth_cleanup_completed", map[string]any{
		"deleted_refresh_records":   result.DeletedRefreshRecords,
		"deleted_blacklist_entries": result.DeletedBlacklistEntries,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}

// Run performs one cleanup pass.
func (h *CleanupHandler) Run(ctx context.Context) (CleanupResult, error) {
	var result CleanupResult

	if h.refresh != nil {
		deleted, err := h.refresh.DeleteExpired(ctx, h.refreshRetention, h.batchSize)
		if err != nil {
			return CleanupResult{}, err
		}
		result.DeletedRefreshRecords = deleted
	}

	if h.blacklist != nil {
		deleted, err := h.blacklist.DeleteExpired(ctx, h.batchSize)
		if err != nil {
			return result, err
		}
		result.DeletedBlacklistEntries = deleted
	}

	return result, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func secretMatches(presented, secret string) bool {
	return subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) == 1
}
