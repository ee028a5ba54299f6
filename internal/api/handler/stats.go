package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/cleanwave/pipeline/internal/api/response"
	"github.com/cleanwave/pipeline/internal/cache"
)

// CountReader reads the daily completion counter.
type CountReader interface {
	GetCount(ctx context.Context, key string) (int64, error)
}

// UserCounter reports connected subscription clients.
type UserCounter interface {
	ActiveUsers() int64
}

type statsResponse struct {
	Date           string `json:"date"`
	CompletedToday int64  `json:"completed_today"`
	ActiveUsers    int64  `json:"active_users"`
}

// NewStatsHandler returns an http.HandlerFunc for GET /api/v1/stats.
func NewStatsHandler(counts CountReader, users UserCounter, now func() time.Time) http.HandlerFunc {
	if now == nil {
		now = time.Now
	}
	return func(w http.ResponseWriter, r *http.Request) {
		day := now().UTC()
		completed, err := counts.GetCount(r.Context(), cache.CompletedCountKey(day))
		if err != nil {
			slog.Error("reading completed counter", "error", err)
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED", "Statistics are unavailable", nil)
			return
		}
		response.JSON(w, statsResponse{
			Date:           day.Format(time.DateOnly),
			CompletedToday: completed,
			ActiveUsers:    users.ActiveUsers(),
		})
	}
}
