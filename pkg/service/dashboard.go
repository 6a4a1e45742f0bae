package service

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// dashboardView is the minimal read-only snapshot the operator dashboard
// endpoint returns: queue depth, wallet availability, and recent failures.
// It replaces a full UI, which spec's non-goals exclude.
type dashboardView struct {
	GeneratedAt time.Time           `json:"generatedAt"`
	Queue       dashboardQueue      `json:"queue"`
	Wallets     dashboardWallets    `json:"wallets"`
	Failures    []dashboardFailure  `json:"recentFailures"`
}

type dashboardQueue struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

type dashboardWallets struct {
	Total     int `json:"total"`
	Available int `json:"available"`
	InUse     int `json:"inUse"`
}

type dashboardFailure struct {
	AssetID   int64  `json:"assetId"`
	Source    string `json:"source"`
	LastError string `json:"lastError"`
	Attempts  int    `json:"attempts"`
}

// DashboardHandler serves a JSON snapshot of queue depth, wallet pool
// utilization, and the most recent asset failures.
func (s *Service) DashboardHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		view := dashboardView{GeneratedAt: time.Now()}

		if qs, err := s.Queue.Stats(ctx); err == nil {
			view.Queue = dashboardQueue{Waiting: qs.Waiting, Active: qs.Active, Completed: qs.Completed, Failed: qs.Failed}
		}
		if ws, err := s.Wallets.Stats(ctx); err == nil {
			view.Wallets = dashboardWallets{Total: ws.Total, Available: ws.Available, InUse: ws.InUse}
		}
		if failures, err := s.Assets.RecentFailures(ctx, 20); err == nil {
			view.Failures = make([]dashboardFailure, len(failures))
			for i, a := range failures {
				view.Failures[i] = dashboardFailure{
					AssetID:   a.ID,
					Source:    a.Source,
					LastError: a.LastError,
					Attempts:  a.AttemptCount,
				}
			}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(view)
	})
}
