package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"hedge-bot/internal/journal"
	"hedge-bot/internal/supervisor"
	"hedge-bot/internal/venue"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type venueStatus struct {
	Name  string      `json:"name"`
	State venue.State `json:"state"`
}

type sinkStatus struct {
	DroppedCycles    uint64 `json:"dropped_cycles"`
	DroppedPositions uint64 `json:"dropped_positions"`
}

type statusResponse struct {
	Running   bool                     `json:"running"`
	Stats     *supervisor.Stats        `json:"stats,omitempty"`
	Venues    map[venue.ID]venueStatus `json:"venues"`
	Recent    []journal.Row            `json:"recent,omitempty"`
	Timescale *sinkStatus              `json:"timescale,omitempty"`
}

func (a *App) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/status", a.handleStatus).Methods(http.MethodGet)
	if a.prom != nil {
		r.Handle(a.cfg.Metrics.Path, a.prom.Handler()).Methods(http.MethodGet)
	}
	return r
}

func (a *App) startStatusServer(ctx context.Context) {
	if a.cfg == nil || !a.cfg.Metrics.EnabledValue() || a.cfg.Metrics.Address == "" {
		return
	}
	server := &http.Server{
		Addr:              a.cfg.Metrics.Address,
		Handler:           a.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.log.Info("status server listening", zap.String("address", server.Addr), zap.String("metrics_path", a.cfg.Metrics.Path))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("status server stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Venues: make(map[venue.ID]venueStatus)}
	if sup := a.currentSupervisor(); sup != nil {
		stats := sup.Stats()
		resp.Running = true
		resp.Stats = &stats
	}
	for _, s := range []*venueSession{a.venueA, a.venueB} {
		if s == nil || s.client == nil {
			continue
		}
		resp.Venues[s.client.ID()] = venueStatus{Name: s.cfg.Name, State: s.client.State()}
	}
	if a.journal != nil {
		rows, err := a.journal.Recent(r.Context(), 5)
		if err != nil {
			a.log.Warn("status journal read failed", zap.Error(err))
		}
		resp.Recent = rows
	}
	if a.timescale != nil {
		cycles, positions := a.timescale.Dropped()
		resp.Timescale = &sinkStatus{DroppedCycles: cycles, DroppedPositions: positions}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
