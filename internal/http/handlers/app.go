// Package handlers serves the read-only status endpoints of a running batch.
package handlers

import (
	"encoding/json"
	"net/http"

	"fusiongen/internal/progress"
)

// ProgressSource exposes the live counters of a run.
type ProgressSource interface {
	Snapshot() progress.Snapshot
}

type App struct {
	Source ProgressSource
}

func NewApp(src ProgressSource) *App {
	return &App{Source: src}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
