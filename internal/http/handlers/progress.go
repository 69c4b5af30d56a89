package handlers

import (
	"net/http"
)

// Progress reports how many images have been saved so far.
func (a *App) Progress(w http.ResponseWriter, r *http.Request) {
	if a.Source == nil {
		a.json(w, http.StatusServiceUnavailable, map[string]string{"error": "progress unavailable"})
		return
	}
	snap := a.Source.Snapshot()
	if snap.Credentials == nil {
		snap.Credentials = map[string]int{}
	}
	a.json(w, http.StatusOK, snap)
}
