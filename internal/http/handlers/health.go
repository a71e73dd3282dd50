package handlers

import (
	"net/http"
)

// Health reports liveness and gateway counters. It never contacts the
// provider.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if a.Gateway != nil {
		resp["gateway"] = a.Gateway.Stats()
	}
	a.json(w, http.StatusOK, resp)
}

// CheckProvider sends a tiny completion and answers 503 when the provider is
// unhealthy.
func (a *App) CheckProvider(w http.ResponseWriter, r *http.Request) {
	if a.Gateway == nil {
		a.error(w, http.StatusServiceUnavailable, "unavailable", "gateway not configured")
		return
	}
	h := a.Gateway.Health(r.Context())
	resp := map[string]any{"status": "ok", "completion": h}
	if h.Status != "healthy" {
		resp["status"] = "degraded"
		a.json(w, http.StatusServiceUnavailable, resp)
		return
	}
	a.json(w, http.StatusOK, resp)
}

// Stats summarizes the gateway and the memory store.
func (a *App) Stats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{}
	if a.Gateway != nil {
		resp["gateway"] = a.Gateway.Stats()
	}
	if a.Memory != nil {
		stats, err := a.Memory.Stats()
		if err != nil {
			a.logger().Warn().Err(err).Msg("http: memory stats unavailable")
		} else {
			resp["memory"] = stats
		}
	}
	a.json(w, http.StatusOK, resp)
}

// ClearCache empties the gateway's reply cache.
func (a *App) ClearCache(w http.ResponseWriter, r *http.Request) {
	if a.Gateway == nil {
		a.error(w, http.StatusServiceUnavailable, "unavailable", "gateway not configured")
		return
	}
	a.json(w, http.StatusOK, map[string]any{"cleared": a.Gateway.ClearCache()})
}
