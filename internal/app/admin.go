package app

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"presencebot/internal/pubsub"
	logx "presencebot/pkg/logx"
)

// Status is served on the debug server's /status.
type Status struct {
	Login       string                `json:"login"`
	JoinRunning bool                  `json:"join_running"`
	Queues      []pubsub.ChannelQueue `json:"pubsub_queues"`
}

func (a *App) status() any {
	return Status{
		Login:       a.cfgm.Get().Twitch.Login,
		JoinRunning: a.joiner.Running(),
		Queues:      a.pubsub.Snapshot(),
	}
}

// registerAdminRoutes exposes channel management on the debug server, so a
// running bot picks up changes without a restart.
func (a *App) registerAdminRoutes() {
	a.debug.Handle("GET /channels", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chans, err := a.registry.ListChannels(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, chans)
	}))
	a.debug.Handle("POST /channels/{handle}", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.registry.Add(r.Context(), r.PathValue("handle"), r.URL.Query().Get("user_id"), "http"); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	for _, op := range []struct {
		path    string
		enabled bool
	}{{"enable", true}, {"disable", false}} {
		a.debug.Handle("POST /channels/{handle}/"+op.path, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, err := a.registry.SetEnabled(r.Context(), r.PathValue("handle"), op.enabled, "http")
			switch {
			case err != nil:
				http.Error(w, err.Error(), http.StatusInternalServerError)
			case !ok:
				http.Error(w, "unknown channel", http.StatusNotFound)
			default:
				w.WriteHeader(http.StatusNoContent)
			}
		}))
	}
	a.debug.Handle("POST /channels/{handle}/say", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		text := strings.TrimSpace(string(body))
		if text == "" {
			http.Error(w, "empty message", http.StatusBadRequest)
			return
		}
		if err := a.dispatch.Send(r.Context(), r.PathValue("handle"), text); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	a.debug.Handle("POST /pubsub/refresh", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if !a.pubsub.ForceFullRefresh() {
			http.Error(w, "refresh already in flight or pubsub not started", http.StatusConflict)
			return
		}
		a.log.Info("forced pubsub refresh requested", logx.String("via", "http"))
		w.WriteHeader(http.StatusAccepted)
	}))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
