// Package api provides the admin HTTP API: health probes and
// read-only views of the live connections and the channel catalog.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nabunetwork/nabud/internal/logger"
	"github.com/nabunetwork/nabud/pkg/adapter/nabu"
	"github.com/nabunetwork/nabud/pkg/image"
)

// connectionView is the JSON shape of one live connection.
type connectionView struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Kind         string `json:"kind"`
	Channel      *int16 `json:"channel,omitempty"`
	SelectedFile string `json:"selected_file,omitempty"`
	RetroNet     bool   `json:"retronet"`
	FileRoot     string `json:"file_root,omitempty"`
}

// channelView is the JSON shape of one catalog entry.
type channelView struct {
	Name        string `json:"name"`
	Number      int16  `json:"number"`
	Type        string `json:"type"`
	Source      string `json:"source"`
	DefaultFile string `json:"default_file,omitempty"`
	RetroNet    bool   `json:"retronet"`
}

// NewRouter creates the chi router with all middleware and routes.
func NewRouter(registry *nabu.Registry, table *image.Table) http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/connections", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, snapshotConnections(registry))
		})
		r.Get("/channels", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, snapshotChannels(table))
		})
	})

	return r
}

// snapshotConnections enumerates the registry under its borrow
// protocol; each connection stays pinned while its fields are read.
func snapshotConnections(registry *nabu.Registry) []connectionView {
	views := make([]connectionView, 0, registry.Count())
	registry.Enumerate(func(c *nabu.Conn) bool {
		v := connectionView{
			ID:       c.ID.String(),
			Name:     c.Name(),
			Kind:     string(c.Kind()),
			RetroNet: c.RetroNetEnabled(),
			FileRoot: c.FileRoot(),
		}
		if chn := c.Channel(); chn != nil {
			number := chn.Number
			v.Channel = &number
			v.SelectedFile = c.SelectedFile()
		}
		views = append(views, v)
		return true
	})
	return views
}

func snapshotChannels(table *image.Table) []channelView {
	channels := table.List()
	views := make([]channelView, 0, len(channels))
	for _, chn := range channels {
		views = append(views, channelView{
			Name:        chn.Name,
			Number:      chn.Number,
			Type:        string(chn.Type),
			Source:      chn.Source,
			DefaultFile: chn.DefaultFile,
			RetroNet:    chn.RetroNetEnabled,
		})
	}
	return views
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("Unable to encode API response", logger.KeyError, err)
	}
}

// requestLogger logs each request through the internal logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Debug("API request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			logger.KeyDuration, logger.Duration(start))
	})
}
