// Package api provides HTTP handlers for the tile view server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/soma-tiles/tileview/internal/service"
	"github.com/soma-tiles/tileview/internal/source"
	"github.com/soma-tiles/tileview/internal/viewstore"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Views       *service.ViewService
	Catalog     *SourceCatalog
	CORSOrigins []string
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", "X-Frame-Version"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	catalog := cfg.Catalog
	if catalog == nil {
		catalog = NewSourceCatalog(cfg.Views)
	}
	r.Get("/api/sources", sourcesHandler(catalog))

	r.Route("/api/views", func(r chi.Router) {
		r.Post("/", createViewHandler(cfg.Views))
		r.Get("/", listViewsHandler(cfg.Views))

		// View-scoped routes: /api/views/{id}/...
		r.Route("/{id}", func(r chi.Router) {
			r.Use(viewMiddleware(cfg.Views))

			r.Get("/", viewInfoHandler(cfg.Views))
			r.Delete("/", deleteViewHandler(cfg.Views))
			r.Put("/viewport", viewportHandler(cfg.Views))
			r.Post("/pan", panHandler(cfg.Views))
			r.Put("/scale", scaleHandler(cfg.Views))
			r.Put("/bands", bandsHandler(cfg.Views))
			r.Put("/datamap", dataMapHandler(cfg.Views))
			r.Put("/background", backgroundHandler(cfg.Views))
			r.Post("/cancel", cancelHandler(cfg.Views))
			r.Get("/frame.png", frameHandler(cfg.Views))
			r.Get("/tiles/{row}/{col}.png", tileHandler(cfg.Views))
		})
	})

	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", saveSessionHandler(cfg.Views))
		r.Get("/", listSessionsHandler(cfg.Views))
		r.Post("/{name}/open", openSessionHandler(cfg.Views))
		r.Delete("/{name}", deleteSessionHandler(cfg.Views))
	})

	return r
}

// Context key for the resolved view
type ctxKey string

const viewKey ctxKey = "view"

// viewMiddleware resolves the view from the URL and injects it into context.
func viewMiddleware(svc *service.ViewService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			v, err := svc.GetView(chi.URLParam(r, "id"))
			if err != nil {
				writeError(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), viewKey, v)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func viewID(r *http.Request) string {
	if v, ok := r.Context().Value(viewKey).(*service.View); ok {
		return v.ID
	}
	return chi.URLParam(r, "id")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps service errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrViewNotFound), errors.Is(err, service.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrInvalid), errors.Is(err, source.ErrUnknownSource), errors.Is(err, viewstore.ErrName):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrTooManyViews):
		status = http.StatusTooManyRequests
	case errors.Is(err, service.ErrNoStore):
		status = http.StatusNotImplemented
	}
	http.Error(w, err.Error(), status)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// sourcesHandler returns the configured sources and colormaps.
func sourcesHandler(catalog *SourceCatalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"default":   catalog.DefaultSource(),
			"sources":   catalog.Sources(),
			"colormaps": catalog.Colormaps(),
		})
	}
}

func createViewHandler(svc *service.ViewService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req service.ViewRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Width <= 0 || req.Height <= 0 {
			http.Error(w, "width and height are required", http.StatusBadRequest)
			return
		}
		info, err := svc.CreateView(req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, info)
	}
}

func listViewsHandler(svc *service.ViewService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"views": svc.ListViews(),
		})
	}
}

func viewInfoHandler(svc *service.ViewService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := svc.Info(viewID(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

func deleteViewHandler(svc *service.ViewService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.DeleteView(viewID(r)); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// infoResult writes the view state returned by a mutating call.
func infoResult(w http.ResponseWriter, info *service.ViewInfo, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func viewportHandler(svc *service.ViewService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Width  int `json:"width"`
			Height int `json:"height"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		info, err := svc.Resize(viewID(r), req.Width, req.Height)
		infoResult(w, info, err)
	}
}

func panHandler(svc *service.ViewService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			DX int `json:"dx"`
			DY int `json:"dy"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		info, err := svc.Pan(viewID(r), req.DX, req.DY)
		infoResult(w, info, err)
	}
}

func scaleHandler(svc *service.ViewService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Scale float64 `json:"scale"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		info, err := svc.SetScale(viewID(r), req.Scale)
		infoResult(w, info, err)
	}
}

func bandsHandler(svc *service.ViewService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Bands []int `json:"bands"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if len(req.Bands) != 3 {
			http.Error(w, "bands must list 3 band indices", http.StatusBadRequest)
			return
		}
		info, err := svc.SetBands(viewID(r), [3]int{req.Bands[0], req.Bands[1], req.Bands[2]})
		infoResult(w, info, err)
	}
}

func dataMapHandler(svc *service.ViewService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var dm viewstore.DataMap
		if !decodeBody(w, r, &dm) {
			return
		}
		info, err := svc.SetDataMap(viewID(r), dm)
		infoResult(w, info, err)
	}
}

func backgroundHandler(svc *service.ViewService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Color string `json:"color"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		c, err := service.ParseColor(req.Color)
		if err != nil {
			writeError(w, err)
			return
		}
		info, err := svc.SetBackground(viewID(r), c)
		infoResult(w, info, err)
	}
}

func cancelHandler(svc *service.ViewService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stopped, err := svc.Cancel(viewID(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"stopped": stopped,
		})
	}
}

func frameHandler(svc *service.ViewService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		grid := r.URL.Query().Get("grid")
		data, version, err := svc.Frame(viewID(r), grid == "1" || grid == "true")
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("X-Frame-Version", strconv.FormatUint(version, 10))
		w.Write(data)
	}
}

func tileHandler(svc *service.ViewService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		row, err := strconv.Atoi(chi.URLParam(r, "row"))
		if err != nil {
			http.Error(w, "invalid row", http.StatusBadRequest)
			return
		}
		col, err := strconv.Atoi(chi.URLParam(r, "col"))
		if err != nil {
			http.Error(w, "invalid col", http.StatusBadRequest)
			return
		}

		data, err := svc.Tile(viewID(r), row, col)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		w.Write(data)
	}
}

func saveSessionHandler(svc *service.ViewService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name   string `json:"name"`
			ViewID string `json:"view_id"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.ViewID == "" {
			http.Error(w, "view_id is required", http.StatusBadRequest)
			return
		}
		sess, err := svc.SaveSession(req.Name, req.ViewID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, sess)
	}
}

func listSessionsHandler(svc *service.ViewService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions, err := svc.ListSessions()
		if err != nil {
			writeError(w, err)
			return
		}
		if sessions == nil {
			sessions = []*viewstore.Session{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"sessions": sessions,
		})
	}
}

func openSessionHandler(svc *service.ViewService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := svc.OpenSession(chi.URLParam(r, "name"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, info)
	}
}

func deleteSessionHandler(svc *service.ViewService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.DeleteSession(chi.URLParam(r, "name")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
