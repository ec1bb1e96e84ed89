// Package api exposes the annotation service over a local HTTP bridge.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/soma-tiles/annotations/internal/annotation"
	"github.com/soma-tiles/annotations/internal/coordinator"
	"github.com/soma-tiles/annotations/internal/service"
	"github.com/soma-tiles/annotations/internal/tile"
)

const maxBodyBytes = 1 << 20

// RouterConfig contains router configuration.
type RouterConfig struct {
	Service     *service.AnnotationService
	CORSOrigins []string
	// WaitTimeout bounds how long GET /tiles waits for loading tiles.
	WaitTimeout time.Duration
	Logger      *zap.Logger
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	wait := cfg.WaitTimeout
	if wait <= 0 {
		wait = 10 * time.Second
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Get("/stats", statsHandler(cfg.Service))
	r.Post("/mutations", mutationHandler(cfg.Service))

	r.Route("/tiles", func(r chi.Router) {
		r.Get("/", tilesHandler(cfg.Service, wait))
		r.Post("/release", releaseHandler(cfg.Service))
		r.Post("/invalidate", invalidateHandler(cfg.Service))
		r.Post("/deliver", deliverHandler(cfg.Service))
	})

	return r
}

// requestLogger logs one line per request.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			log.Info("request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

// TileResponse is one loaded tile in a GET /tiles answer.
type TileResponse struct {
	Key  tile.Key  `json:"key"`
	Data tile.Bins `json:"data"`
}

// TilesResponse is the answer to GET /tiles.
type TilesResponse struct {
	Tiles   []TileResponse `json:"tiles"`
	Pending []tile.Key     `json:"pending"`
}

// KeysRequest is the body of the release and invalidate endpoints.
type KeysRequest struct {
	Keys []tile.Key `json:"keys"`
}

// MutationRequest is the body of POST /mutations.
type MutationRequest struct {
	Type       string          `json:"type"`
	Annotation json.RawMessage `json:"annotation"`
}

func tilesHandler(svc *service.AnnotationService, wait time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.URL.Query()["key"]
		if len(raw) == 0 {
			http.Error(w, "at least one key parameter is required", http.StatusBadRequest)
			return
		}
		keys := make([]tile.Key, 0, len(raw))
		for _, s := range raw {
			key, err := tile.ParseKey(s)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			keys = append(keys, key)
		}

		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()

		loaded, pending, err := svc.LoadTiles(ctx, keys)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		resp := TilesResponse{
			Tiles:   make([]TileResponse, 0, len(loaded)),
			Pending: pending,
		}
		if resp.Pending == nil {
			resp.Pending = []tile.Key{}
		}
		for _, e := range loaded {
			data := e.Bins
			if data == nil {
				data = tile.Bins{}
			}
			resp.Tiles = append(resp.Tiles, TileResponse{Key: e.Key, Data: data})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func mutationHandler(svc *service.AnnotationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req MutationRequest
		if err := decodeBody(r, &req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		// The forwarded POST outlives this request.
		if err := svc.SubmitMutation(r.Context(), req.Type, req.Annotation); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, annotation.ErrUnknownKind) || errors.Is(err, annotation.ErrInvalid) {
				status = http.StatusBadRequest
			}
			http.Error(w, err.Error(), status)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

func releaseHandler(svc *service.AnnotationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req KeysRequest
		if err := decodeBody(r, &req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		svc.Release(req.Keys...)
		writeJSON(w, http.StatusOK, map[string]interface{}{"released": len(req.Keys)})
	}
}

func invalidateHandler(svc *service.AnnotationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req KeysRequest
		if err := decodeBody(r, &req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		svc.Invalidate(req.Keys...)
		writeJSON(w, http.StatusOK, map[string]interface{}{"invalidated": len(req.Keys)})
	}
}

func deliverHandler(svc *service.AnnotationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		p, err := tile.DecodePayload(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := svc.Deliver(p); err != nil {
			if errors.Is(err, coordinator.ErrOutOfSync) {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"delivered": p.Index})
	}
}

func statsHandler(svc *service.AnnotationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Stats())
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
