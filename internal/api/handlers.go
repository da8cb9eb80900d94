// internal/api/handlers.go
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marketwatch/internal/market"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Collector runs one market collection. *market.Orchestrator satisfies it.
type Collector interface {
	Collect(ctx context.Context, q market.Query) (*market.Aggregate, error)
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// Handlers serves the marketwatch HTTP API.
type Handlers struct {
	log       *zap.Logger
	collector Collector
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(logger *zap.Logger, collector Collector) *Handlers {
	return &Handlers{
		log:       logger.Named("api_handlers"),
		collector: collector,
	}
}

// RegisterRoutes mounts the API endpoints on r.
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.HandleHealthCheck)
	r.Get("/api/items", h.HandleGetItems)
}

// HandleHealthCheck is a simple handler to confirm the server is responsive.
func (h *Handlers) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// HandleGetItems collects the listings for ?item_name=, honoring the
// optional max_pages and concurrency parameters.
func (h *Handlers) HandleGetItems(w http.ResponseWriter, r *http.Request) {
	log := h.log.With(zap.String("request_id", middleware.GetReqID(r.Context())))

	q, err := parseQuery(r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	log.Info("Collecting items.", zap.String("item_name", q.Term), zap.Int("max_pages", q.MaxPages), zap.Int("concurrency", q.Concurrency))
	agg, err := h.collector.Collect(r.Context(), q)
	if err != nil {
		switch {
		case errors.Is(err, market.ErrInvalidQuery):
			h.respondWithError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, market.ErrDiscoveryUnavailable):
			log.Warn("Listing unavailable.", zap.Error(err))
			h.respondWithError(w, http.StatusServiceUnavailable, "Service temporarily unavailable")
		default:
			log.Error("Collection failed.", zap.Error(err))
			h.respondWithError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	h.respondWithJSON(w, http.StatusOK, agg)
}

// parseQuery reads the query parameters. Zero means "use the default" for
// the numeric ones, so only explicitly bad values are rejected here.
func parseQuery(r *http.Request) (market.Query, error) {
	values := r.URL.Query()
	q := market.Query{Term: strings.TrimSpace(values.Get("item_name"))}
	if q.Term == "" {
		return q, errors.New("item_name is required")
	}

	var err error
	if q.MaxPages, err = positiveParam(values.Get("max_pages"), "max_pages"); err != nil {
		return q, err
	}
	if q.Concurrency, err = positiveParam(values.Get("concurrency"), "concurrency"); err != nil {
		return q, err
	}
	return q, nil
}

func positiveParam(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New(name + " must be a positive integer")
	}
	return n, nil
}

// respondWithError sends a JSON error body in the {"detail": ...} shape.
func (h *Handlers) respondWithError(w http.ResponseWriter, statusCode int, detail string) {
	h.respondWithJSON(w, statusCode, ErrorResponse{Detail: detail})
}

func (h *Handlers) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error("Failed to encode response", zap.Error(err))
	}
}
