package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/cartridge/replaybuf/internal/metrics"
	"github.com/cartridge/replaybuf/internal/middleware"
	"github.com/cartridge/replaybuf/internal/replay"
	"github.com/cartridge/replaybuf/internal/service"
)

const (
	maxAppendBody = 64 << 20 // rollout chunks carry raw frames

	// maxSampleSize bounds the per-request batch size so a single
	// sample call cannot force an arbitrarily large allocation.
	maxSampleSize = 16384
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server wires HTTP handlers to the replay service.
type Server struct {
	svc      *service.Replay
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	logger   zerolog.Logger
}

// NewServer constructs a Server instance.
func NewServer(svc *service.Replay, m *metrics.Metrics, g prometheus.Gatherer, logger zerolog.Logger) *Server {
	return &Server{svc: svc, metrics: m, gatherer: g, logger: logger}
}

// Routes builds the HTTP router for the replay service.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.CorrelationID)
	r.Use(middleware.RequestLogger(s.logger))
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/append", s.handleAppend)
		r.Get("/append/stream", s.handleAppendStream)
		r.Post("/sample", s.handleSample)
		r.Post("/priorities", s.handleUpdatePriorities)
		r.Put("/beta", s.handleSetBeta)
		r.Get("/stats", s.handleStats)
	})
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return r
}

type appendResponse struct {
	Steps int `json:"steps"`
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		s.writeError(w, http.StatusUnsupportedMediaType, "content type must be application/json")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxAppendBody)
	defer r.Body.Close()
	var chunk replay.Chunk
	if err := json.NewDecoder(r.Body).Decode(&chunk); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid chunk payload")
		return
	}
	steps, err := s.svc.Append(r.Context(), chunk)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, appendResponse{Steps: steps})
}

type sampleRequest struct {
	Size int `json:"size"`
}

type sampleResponse struct {
	Size             int         `json:"size"`
	Observations     [][]float32 `json:"observations"`
	Actions          []int32     `json:"actions"`
	Rewards          []float32   `json:"rewards"`
	Returns          []float32   `json:"returns"`
	Dones            []bool      `json:"dones"`
	DoneNs           []bool      `json:"done_ns"`
	NextObservations [][]float32 `json:"next_observations"`
	Weights          []float32   `json:"weights,omitempty"`
	HandleID         string      `json:"handle_id,omitempty"`
}

func (s *Server) handleSample(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var payload sampleRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid sample payload")
		return
	}
	if payload.Size > maxSampleSize {
		s.writeError(w, http.StatusBadRequest,
			fmt.Sprintf("batch size %d exceeds limit %d", payload.Size, maxSampleSize))
		return
	}
	out, err := s.svc.Sample(r.Context(), payload.Size)
	if err != nil {
		s.respondError(w, err)
		return
	}
	resp := sampleResponse{
		Size:             out.Batch.Size,
		Observations:     out.Batch.Observations,
		Actions:          out.Batch.Actions,
		Rewards:          out.Batch.Rewards,
		Returns:          out.Batch.Returns,
		Dones:            out.Batch.Dones,
		DoneNs:           out.Batch.DoneNs,
		NextObservations: out.Batch.NextObservations,
		Weights:          out.Batch.Weights,
	}
	if out.HandleID != uuid.Nil {
		resp.HandleID = out.HandleID.String()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type prioritiesRequest struct {
	HandleID string    `json:"handle_id"`
	Errors   []float32 `json:"errors"`
}

type prioritiesResponse struct {
	Applied int `json:"applied"`
	Stale   int `json:"stale"`
}

func (s *Server) handleUpdatePriorities(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var payload prioritiesRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid priorities payload")
		return
	}
	id := uuid.Nil
	if payload.HandleID != "" {
		var err error
		id, err = uuid.Parse(payload.HandleID)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid handle id")
			return
		}
	}
	applied, stale, err := s.svc.UpdatePriorities(r.Context(), id, payload.Errors)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, prioritiesResponse{Applied: applied, Stale: stale})
}

type betaRequest struct {
	Beta float64 `json:"beta"`
}

func (s *Server) handleSetBeta(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var payload betaRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid beta payload")
		return
	}
	if err := s.svc.SetBeta(r.Context(), payload.Beta); err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, betaRequest{Beta: payload.Beta})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Stats(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type streamAck struct {
	Steps int    `json:"steps"`
	Error string `json:"error,omitempty"`
}

// handleAppendStream accepts a websocket connection over which an
// actor pushes chunks continuously. Each chunk is acknowledged in
// order; a malformed chunk closes the stream.
func (s *Server) handleAppendStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()
	s.metrics.WSClients.Inc()
	defer s.metrics.WSClients.Dec()

	for {
		var chunk replay.Chunk
		if err := conn.ReadJSON(&chunk); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn().Err(err).Msg("append stream closed unexpectedly")
			}
			return
		}
		steps, err := s.svc.Append(r.Context(), chunk)
		ack := streamAck{Steps: steps}
		if err != nil {
			ack.Error = err.Error()
		}
		if err := conn.WriteJSON(ack); err != nil {
			s.logger.Warn().Err(err).Msg("append stream ack failed")
			return
		}
		if ack.Error != "" {
			return
		}
	}
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, replay.ErrShapeMismatch), errors.Is(err, replay.ErrChunkTooLarge):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, replay.ErrInsufficientData):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrUnknownHandle):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrNotPrioritized):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}
