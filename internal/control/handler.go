package control

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"math"
	"mime"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/StefanGrimminck/threatfeed/internal/auth"
	"github.com/StefanGrimminck/threatfeed/internal/engine"
	"github.com/StefanGrimminck/threatfeed/internal/feed"
	"github.com/StefanGrimminck/threatfeed/internal/ratelimit"
)

// Dispatcher accepts control messages.
type Dispatcher interface {
	Dispatch(msg feed.Message) error
}

// Handler handles POST control messages ({"notification": ..., "payload": {...}}).
// It expects auth.Middleware to have stored the client ID.
type Handler struct {
	Engine       Dispatcher
	RateLimiter  *ratelimit.PerClientLimiter
	MaxBodyBytes int64
	Log          zerolog.Logger
	Metrics      *Metrics
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientID := auth.ClientID(r.Context())
	if r.Method != http.MethodPost {
		h.respond(w, clientID, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != "application/json" {
		h.respond(w, clientID, http.StatusUnsupportedMediaType, "invalid_content_type")
		return
	}

	if ok, wait := h.RateLimiter.Allow(clientID); !ok {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		h.respond(w, clientID, http.StatusTooManyRequests, "rate_limit_exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.respond(w, clientID, http.StatusRequestEntityTooLarge, "payload_too_large")
			return
		}
		h.Log.Debug().Err(err).Msg("read body")
		h.respond(w, clientID, http.StatusBadRequest, "invalid_request")
		return
	}

	msg, err := DecodeMessage(body)
	if err != nil {
		h.respond(w, clientID, http.StatusBadRequest, "invalid_request")
		return
	}

	switch err := h.Engine.Dispatch(msg); {
	case err == nil:
	case errors.Is(err, engine.ErrUnknownNotification):
		h.respond(w, clientID, http.StatusBadRequest, "unknown_notification")
		return
	case errors.Is(err, engine.ErrClosed):
		h.respond(w, clientID, http.StatusServiceUnavailable, "shutting_down")
		return
	default:
		h.Log.Error().Err(err).Str("client_id", clientID).Msg("dispatch")
		h.respond(w, clientID, http.StatusInternalServerError, "internal_error")
		return
	}

	h.Metrics.IncMessages(msg.Notification)
	h.Log.Info().Str("client_id", clientID).Str("notification", msg.Notification).Msg("control message accepted")
	h.Metrics.IncRequests(clientID, http.StatusAccepted)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"status":"accepted"}`))
}

// DecodeMessage parses a control message. Numbers in the payload stay json.Number
// so the normalizer sees exactly what the client sent.
func DecodeMessage(body []byte) (feed.Message, error) {
	var msg feed.Message
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&msg); err != nil {
		return feed.Message{}, err
	}
	if msg.Notification == "" {
		return feed.Message{}, errors.New("control: missing notification")
	}
	return msg, nil
}

func (h *Handler) respond(w http.ResponseWriter, clientID string, code int, errMsg string) {
	h.Metrics.IncRequests(clientID, code)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":"` + errMsg + `"}`))
}
