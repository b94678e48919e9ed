package http

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/tagflow/tagflow/internal/domain"
	"github.com/tagflow/tagflow/pkg/logger"
)

// maxEventBody bounds inbound event payloads
const maxEventBody = 64 * 1024

// EventHandler ingests tag mutation events from the external contact system
type EventHandler struct {
	dispatcher domain.TagMutationDispatcher
	limiter    *rateLimiter
	logger     logger.Logger
}

// NewEventHandler creates a new EventHandler
func NewEventHandler(dispatcher domain.TagMutationDispatcher, logger logger.Logger) *EventHandler {
	return &EventHandler{
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// WithRateLimit throttles ingestion to maxEvents per contact within the
// window
func (h *EventHandler) WithRateLimit(maxEvents int, window time.Duration) *EventHandler {
	h.limiter = newRateLimiter(maxEvents, window)
	return h
}

// Close stops the limiter's cleanup goroutine
func (h *EventHandler) Close() {
	if h.limiter != nil {
		h.limiter.Stop()
	}
}

// RegisterRoutes registers the event routes on the given mux
func (h *EventHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/events.tagMutation", h.handleTagMutation)
}

func (h *EventHandler) handleTagMutation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		WriteJSONError(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	event, err := domain.ParseTagMutationEvent(body)
	if err != nil {
		WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if h.limiter != nil && !h.limiter.Allow(event.ContactID) {
		h.logger.WithField("contact_id", event.ContactID).Warn("Event rate limit exceeded")
		WriteJSONError(w, "Too many events for contact", http.StatusTooManyRequests)
		return
	}

	if err := h.dispatcher.OnTagMutation(r.Context(), event); err != nil {
		var loopErr *domain.TriggerLoopError
		if errors.As(err, &loopErr) {
			// The mutation itself happened upstream; only the chain is cut
			writeJSON(w, http.StatusAccepted, map[string]interface{}{
				"accepted": false,
				"reason":   loopErr.Error(),
			})
			return
		}
		var validationErr domain.ValidationError
		if errors.As(err, &validationErr) {
			WriteJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.WithField("error", err.Error()).Error("Failed to dispatch tag mutation event")
		WriteJSONError(w, "Failed to dispatch event", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{"accepted": true})
}
