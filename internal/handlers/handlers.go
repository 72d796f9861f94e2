package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"gridlink/internal/hub"
	"gridlink/internal/session"
	"gridlink/pkg/api/pitwall"
	"gridlink/pkg/events"
	"gridlink/pkg/logging"

	"github.com/gin-gonic/gin"
)

// PitwallHandlers contains the HTTP handlers for the service
type PitwallHandlers struct {
	hub    *hub.Hub
	polls  *hub.PollManager
	store  *session.Store
	logger logging.Logger
}

// NewPitwallHandlers creates a new handlers instance
func NewPitwallHandlers(h *hub.Hub, polls *hub.PollManager, store *session.Store, logger logging.Logger) *PitwallHandlers {
	return &PitwallHandlers{
		hub:    h,
		polls:  polls,
		store:  store,
		logger: logger,
	}
}

// HandleWebSocket upgrades the request and attaches the connection to the hub
func (h *PitwallHandlers) HandleWebSocket(c *gin.Context) {
	h.hub.ServeWS(c.Writer, c.Request)
}

// HandleSessions lists the active sessions known to the store
func (h *PitwallHandlers) HandleSessions(c *gin.Context) {
	snaps := h.store.List()

	sessions := make([]pitwall.SessionSummary, 0, len(snaps))
	for _, snap := range snaps {
		sessions = append(sessions, pitwall.SessionSummary{
			SessionID:   snap.SessionID,
			TrackName:   snap.TrackName,
			SessionType: snap.SessionType,
			DriverCount: snap.DriverCount,
			LastUpdate:  snap.LastUpdate.UTC().Format(time.RFC3339),
		})
	}

	c.JSON(http.StatusOK, pitwall.SessionsResponse{
		Sessions: sessions,
		Count:    len(sessions),
	})
}

// HandlePollCreate opens a long-poll connection and returns its identifier
func (h *PitwallHandlers) HandlePollCreate(c *gin.Context) {
	conn, err := h.polls.Create(c.Query("surface"), hub.TokenFromRequest(c.Request))
	if err != nil {
		if errors.Is(err, hub.ErrHubClosed) {
			c.JSON(http.StatusServiceUnavailable, pitwall.ErrorResponse{Error: "hub is shutting down"})
			return
		}
		h.logger.WithError(err).Error("Failed to create long-poll connection")
		c.JSON(http.StatusInternalServerError, pitwall.ErrorResponse{Error: "failed to create connection"})
		return
	}

	c.JSON(http.StatusCreated, pitwall.PollCreateResponse{ConnectionID: conn.ID()})
}

// HandlePollEvents blocks until events are queued for the connection or the
// wait window expires. An expired window returns 204 with no body.
func (h *PitwallHandlers) HandlePollEvents(c *gin.Context) {
	conn, ok := h.polls.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, pitwall.ErrorResponse{Error: "unknown connection"})
		return
	}

	batch, err := conn.Await(c.Request.Context())
	if err != nil {
		if errors.Is(err, hub.ErrConnClosed) {
			c.JSON(http.StatusGone, pitwall.ErrorResponse{Error: "connection closed"})
			return
		}
		// Client went away mid-wait; nothing left to deliver to.
		c.Status(http.StatusNoContent)
		return
	}
	if len(batch) == 0 {
		c.Status(http.StatusNoContent)
		return
	}

	out := make([]json.RawMessage, len(batch))
	for i, msg := range batch {
		out[i] = json.RawMessage(msg)
	}

	c.JSON(http.StatusOK, pitwall.PollEventsResponse{Events: out})
}

// HandlePollSend accepts a batch of envelopes submitted over a long-poll
// connection and dispatches them as if they arrived on a WebSocket.
func (h *PitwallHandlers) HandlePollSend(c *gin.Context) {
	conn, ok := h.polls.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, pitwall.ErrorResponse{Error: "unknown connection"})
		return
	}

	var envelopes []events.Envelope
	if err := c.ShouldBindJSON(&envelopes); err != nil {
		c.JSON(http.StatusBadRequest, pitwall.ErrorResponse{Error: "malformed envelope batch"})
		return
	}

	accepted := 0
	for _, env := range envelopes {
		if env.Event == "" {
			continue
		}
		h.polls.Receive(conn, env)
		accepted++
	}

	c.JSON(http.StatusAccepted, pitwall.PollSendResponse{Accepted: accepted})
}

// HandlePollDelete tears down a long-poll connection
func (h *PitwallHandlers) HandlePollDelete(c *gin.Context) {
	conn, ok := h.polls.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, pitwall.ErrorResponse{Error: "unknown connection"})
		return
	}

	conn.Close("client closed poll connection")
	c.Status(http.StatusNoContent)
}

// HandleNotFound provides a custom 404 handler
func (h *PitwallHandlers) HandleNotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, pitwall.ErrorResponse{Error: "endpoint not found"})
}
