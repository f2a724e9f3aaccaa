package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/decideplease/councild/pkg/council"
	"github.com/decideplease/councild/pkg/dispatch"
	"github.com/decideplease/councild/pkg/models"
)

// SendMessageRequest is the body of POST .../message/stream.
type SendMessageRequest struct {
	Content         string              `json:"content"`
	Mode            string              `json:"mode"`
	Attachments     []models.Attachment `json:"attachments,omitempty"`
	SourceMessageID *int64              `json:"source_message_id,omitempty"`
}

// RerunRequest is the body of POST .../rerun.
type RerunRequest struct {
	Mode            string `json:"mode"`
	NewInput        string `json:"new_input,omitempty"`
	SourceMessageID *int64 `json:"source_message_id,omitempty"`
}

// RetryRequest is the body of POST .../messages/:messageId/retry.
type RetryRequest struct {
	Mode string `json:"mode"`
}

// streamMessageHandler handles POST /api/v1/conversations/:id/message/stream.
// It submits the deliberation and streams its events as SSE frames. A
// dropped connection stops the stream only; the deliberation keeps
// running and commits its transcript.
func (s *Server) streamMessageHandler(c *echo.Context) error {
	user, err := s.currentUser(c)
	if err != nil {
		return err
	}
	conversationID := c.Param("id")
	if conversationID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "conversation id is required")
	}

	var req SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Mode == "" {
		req.Mode = "decide_please"
	}

	q, err := s.dispatcher.Submit(c.Request().Context(), user, conversationID, dispatch.SubmitRequest{
		Content:        req.Content,
		Mode:           req.Mode,
		Attachments:    req.Attachments,
		SourceAnswerID: req.SourceMessageID,
	})
	if err != nil {
		return mapServiceError(err)
	}

	return s.streamEvents(c, q)
}

// rerunHandler handles POST /api/v1/conversations/:id/rerun.
func (s *Server) rerunHandler(c *echo.Context) error {
	user, err := s.currentUser(c)
	if err != nil {
		return err
	}
	conversationID := c.Param("id")
	if conversationID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "conversation id is required")
	}

	var req RerunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Mode == "" {
		req.Mode = "decide_please"
	}

	q, err := s.dispatcher.Submit(c.Request().Context(), user, conversationID, dispatch.SubmitRequest{
		Mode:           req.Mode,
		IsRerun:        true,
		RerunInput:     req.NewInput,
		SourceAnswerID: req.SourceMessageID,
	})
	if err != nil {
		return mapServiceError(err)
	}

	return s.streamEvents(c, q)
}

// statusHandler handles GET /api/v1/conversations/:id/status.
func (s *Server) statusHandler(c *echo.Context) error {
	user, err := s.currentUser(c)
	if err != nil {
		return err
	}
	conversationID := c.Param("id")
	if conversationID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "conversation id is required")
	}

	status, err := s.dispatcher.Status(c.Request().Context(), conversationID, user.ID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, status)
}

// cancelHandler handles POST /api/v1/conversations/:id/cancel.
func (s *Server) cancelHandler(c *echo.Context) error {
	user, err := s.currentUser(c)
	if err != nil {
		return err
	}
	conversationID := c.Param("id")
	if conversationID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "conversation id is required")
	}
	// Ownership check before touching the registry.
	if _, err := s.store.GetConversation(c.Request().Context(), conversationID, user.ID); err != nil {
		return mapServiceError(err)
	}

	cancelled := s.dispatcher.Cancel(conversationID)
	return c.JSON(http.StatusOK, map[string]any{"cancelled": cancelled})
}

// retryHandler handles POST /api/v1/conversations/:id/messages/:messageId/retry.
func (s *Server) retryHandler(c *echo.Context) error {
	user, err := s.currentUser(c)
	if err != nil {
		return err
	}
	conversationID := c.Param("id")
	messageID, err := strconv.ParseInt(c.Param("messageId"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid message id")
	}

	var req RetryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Mode == "" {
		req.Mode = "decide_please"
	}

	q, err := s.dispatcher.Retry(c.Request().Context(), user, conversationID, messageID, req.Mode)
	if err != nil {
		return mapServiceError(err)
	}

	return s.streamEvents(c, q)
}

// deleteMessageHandler handles DELETE /api/v1/conversations/:id/messages/:messageId.
// Only user questions can be deleted; their answers cascade.
func (s *Server) deleteMessageHandler(c *echo.Context) error {
	user, err := s.currentUser(c)
	if err != nil {
		return err
	}
	conversationID := c.Param("id")
	messageID, err := strconv.ParseInt(c.Param("messageId"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid message id")
	}

	if err := s.store.DeleteQuestionByID(c.Request().Context(), conversationID, user.ID, messageID); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// streamEvents forwards queue events to the client as SSE frames until
// the sentinel. The reader is bound to the request context, so a client
// disconnect ends only this loop; the deliberation task owns the queue
// and is unaffected.
func (s *Server) streamEvents(c *echo.Context, q *council.Queue) error {
	res := c.Response()
	flusher, ok := http.ResponseWriter(res).(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "streaming unsupported")
	}

	h := res.Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	// Hint for nginx-style proxies: deliver frames as they are written.
	h.Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)

	ctx := c.Request().Context()
	for {
		event, ok := q.Get(ctx)
		if !ok {
			return nil
		}
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(res, "data: %s\n\n", payload); err != nil {
			// Client went away; the scheduler keeps running.
			return nil
		}
		flusher.Flush()
	}
}
