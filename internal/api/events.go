package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"motionforge/internal/models"
	"motionforge/internal/relay"
	"motionforge/internal/service/session"
)

// keepAliveInterval is how long the event stream may stay silent before a comment is sent.
var keepAliveInterval = 15 * time.Second

const interruptedMessage = "Generation interrupted, please start again"

func (h *Handler) streamEvents(c *gin.Context) {
	id := c.Param("session_id")
	afterSeq := lastEventID(c)
	ctx := c.Request.Context()

	sub, err := h.hub.Subscribe(ctx, id, afterSeq)
	var synthetic *models.Event
	if err != nil {
		if !errors.Is(err, relay.ErrUnknownSession) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		// no live stream here, answer from what was persisted
		sess, gerr := h.sessions.Get(ctx, id)
		if gerr != nil {
			if errors.Is(gerr, session.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": gerr.Error()})
			return
		}
		ev := terminalFromSession(sess)
		ev.Seq = afterSeq + 1
		synthetic = &ev
	} else {
		defer sub.Close()
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	flusher.Flush()

	sendEvent := func(ev models.Event) error {
		data, err := json.Marshal(ssePayload(ev))
		if err != nil {
			return err
		}
		if ev.Seq > 0 {
			if _, err := fmt.Fprintf(c.Writer, "id: %d\n", ev.Seq); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if synthetic != nil {
		_ = sendEvent(*synthetic)
		return
	}

	for {
		waitCtx, cancel := context.WithTimeout(ctx, keepAliveInterval)
		ev, err := sub.Next(waitCtx)
		cancel()
		switch {
		case err == nil:
			if err := sendEvent(ev); err != nil {
				return
			}
		case errors.Is(err, io.EOF):
			return
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			if _, err := io.WriteString(c.Writer, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		default:
			if ctx.Err() == nil {
				log.Printf("[api] event stream for session %s ended: %v", id, err)
			}
			return
		}
	}
}

func lastEventID(c *gin.Context) int64 {
	raw := c.GetHeader("Last-Event-ID")
	if raw == "" {
		raw = c.Query("last_event_id")
	}
	seq, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || seq < 0 {
		return 0
	}
	return seq
}

// terminalFromSession builds the single terminal event for a session no hub owns.
func terminalFromSession(sess *models.Session) models.Event {
	switch sess.Status {
	case models.StatusDone:
		return models.DoneEvent(linksFromOutputs(sess.ID, sess.Outputs))
	case models.StatusError:
		msg := sess.Error
		if msg == "" {
			msg = interruptedMessage
		}
		return models.ErrorEvent(msg)
	default:
		return models.ErrorEvent(interruptedMessage)
	}
}

// ssePayload shapes the data line of each event type for the browser.
func ssePayload(ev models.Event) any {
	switch ev.Type {
	case models.EventThinking:
		return gin.H{"content": ev.Content, "phase": ev.Phase}
	case models.EventSearch:
		return gin.H{"data": ev.Search}
	case models.EventDone:
		return gin.H{"data": doneData(ev.Links)}
	default:
		return gin.H{"message": ev.Message}
	}
}

func doneData(links *models.DoneLinks) gin.H {
	data := gin.H{}
	if links == nil {
		return data
	}
	data["session_id"] = links.SessionID
	data["zip_url"] = links.ZipURL
	data["files"] = links.Files
	for _, f := range links.Files {
		switch f.Kind {
		case models.OutputMotion:
			data["motion_url"] = f.URL
		case models.OutputMemo:
			data["memo_url"] = f.URL
		case models.OutputDeclaration:
			data["decl_url"] = f.URL
		}
	}
	return data
}
