package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/gencoord/internal/api/middleware"
	"github.com/kiranshivaraju/gencoord/internal/api/response"
	"github.com/kiranshivaraju/gencoord/internal/coordinator"
	"github.com/kiranshivaraju/gencoord/internal/push"
)

const keepAliveInterval = 15 * time.Second

// SessionOpener opens a coordinator session. *coordinator.Coordinator satisfies it.
type SessionOpener interface {
	OpenSession(userID uuid.UUID, toolID string) *coordinator.Session
}

// Subscriber attaches to a user's push stream. *push.Hub satisfies it.
type Subscriber interface {
	Subscribe(userID uuid.UUID) (*push.Subscription, error)
}

// ToolChecker reports whether a tool exists. *pricing.Catalog satisfies it.
type ToolChecker interface {
	Has(toolID string) bool
}

// NewStreamHandler returns an http.HandlerFunc for GET /api/v1/tools/{toolID}/stream.
// Each connection owns one session: it restores what the user left running,
// relays push messages into the session and streams updates as server-sent
// events until the client goes away.
func NewStreamHandler(sessions SessionOpener, hub Subscriber, tools ToolChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Unauthorized(w, "Missing user")
			return
		}
		toolID := chi.URLParam(r, "toolID")
		if tools != nil && !tools.Has(toolID) {
			response.Error(w, http.StatusNotFound, "UNKNOWN_TOOL", "No such tool", nil)
			return
		}

		rc := http.NewResponseController(w)
		// Streams outlive the server's write timeout.
		_ = rc.SetWriteDeadline(time.Time{})

		session := sessions.OpenSession(userID, toolID)
		defer session.Close()

		var pushed <-chan push.Message
		if hub != nil {
			sub, err := hub.Subscribe(userID)
			if err != nil {
				slog.Warn("push subscribe failed, relying on polling", "user_id", userID, "error", err)
			} else {
				defer sub.Close()
				pushed = sub.Messages()
			}
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		if err := writeEvent(w, rc, "session", map[string]any{
			"session_id": session.ID,
			"tool_id":    session.ToolID,
		}); err != nil {
			return
		}

		if _, err := session.Restore(r.Context()); err != nil {
			slog.Warn("restoring session state failed", "user_id", userID, "tool_id", toolID, "error", err)
		}

		keepAlive := time.NewTicker(keepAliveInterval)
		defer keepAlive.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-session.Done():
				return
			case u := <-session.Updates():
				if err := writeEvent(w, rc, string(u.Kind), u); err != nil {
					return
				}
			case msg, open := <-pushed:
				if !open {
					pushed = nil
					continue
				}
				session.HandlePush(msg)
			case <-keepAlive.C:
				if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
					return
				}
				if err := rc.Flush(); err != nil {
					return
				}
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, rc *http.ResponseController, event string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b); err != nil {
		return err
	}
	return rc.Flush()
}
