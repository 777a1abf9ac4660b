package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/mail-migrator/internal/migration"
	"github.com/Martian-dev/mail-migrator/internal/progress"
)

// streamEvents serves a job's progress as Server-Sent Events: the snapshot
// first, one "progress" event per published event, and "end" once the job
// is terminal
func (s *Server) streamEvents(c *gin.Context) {
	id := c.Param("id")
	events, err := s.subscribe(c.Request.Context(), id)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	keepalive := time.NewTicker(s.Keepalive)
	defer keepalive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				c.SSEvent("end", id)
				return false
			}
			payload, err := progress.Encode(ev)
			if err != nil {
				log.Error().Err(err).Str("job_id", id).Msg("encode progress event")
				return true
			}
			c.SSEvent("progress", string(payload))
			return true
		case <-keepalive.C:
			_, _ = w.Write([]byte(": keepalive\n\n"))
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// subscribe streams a local job, or one running on another instance when a
// remote listener is configured. Remote streams end after the terminal event.
func (s *Server) subscribe(ctx context.Context, id string) (<-chan progress.Event, error) {
	events, err := s.migrations.Subscribe(ctx, id)
	if err == nil || !s.streamsRemote(err) {
		return events, err
	}
	remote, err := s.remote.Listen(ctx, id)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("job_id", id).Msg("streaming progress from another instance")
	return untilTerminal(ctx, remote), nil
}

func (s *Server) streamsRemote(err error) bool {
	return s.remote != nil && errors.Is(err, migration.ErrNotFound)
}

func untilTerminal(ctx context.Context, in <-chan progress.Event) <-chan progress.Event {
	out := make(chan progress.Event)
	go func() {
		defer close(out)
		for ev := range in {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Status.Terminal() {
				return
			}
		}
	}()
	return out
}

var wsUpgrader = websocket.Upgrader{
	// deployed behind a reverse proxy that enforces origins
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsCommand is what a WebSocket client may send to steer the job
type wsCommand struct {
	Action string `json:"action"`
}

// streamWebSocket mirrors streamEvents over a WebSocket. Clients may send
// {"action":"pause"|"resume"|"cancel"}.
func (s *Server) streamWebSocket(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.migrations.Get(c.Request.Context(), id); err != nil && !s.streamsRemote(err) {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("job_id", id).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := s.subscribe(ctx, id)
	if err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()))
		return
	}

	go s.readCommands(conn, id, cancel)

	for ev := range events {
		payload, err := progress.Encode(ev)
		if err != nil {
			log.Error().Err(err).Str("job_id", id).Msg("encode progress event")
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}

	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "migration finished"))
}

// readCommands applies client commands until the connection closes
func (s *Server) readCommands(conn *websocket.Conn, id string, cancel context.CancelFunc) {
	defer cancel()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd wsCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			log.Debug().Err(err).Str("job_id", id).Msg("ignoring websocket message")
			continue
		}

		var opErr error
		switch cmd.Action {
		case "pause":
			opErr = s.migrations.Pause(id)
		case "resume":
			opErr = s.migrations.Resume(id)
		case "cancel":
			opErr = s.migrations.Cancel(id)
		default:
			log.Debug().Str("job_id", id).Str("action", cmd.Action).Msg("unknown websocket action")
			continue
		}
		if opErr != nil {
			log.Info().Err(opErr).Str("job_id", id).Str("action", cmd.Action).Msg("websocket action rejected")
		}
	}
}
