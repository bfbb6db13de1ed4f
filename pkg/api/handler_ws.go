package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/hiveplane/hiveplane/pkg/stream"
)

const wsWriteTimeout = 10 * time.Second

// wsHandler upgrades to WebSocket and forwards the session's event stream;
// each event is one JSON text frame. Same replay semantics as the NDJSON
// endpoint via ?since.
func (s *Server) wsHandler(c echo.Context) error {
	sessionID := c.PathParam("id")
	owner := ownerID(c)

	if _, err := s.sessions.GetSession(c.Request().Context(), owner, sessionID); err != nil {
		return mapServiceError(err)
	}

	var since *time.Time
	if raw := c.QueryParam("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "since must be RFC3339")
		}
		since = &t
	}

	conn, err := s.broker.Register(c.Request().Context(), sessionID, owner, since)
	if err != nil {
		if errors.Is(err, stream.ErrTooManyConnections) {
			return echo.NewHTTPError(http.StatusTooManyRequests, "too many concurrent stream connections")
		}
		return mapServiceError(err)
	}

	ws, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.broker.Unregister(conn)
		return err
	}
	defer s.broker.Unregister(conn)
	defer ws.Close(websocket.StatusNormalClosure, "")

	ctx := c.Request().Context()

	// Reader goroutine: we never expect client frames, but reading surfaces
	// close frames and keeps ping/pong flowing.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-readerDone:
			return nil
		case ev, ok := <-conn.Events():
			if !ok {
				ws.Close(websocket.StatusGoingAway, "stream closed")
				return nil
			}
			data, err := ev.Encode()
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err = ws.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return nil
			}
		}
	}
}
