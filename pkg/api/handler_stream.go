package api

import (
	"errors"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/hiveplane/hiveplane/pkg/stream"
)

// eventsHandler streams session events as NDJSON (one JSON object per line)
// or, with ?format=sse, as Server-Sent Events. A ?since=RFC3339 parameter
// replays buffered events published strictly after that instant before any
// live event is delivered.
func (s *Server) eventsHandler(c echo.Context) error {
	sessionID := c.PathParam("id")
	owner := ownerID(c)

	// Ownership check before the connection is registered.
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
	sse := c.QueryParam("format") == "sse"

	conn, err := s.broker.Register(c.Request().Context(), sessionID, owner, since)
	if err != nil {
		if errors.Is(err, stream.ErrTooManyConnections) {
			return echo.NewHTTPError(http.StatusTooManyRequests, "too many concurrent stream connections")
		}
		return mapServiceError(err)
	}
	defer s.broker.Unregister(conn)

	w := c.Response()
	h := w.Header()
	if sse {
		h.Set("Content-Type", "text/event-stream")
	} else {
		h.Set("Content-Type", "application/x-ndjson")
	}
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.Writer.(http.Flusher)
	ctx := c.Request().Context()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-conn.Events():
			if !ok {
				// Broker dropped the connection (slow consumer, idle sweep,
				// or shutdown).
				return nil
			}
			data, err := ev.Encode()
			if err != nil {
				continue
			}
			if sse {
				if _, err := w.Write(append(append([]byte("data: "), data...), '\n', '\n')); err != nil {
					return nil
				}
			} else {
				if _, err := w.Write(append(data, '\n')); err != nil {
					return nil
				}
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}
