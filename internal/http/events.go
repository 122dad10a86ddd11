package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/foundry/internal/events"
	"github.com/labstack/echo/v4"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Subscriber delivers the events of one project. events.NATSPublisher
// implements it.
type Subscriber interface {
	Subscribe(projectID string, ch chan<- events.Event) (*nats.Subscription, error)
}

const heartbeatInterval = 30 * time.Second

// handleProjectEvents streams a project's phase and unit events as
// Server-Sent Events until a completed or failed event arrives or the
// client goes away.
//
//	event: phase
//	data: {"type":"phase","project_id":"web_applic_1773480600","phase":"executing",...}
func (s *Server) handleProjectEvents(c echo.Context) error {
	if s.deps.Events == nil {
		return echo.NewHTTPError(http.StatusNotFound, "event streaming requires a NATS connection")
	}
	id := c.Param("id")

	ch := make(chan events.Event, 32)
	sub, err := s.deps.Events.Subscribe(id, ch)
	if err != nil {
		s.logger.Warn("event subscription failed", zap.String("project_id", id), zap.Error(err))
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event stream unavailable")
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case e := <-ch:
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\n", e.Type)
			fmt.Fprintf(w, "data: %s\n\n", data)
			w.Flush()
			if e.Terminal() {
				return nil
			}

		case <-ticker.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			w.Flush()

		case <-c.Request().Context().Done():
			return nil
		}
	}
}
