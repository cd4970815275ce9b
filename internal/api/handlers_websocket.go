package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"evalgo.org/graphdeploy/internal/queue"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS origins are enforced by the echo middleware
		return true
	},
}

// HandleWebSocket streams deployment queue events
// @Summary WebSocket endpoint for deployment queue events
// @Description Establishes a WebSocket connection receiving every job lifecycle event (waiting, active, progress, completed, retrying, failed, stalled, removed)
// @Tags websocket
// @Produce json
// @Param jobId query string false "Only events of this job (the deployment id)"
// @Param types query string false "Comma separated event types, e.g. completed,failed"
// @Success 101 {string} string "Switching Protocols"
// @Failure 400 {object} APIError
// @Router /deployments/events [get]
func (s *Server) HandleWebSocket(c echo.Context) error {
	filter, err := parseEventFilter(c)
	if err != nil {
		return err
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade error", "error", err)
		return err
	}

	client := &Client{
		hub:    s.wsHub,
		conn:   ws,
		filter: filter,
		send:   make(chan []byte, 256),
	}

	if !client.hub.add(client) {
		_ = ws.Close()
		return nil
	}

	go client.writePump()
	go client.readPump()

	return nil
}

func parseEventFilter(c echo.Context) (EventFilter, error) {
	var f EventFilter
	if id := c.QueryParam("jobId"); id != "" {
		if err := checkID(id); err != nil {
			return f, BadRequestError("Invalid jobId parameter", err.Error())
		}
		f.JobID = id
	}

	raw := c.QueryParam("types")
	if raw == "" {
		return f, nil
	}
	f.Types = map[queue.EventType]bool{}
	for _, name := range strings.Split(raw, ",") {
		t := queue.EventType(strings.TrimSpace(name))
		if !t.Valid() {
			return f, BadRequestError("Invalid types parameter", "unknown event type: "+string(t))
		}
		f.Types[t] = true
	}
	return f, nil
}

// GetWebSocketStats returns WebSocket connection statistics
// @Summary Get WebSocket statistics
// @Tags websocket
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /deployments/events/stats [get]
func (s *Server) GetWebSocketStats(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"connected_clients": s.wsHub.ClientCount(),
		"status":            "operational",
	})
}
