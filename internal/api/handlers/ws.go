package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ringable/callbridge/internal/relay"
	"github.com/ringable/callbridge/internal/scenario"
	"github.com/ringable/callbridge/pkg/env"
	"github.com/ringable/callbridge/pkg/errors"
	"github.com/ringable/callbridge/pkg/logger"
)

// createWebSocketUpgrader validates origins before upgrading. The telephony
// provider connects server-to-server without an Origin header; browsers
// carrying one must match our own base URL.
func createWebSocketUpgrader(cfg *env.Config) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if cfg.AppEnv == "development" {
				return true
			}
			if cfg.PublicBaseURL != "" && origin == cfg.PublicBaseURL {
				return true
			}
			logger.Log.Warn("WebSocket connection rejected - invalid origin",
				zap.String("origin", origin),
				zap.String("remote_addr", r.RemoteAddr),
			)
			return false
		},
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
}

// reservedParams are query keys with relay-level meaning; everything else on
// the /call URL is handed to the scenario as configuration.
var reservedParams = map[string]bool{
	"scenario": true,
	"voice":    true,
	"from":     true,
}

// CallWebSocket is the telephony media stream endpoint. No authentication;
// the provider connects directly. Admission control happens after the
// upgrade so rejections arrive as close frames the provider understands.
func (h *Handler) CallWebSocket(c *gin.Context) {
	upgrader := createWebSocketUpgrader(h.cfg)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade call socket",
			zap.Error(err),
			zap.String("remote_addr", c.Request.RemoteAddr),
		)
		return
	}

	cfg := scenario.Config{}
	for key, vals := range c.Request.URL.Query() {
		if !reservedParams[key] && len(vals) > 0 {
			cfg[key] = vals[0]
		}
	}

	h.relay.HandleTelephony(c.Request.Context(), conn, relay.TelephonyParams{
		ClientIP:   c.ClientIP(),
		ScenarioID: c.Query("scenario"),
		Config:     cfg,
		Voice:      c.Query("voice"),
		Caller:     c.Query("from"),
	})
}

// LogsWebSocket is the observer endpoint: a dashboard attaches to a call by
// session id, watches mirrored traffic, and may reconfigure or end the call.
func (h *Handler) LogsWebSocket(c *gin.Context) {
	sessionID := c.Query("session")
	if sessionID == "" {
		sessionID = c.Query("callSid")
	}
	if sessionID == "" {
		errors.BadRequest(c, "session is required")
		return
	}

	upgrader := createWebSocketUpgrader(h.cfg)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade logs socket",
			zap.Error(err),
			zap.String("remote_addr", c.Request.RemoteAddr),
		)
		return
	}

	h.relay.HandleObserver(c.Request.Context(), conn, c.ClientIP(), sessionID)
}
