package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ringable/callbridge/pkg/metrics"
)

func (h *Handler) GetMetrics(c *gin.Context) {
	m := metrics.GetMetrics()

	counts := h.engine.Counts()
	m["admission"] = map[string]interface{}{
		"active_connections": counts.ActiveConnections,
		"active_calls":       counts.ActiveCalls,
		"suspended_ips":      counts.SuspendedIPs,
		"max_conns_per_ip":   h.engine.Cfg().MaxConnsPerIP,
		"max_calls":          h.engine.Cfg().MaxConcurrentCalls,
	}

	c.JSON(http.StatusOK, m)
}

func (h *Handler) GetPrometheusMetrics(c *gin.Context) {
	c.Data(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(metrics.GetPrometheusMetrics()))
}
