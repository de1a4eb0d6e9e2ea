package handlers

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ringable/callbridge/pkg/logger"
)

// TwiML instructs the telephony provider to open the media stream. Scenario
// parameters arrive on this request and are echoed into the stream URL so the
// websocket leg sees the same configuration. Ampersands in the URL must be
// entity-escaped; the provider parses this as XML, not HTML.
func (h *Handler) TwiML(c *gin.Context) {
	base := h.cfg.PublicBaseURL
	if base == "" {
		base = "https://" + c.Request.Host
	}
	wsBase := strings.Replace(base, "https://", "wss://", 1)
	wsBase = strings.Replace(wsBase, "http://", "ws://", 1)

	params := url.Values{}
	for key, vals := range c.Request.URL.Query() {
		if len(vals) > 0 {
			params.Set(key, vals[0])
		}
	}
	// The provider POSTs caller details as form fields.
	if from := c.PostForm("From"); from != "" && params.Get("from") == "" {
		params.Set("from", from)
	}

	streamURL := wsBase + "/call"
	if encoded := params.Encode(); encoded != "" {
		streamURL += "?" + encoded
	}
	escaped := strings.ReplaceAll(streamURL, "&", "&amp;")

	// Read-only quota peek for early visibility. The websocket leg makes the
	// real admission decision; this never consumes a slot.
	precheck := "ok"
	if from := params.Get("from"); from != "" {
		if key, err := h.keyer.Key(from); err == nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			if res, err := h.quotaStore.Status(ctx, key, h.cfg.PhoneCallCap, h.cfg.PhoneWindow()); err == nil && !res.Allowed {
				precheck = "limited"
			}
			cancel()
		}
	}
	c.Header("X-Quota-Precheck", precheck)

	h.logger.Info("Serving TwiML",
		zap.String("scenario", params.Get("scenario")),
		zap.String("quota_precheck", precheck),
		logger.MaskPhoneIfPresent("from", params.Get("from")),
	)

	body := `<?xml version="1.0" encoding="UTF-8"?>` + "\n" +
		`<Response><Connect><Stream url="` + escaped + `"/></Connect></Response>`
	c.Data(http.StatusOK, "text/xml; charset=utf-8", []byte(body))
}
