package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/ringable/callbridge/pkg/errors"
	"github.com/ringable/callbridge/pkg/logger"
)

type StatusWebhookPayload struct {
	CallSid   string `json:"CallSid" form:"CallSid"`
	StreamSid string `json:"StreamSid" form:"StreamSid"`
	From      string `json:"From" form:"From"`
	To        string `json:"To" form:"To"`
	Status    string `json:"CallStatus" form:"CallStatus"`
	Duration  string `json:"CallDuration" form:"CallDuration"`
	Timestamp string `json:"Timestamp" form:"Timestamp"`
}

// StatusWebhook receives call lifecycle callbacks from the telephony
// provider. The signature check is skipped when no secret is configured so
// local setups work without provider credentials.
func (h *Handler) StatusWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		errors.BadRequest(c, "unreadable payload")
		return
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))

	if h.cfg.StatusWebhookSecret != "" {
		sig := c.GetHeader("X-Signature")
		if !verifySignature(body, sig, h.cfg.StatusWebhookSecret) {
			h.logger.Warn("Status webhook signature mismatch",
				zap.String("remote_addr", c.Request.RemoteAddr),
			)
			errors.Unauthorized(c, "invalid signature")
			return
		}
	}

	var payload StatusWebhookPayload
	if err := c.ShouldBind(&payload); err != nil {
		errors.BadRequest(c, "invalid payload")
		return
	}
	if payload.CallSid == "" {
		errors.BadRequest(c, "CallSid is required")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	// Providers retry webhooks; a Redis guard keeps replays from rewriting
	// records. Without Redis every delivery is processed, which is harmless
	// because the write below is idempotent anyway.
	if h.redisClient != nil {
		key := "webhook:status:" + payload.CallSid + ":" + payload.Status
		ok, err := h.redisClient.SetNX(ctx, key, 1, 24*time.Hour).Result()
		if err == nil && !ok {
			c.JSON(http.StatusOK, gin.H{"message": "duplicate ignored"})
			return
		}
	}

	h.logger.Info("Status webhook received",
		zap.String("call_sid", payload.CallSid),
		zap.String("status", payload.Status),
		logger.MaskPhoneIfPresent("from", payload.From),
	)

	if h.mongoClient != nil {
		update := bson.M{
			"provider_status": payload.Status,
			"provider_sid":    payload.CallSid,
			"updated_at":      time.Now(),
		}
		if payload.Duration != "" {
			update["provider_duration"] = payload.Duration
		}
		filter := bson.M{"stream_sid": payload.StreamSid}
		if payload.StreamSid == "" {
			filter = bson.M{"provider_sid": payload.CallSid}
		}
		_, err := h.mongoClient.Collection("call_records").UpdateOne(ctx,
			filter,
			bson.M{"$set": update},
			options.Update().SetUpsert(true),
		)
		if err != nil {
			h.logger.Warn("Failed to store webhook status",
				zap.String("call_sid", payload.CallSid),
				zap.Error(err),
			)
		}
	}

	c.JSON(http.StatusOK, gin.H{"message": "webhook processed"})
}

func verifySignature(body []byte, signature, secret string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
