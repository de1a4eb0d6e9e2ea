package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ringable/callbridge/pkg/errors"
	"github.com/ringable/callbridge/pkg/validation"
)

// ListCalls returns recent call records, newest first. Operator-facing; the
// router puts this behind JWT auth.
func (h *Handler) ListCalls(c *gin.Context) {
	if h.mongoClient == nil {
		c.JSON(http.StatusOK, gin.H{"calls": []gin.H{}, "live": h.relay.Registry().Len()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	limit := int64(50)
	opts := options.Find().
		SetSort(bson.M{"started_at": -1}).
		SetLimit(limit)

	cursor, err := h.mongoClient.Collection("call_records").Find(ctx, bson.M{}, opts)
	if err != nil {
		errors.InternalError(c, err, h.logger)
		return
	}
	defer cursor.Close(ctx)

	var calls []bson.M
	if err := cursor.All(ctx, &calls); err != nil {
		errors.InternalError(c, err, h.logger)
		return
	}
	if calls == nil {
		calls = []bson.M{}
	}

	c.JSON(http.StatusOK, gin.H{
		"calls": calls,
		"live":  h.relay.Registry().Len(),
	})
}

// QuotaStatus reports the remaining call allowance for a phone number
// without consuming a slot.
func (h *Handler) QuotaStatus(c *gin.Context) {
	phone := c.Param("phone")
	if err := validation.ValidateE164(phone); err != nil {
		errors.BadRequest(c, err.Error())
		return
	}

	key, err := h.keyer.Key(phone)
	if err != nil {
		errors.BadRequest(c, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	res, err := h.quotaStore.Status(ctx, key, h.cfg.PhoneCallCap, h.cfg.PhoneWindow())
	if err != nil {
		errors.InternalError(c, err, h.logger)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"allowed":   res.Allowed,
		"current":   res.Current,
		"remaining": res.Remaining,
		"cap":       h.cfg.PhoneCallCap,
		"reset_at":  res.ResetAt.Format(time.RFC3339),
	})
}

// ListScenarios exposes the registered scenario ids for dashboards.
func (h *Handler) ListScenarios(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"scenarios": h.scenarios.IDs()})
}
