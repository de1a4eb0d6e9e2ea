package handlers

import (
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ringable/callbridge/internal/quota"
	"github.com/ringable/callbridge/internal/ratelimit"
	"github.com/ringable/callbridge/internal/relay"
	"github.com/ringable/callbridge/internal/scenario"
	"github.com/ringable/callbridge/pkg/env"
	"github.com/ringable/callbridge/pkg/logger"
	"github.com/ringable/callbridge/pkg/mongo"
)

type Handler struct {
	cfg         *env.Config
	redisClient *redis.Client
	mongoClient *mongo.Client
	relay       *relay.Relay
	engine      *ratelimit.Engine
	scenarios   *scenario.Registry
	quotaStore  quota.Store
	keyer       *quota.Keyer
	logger      *zap.Logger
}

func NewHandler(
	cfg *env.Config,
	redisClient *redis.Client,
	mongoClient *mongo.Client,
	r *relay.Relay,
	engine *ratelimit.Engine,
	scenarios *scenario.Registry,
	quotaStore quota.Store,
	keyer *quota.Keyer,
) *Handler {
	return &Handler{
		cfg:         cfg,
		redisClient: redisClient,
		mongoClient: mongoClient,
		relay:       r,
		engine:      engine,
		scenarios:   scenarios,
		quotaStore:  quotaStore,
		keyer:       keyer,
		logger:      logger.Log,
	}
}
