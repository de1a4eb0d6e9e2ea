package relay

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/ringable/callbridge/pkg/mongo"
	"github.com/ringable/callbridge/pkg/utils"
)

const callsCollection = "call_records"

// Recorder persists call detail records. Failures are logged and swallowed;
// record-keeping never interferes with a live call.
type Recorder interface {
	CallStarted(ctx context.Context, s *Session)
	CallEnded(ctx context.Context, s *Session, reason string)
}

// MongoRecorder writes one document per call, upserted on session id.
type MongoRecorder struct {
	client *mongo.Client
	logger *zap.Logger
}

func NewMongoRecorder(client *mongo.Client, logger *zap.Logger) *MongoRecorder {
	return &MongoRecorder{client: client, logger: logger}
}

func (r *MongoRecorder) CallStarted(ctx context.Context, s *Session) {
	s.mu.Lock()
	doc := bson.M{
		"session_id":   s.ID,
		"stream_sid":   s.streamSid,
		"scenario":     s.scenarioID,
		"caller":       utils.MaskPhoneNumber(s.callerNum),
		"client_ip":    s.clientIP,
		"rate_limited": s.rateLimited,
		"started_at":   s.createdAt,
		"status":       "in_progress",
	}
	s.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := r.client.Collection(callsCollection).UpdateOne(cctx,
		bson.M{"session_id": s.ID},
		bson.M{"$set": doc, "$setOnInsert": bson.M{"created_at": time.Now()}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		r.logger.Warn("Failed to write call record", zap.String("session_id", s.ID), zap.Error(err))
	}
}

func (r *MongoRecorder) CallEnded(ctx context.Context, s *Session, reason string) {
	s.mu.Lock()
	started := s.createdAt
	sid := s.ID
	s.mu.Unlock()

	now := time.Now()
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := r.client.Collection(callsCollection).UpdateOne(cctx,
		bson.M{"session_id": sid},
		bson.M{"$set": bson.M{
			"status":       "completed",
			"close_reason": reason,
			"ended_at":     now,
			"duration_ms":  now.Sub(started).Milliseconds(),
		}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		r.logger.Warn("Failed to finalize call record", zap.String("session_id", sid), zap.Error(err))
	}
}

// NoopRecorder is used when no database is configured.
type NoopRecorder struct{}

func (NoopRecorder) CallStarted(context.Context, *Session)       {}
func (NoopRecorder) CallEnded(context.Context, *Session, string) {}
