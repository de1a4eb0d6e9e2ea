package quota

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodrv "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/ringable/callbridge/pkg/mongo"
)

const quotaCollection = "phone_quotas"

type quotaRow struct {
	Key         string    `bson:"_id"`
	Count       int64     `bson:"count"`
	WindowStart int64     `bson:"window_start"`
	CreatedAt   time.Time `bson:"created_at"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

// MongoStore is the persistent quota store. One document per hashed phone
// number; the upsert below inserts, rolls the window, or increments in a
// single statement so concurrent calls to the same number cannot both win
// the last slot.
type MongoStore struct {
	client    *mongo.Client
	logger    *zap.Logger
	retention time.Duration
}

func NewMongoStore(client *mongo.Client, retention time.Duration, logger *zap.Logger) *MongoStore {
	return &MongoStore{client: client, logger: logger, retention: retention}
}

func (s *MongoStore) CheckAndIncrement(ctx context.Context, key string, cap int, window time.Duration) (Result, error) {
	now := time.Now()
	ws := windowStart(now, window)

	// Single-statement upsert: fresh row -> count=1, stale window -> reset to
	// 1, current window -> increment. $ifNull covers the upsert-insert case
	// where no fields exist yet.
	update := bson.A{
		bson.M{"$set": bson.M{
			"count": bson.M{"$cond": bson.A{
				bson.M{"$eq": bson.A{bson.M{"$ifNull": bson.A{"$window_start", int64(-1)}}, ws}},
				bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{"$count", int64(0)}}, 1}},
				int64(1),
			}},
			"window_start": ws,
			"created_at":   bson.M{"$ifNull": bson.A{"$created_at", now}},
			"updated_at":   now,
		}},
	}

	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var row quotaRow
	err := s.client.Collection(quotaCollection).
		FindOneAndUpdate(ctx, bson.M{"_id": key}, update, opts).
		Decode(&row)
	if err != nil {
		s.logger.Warn("Quota store unavailable, failing open",
			zap.Error(err),
		)
		return failOpen(cap, window), nil
	}

	resetAt := time.UnixMilli(row.WindowStart).Add(window)

	if row.Count > int64(cap) {
		// Over cap: give the slot back. The decrement is guarded on the same
		// window so it cannot eat a legitimate increment after a rollover.
		_, err := s.client.Collection(quotaCollection).UpdateOne(ctx,
			bson.M{"_id": key, "window_start": ws},
			bson.M{"$inc": bson.M{"count": -1}},
		)
		if err != nil {
			s.logger.Warn("Quota compensation failed", zap.Error(err))
		}
		return Result{
			Allowed:   false,
			Current:   int64(cap),
			Remaining: 0,
			ResetAt:   resetAt,
		}, nil
	}

	return Result{
		Allowed:   true,
		Current:   row.Count,
		Remaining: int64(cap) - row.Count,
		ResetAt:   resetAt,
	}, nil
}

func (s *MongoStore) Status(ctx context.Context, key string, cap int, window time.Duration) (Result, error) {
	now := time.Now()
	ws := windowStart(now, window)

	var row quotaRow
	err := s.client.Collection(quotaCollection).
		FindOne(ctx, bson.M{"_id": key}).
		Decode(&row)
	if err == mongodrv.ErrNoDocuments {
		return Result{Allowed: true, Current: 0, Remaining: int64(cap), ResetAt: now.Add(window)}, nil
	}
	if err != nil {
		s.logger.Warn("Quota status read failed, failing open", zap.Error(err))
		return failOpen(cap, window), nil
	}

	if row.WindowStart != ws {
		// Stored window has lapsed; nothing counts against the caller.
		return Result{Allowed: true, Current: 0, Remaining: int64(cap), ResetAt: now.Add(window)}, nil
	}

	remaining := int64(cap) - row.Count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   row.Count < int64(cap),
		Current:   row.Count,
		Remaining: remaining,
		ResetAt:   time.UnixMilli(row.WindowStart).Add(window),
	}, nil
}

// StartCleanup deletes rows untouched for longer than the retention window.
// Routine maintenance, not correctness-critical.
func (s *MongoStore) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-s.retention)
				res, err := s.client.Collection(quotaCollection).
					DeleteMany(ctx, bson.M{"updated_at": bson.M{"$lt": cutoff}})
				if err != nil {
					s.logger.Warn("Quota cleanup failed", zap.Error(err))
					continue
				}
				if res.DeletedCount > 0 {
					s.logger.Info("Quota cleanup removed expired rows",
						zap.Int64("deleted", res.DeletedCount),
					)
				}
			}
		}
	}()
}
