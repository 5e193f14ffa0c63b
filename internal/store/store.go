// Package store persists relayed message records in MongoDB. Records are
// never removed, only marked deleted, so edits and deletions arriving long
// after the original message can still be resolved.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tribridge/tribridge/internal/bridge"
	"github.com/tribridge/tribridge/internal/config"
	"github.com/tribridge/tribridge/internal/message"
)

// activeWindow bounds how far back RecentActiveGroups looks for a user's
// messages.
const activeWindow = 600 * time.Second

// Store wraps the message collection. It also knows the bridge topology so
// lookups for edit and delete tasks can pre-filter entries to the groups
// still reachable from the origin.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
	topo   bridge.Topology
	logger *slog.Logger
}

// Dial connects to MongoDB and returns a ready store.
func Dial(ctx context.Context, cfg config.MongoConfig, topo bridge.Topology, logger *slog.Logger) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &Store{
		client: client,
		coll:   client.Database(cfg.DatabaseName).Collection(cfg.CollectionName),
		topo:   topo,
		logger: logger,
	}, nil
}

// Close disconnects from MongoDB.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Insert stores a new record and fills in its generated id.
func (s *Store) Insert(ctx context.Context, rec *message.Record) error {
	res, err := s.coll.InsertOne(ctx, rec)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	if id, ok := res.InsertedID.(primitive.ObjectID); ok {
		rec.ID = id
	}
	return nil
}

// FindByMember returns the record that carries the given platform message,
// origin or relayed copy alike. Returns nil when no record matches.
func (s *Store) FindByMember(ctx context.Context, group, messageID string) (*message.Record, error) {
	filter := bson.M{"bridge_messages": bson.M{"$elemMatch": bson.M{
		"group":      group,
		"message_id": messageID,
	}}}
	var rec message.Record
	err := s.coll.FindOne(ctx, filter).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find record by member: %w", err)
	}
	return &rec, nil
}

// FindByID returns the record with the given id, or nil when absent.
func (s *Store) FindByID(ctx context.Context, id primitive.ObjectID) (*message.Record, error) {
	var rec message.Record
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find record by id: %w", err)
	}
	return &rec, nil
}

// FindForUpdate locates the record that carries (group, messageID) and
// narrows its bridge entries to the copies an edit or delete from that
// group may touch: peers of the origin only, restricted to connected
// platforms. Returns nil when the record is unknown or nothing remains.
func (s *Store) FindForUpdate(ctx context.Context, group, messageID string, connected func(platform string) bool) (*message.Record, error) {
	rec, err := s.FindByMember(ctx, group, messageID)
	if err != nil || rec == nil {
		return rec, err
	}

	entries := s.topo.UpdateTargets(rec.BridgeMessages, group)
	if connected != nil {
		kept := entries[:0]
		for _, e := range entries {
			platform, _ := bridge.Split(e.Group)
			if connected(platform) {
				kept = append(kept, e)
			}
		}
		entries = kept
	}
	if len(entries) == 0 {
		return nil, nil
	}
	rec.BridgeMessages = entries
	return rec, nil
}

// MarkEdited updates the stored text and files after an edit.
func (s *Store) MarkEdited(ctx context.Context, id primitive.ObjectID, editedAt time.Time, text string, files []message.File) error {
	update := bson.M{"$set": bson.M{
		"edited_at": editedAt,
		"text":      text,
		"files":     files,
	}}
	if _, err := s.coll.UpdateByID(ctx, id, update); err != nil {
		return fmt.Errorf("mark record edited: %w", err)
	}
	return nil
}

// MarkDeleted soft-deletes a record and removes its local media files.
// Already-deleted records and records without bridge entries are skipped,
// which makes redelivered delete events harmless.
func (s *Store) MarkDeleted(ctx context.Context, rec *message.Record) (bool, error) {
	if rec == nil || rec.Deleted || len(rec.BridgeMessages) == 0 {
		return false, nil
	}

	for _, f := range rec.Files {
		if f.LocalPath == "" {
			continue
		}
		if err := os.Remove(f.LocalPath); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("could not remove media file", "path", f.LocalPath, "error", err)
		}
	}

	now := time.Now()
	update := bson.M{"$set": bson.M{"deleted": true, "deleted_at": now}}
	if _, err := s.coll.UpdateByID(ctx, rec.ID, update); err != nil {
		return false, fmt.Errorf("mark record deleted: %w", err)
	}
	rec.Deleted = true
	rec.DeletedAt = &now
	return true, nil
}

// RecentActiveGroups returns the channels, as platform-prefixed ids, in
// which the user posted a non-system message within the active window.
func (s *Store) RecentActiveGroups(ctx context.Context, userID string) ([]string, error) {
	filter := bson.M{
		"from_user_id": userID,
		"system":       false,
		"created_at":   bson.M{"$gte": time.Now().Add(-activeWindow)},
	}
	opts := options.Find().SetSort(bson.M{"_id": -1}).SetLimit(10)
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find recent messages: %w", err)
	}
	defer cur.Close(ctx)

	seen := make(map[string]bool)
	var groups []string
	for cur.Next(ctx) {
		var rec message.Record
		if err := cur.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decode recent record: %w", err)
		}
		if len(rec.BridgeMessages) == 0 {
			continue
		}
		g := rec.BridgeMessages[0].Group
		if !seen[g] {
			seen[g] = true
			groups = append(groups, g)
		}
	}
	return groups, cur.Err()
}

// RecentBridgeEntries returns the most recent bridge entries for a group,
// newest first, capped at limit. The delete-reconciliation poller walks
// these to spot messages removed at the platform side.
func (s *Store) RecentBridgeEntries(ctx context.Context, group string, limit int64) ([]*message.Record, error) {
	filter := bson.M{
		"bridge_messages.group": group,
		"deleted":               false,
	}
	opts := options.Find().SetSort(bson.M{"_id": -1}).SetLimit(limit)
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find recent bridge entries: %w", err)
	}
	defer cur.Close(ctx)

	var recs []*message.Record
	for cur.Next(ctx) {
		var rec message.Record
		if err := cur.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decode bridge record: %w", err)
		}
		recs = append(recs, &rec)
	}
	return recs, cur.Err()
}
