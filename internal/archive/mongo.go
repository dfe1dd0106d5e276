package archive

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/MatyMusic/maty-sub002/internal/chat"
)

// Mongo archives confirmed messages per peer, upserting by message id
// so replayed merges are harmless.
type Mongo struct {
	col *mongo.Collection
}

func NewMongo(col *mongo.Collection) *Mongo {
	return &Mongo{col: col}
}

func (a *Mongo) SaveAll(ctx context.Context, peerID string, msgs []chat.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	writes := make([]mongo.WriteModel, 0, len(msgs))
	for _, m := range msgs {
		m.PeerID = peerID
		writes = append(writes, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": m.ID}).
			SetReplacement(m).
			SetUpsert(true))
	}
	_, err := a.col.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false))
	return err
}

func (a *Mongo) Recent(ctx context.Context, peerID string, limit int) ([]chat.Message, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "at", Value: -1}}).
		SetLimit(int64(limit))

	cur, err := a.col.Find(ctx, bson.M{"peer_id": peerID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []chat.Message
	for cur.Next(ctx) {
		var m chat.Message
		if err := cur.Decode(&m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	// newest-first query, chronological return
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
