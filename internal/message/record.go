package message

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// BridgeEntry ties a channel ID to the native message id the relay produced
// there. MessageID is empty for IRC relays and for peers that failed to send.
type BridgeEntry struct {
	Group     string `bson:"group"`
	MessageID string `bson:"message_id,omitempty"`
}

// Record is the persisted form of one logical cross-platform message.
// The first bridge entry is always the origin; the rest are relays in
// fan-out order. Records are soft-deleted only, never removed.
type Record struct {
	ID         primitive.ObjectID `bson:"_id,omitempty"`
	System     bool               `bson:"system"`
	Deleted    bool               `bson:"deleted"`
	CreatedAt  time.Time          `bson:"created_at"`
	EditedAt   *time.Time         `bson:"edited_at"`
	DeletedAt  *time.Time         `bson:"deleted_at"`
	FromUserID string             `bson:"from_user_id"`
	FromNick   string             `bson:"from_nick"`
	Text       string             `bson:"text"`
	FwdFrom    string             `bson:"fwd_from,omitempty"`
	ReplyTo    primitive.ObjectID `bson:"reply_to,omitempty"`
	Files      []File             `bson:"files"`

	BridgeMessages []BridgeEntry `bson:"bridge_messages"`
}

// EntryFor returns the message id recorded for the given channel ID,
// or false when the record was never relayed there.
func (r *Record) EntryFor(group string) (string, bool) {
	for _, e := range r.BridgeMessages {
		if e.Group == group {
			return e.MessageID, true
		}
	}
	return "", false
}
