// Package bus provides the single FIFO event queue between platform
// listeners (producers) and the worker (sole consumer).
package bus

import (
	"context"

	"github.com/tribridge/tribridge/internal/message"
)

// Action names for internal tasks.
const (
	ActionDelete = "delete"
	ActionEdit   = "edit"
	ActionNames  = "ircnames"
	ActionWhois  = "ircwhois"
	ActionWhowas = "ircwhowas"
)

// ReplyFunc answers an IRC command on the interaction it came from
// (a Discord slash command or a Telegram bot command).
type ReplyFunc func(ctx context.Context, text string) error

// Task is an internal queue item: a delete or edit to fan out, or an IRC
// command to execute. The producing listener has already marked the store
// record (deleted/edited) and filtered its bridge entries to the outbound
// targets before enqueueing.
type Task struct {
	Action string

	// Delete: records whose remaining bridge entries must be deleted.
	Deleted []*message.Record

	// Edit: the record to update plus the new canonical message.
	Edited     *message.Record
	NewMessage *message.Message

	// Commands: target nick (optional for ircnames), the originating
	// group, and the reply handle.
	Target    string
	FromGroup string
	Reply     ReplyFunc
}

// Event is one queue item: either a forward message or an internal task.
type Event struct {
	Message *message.Message
	Task    *Task
}

// Router abstracts the queue for components that only produce or only
// consume.
type Router interface {
	PublishMessage(msg *message.Message)
	PublishTask(task *Task)
	Consume(ctx context.Context) (Event, bool)
}
