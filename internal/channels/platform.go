// Package channels provides the platform abstraction for the relay.
// Platforms connect external chat networks (IRC, Telegram, Discord) to the
// relay worker via the message bus.
package channels

import (
	"context"

	"github.com/tribridge/tribridge/internal/bus"
	"github.com/tribridge/tribridge/internal/message"
)

// SendRequest describes one outbound relay delivery to a single group.
type SendRequest struct {
	// GroupID is the platform-native channel id, without the platform
	// prefix.
	GroupID string

	// Text is the already rendered relay text for this platform.
	Text string

	// Message is the originating message, used for attachments and
	// metadata. May be nil for platform-generated notices.
	Message *message.Message

	// ReplyToID is the platform-native id of the message to reply to,
	// empty when the reply could not be resolved for this group.
	ReplyToID string
}

// SendResult reports the ids a delivery produced. Albums yield several ids;
// platforms without usable ids yield a single empty one.
type SendResult struct {
	MessageIDs []string

	// Text is the text that was actually delivered, which may differ from
	// the request when a long message was replaced by a link. Later
	// deliveries of the same message can reuse it.
	Text string
}

// EditRequest describes an edit of an already relayed message.
type EditRequest struct {
	GroupID   string
	MessageID string
	Text      string
	Message   *message.Message
}

// Platform is implemented by each connected chat network.
type Platform interface {
	// Name returns the platform identifier ("irc", "telegram", "discord").
	Name() string

	// Start connects and begins producing events. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop disconnects gracefully.
	Stop(ctx context.Context) error

	// Send delivers a relay message to one group.
	Send(ctx context.Context, req SendRequest) (SendResult, error)

	// Edit updates a previously relayed message in place.
	Edit(ctx context.Context, req EditRequest) error

	// Delete removes previously relayed messages from a group.
	Delete(ctx context.Context, groupID string, messageIDs []string) error

	// IsRunning reports whether the platform is connected.
	IsRunning() bool
}

// BasePlatform provides the shared plumbing platform implementations embed.
type BasePlatform struct {
	name    string
	router  bus.Router
	running bool
}

// NewBasePlatform creates a BasePlatform publishing to the given router.
func NewBasePlatform(name string, router bus.Router) *BasePlatform {
	return &BasePlatform{name: name, router: router}
}

// Name returns the platform name.
func (p *BasePlatform) Name() string { return p.name }

// IsRunning reports the running state.
func (p *BasePlatform) IsRunning() bool { return p.running }

// SetRunning updates the running state.
func (p *BasePlatform) SetRunning(running bool) { p.running = running }

// Router returns the message bus reference.
func (p *BasePlatform) Router() bus.Router { return p.router }

// HandleMessage publishes an inbound message for relaying.
func (p *BasePlatform) HandleMessage(m *message.Message) {
	p.router.PublishMessage(m)
}

// HandleTask publishes an inbound edit, delete or command task.
func (p *BasePlatform) HandleTask(t *bus.Task) {
	p.router.PublishTask(t)
}
