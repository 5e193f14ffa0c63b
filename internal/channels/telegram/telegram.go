// Package telegram connects the relay to Telegram over MTProto. The bot
// account must be a member of every bridged chat.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/telegram/message/styling"
	"github.com/gotd/td/telegram/peers"
	"github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/tribridge/tribridge/internal/bridge"
	"github.com/tribridge/tribridge/internal/bus"
	"github.com/tribridge/tribridge/internal/channels"
	"github.com/tribridge/tribridge/internal/config"
	"github.com/tribridge/tribridge/internal/filter"
	"github.com/tribridge/tribridge/internal/media"
	relaymsg "github.com/tribridge/tribridge/internal/message"
)

// channelMarkBase offsets channel ids in the marked chat id form used in
// the bridge topology: channels are -100xxxxxxxxxx, basic chats negative,
// users positive.
const channelMarkBase = int64(1000000000000)

// Records is the slice of the message store the Telegram side needs to
// resolve replies, edits and deletions.
type Records interface {
	FindByMember(ctx context.Context, group, messageID string) (*relaymsg.Record, error)
	FindForUpdate(ctx context.Context, group, messageID string, connected func(platform string) bool) (*relaymsg.Record, error)
	MarkEdited(ctx context.Context, id primitive.ObjectID, editedAt time.Time, text string, files []relaymsg.File) error
	MarkDeleted(ctx context.Context, rec *relaymsg.Record) (bool, error)
	RecentBridgeEntries(ctx context.Context, group string, limit int64) ([]*relaymsg.Record, error)
}

// Platform is the Telegram side of the relay.
type Platform struct {
	*channels.BasePlatform

	cfg       config.TelegramConfig
	topo      bridge.Topology
	host      *media.Host
	records   Records
	spam      *filter.SpamChecker
	connected func(platform string) bool
	logger    *slog.Logger

	client   *telegram.Client
	api      *tg.Client
	sender   *message.Sender
	uploader *uploader.Uploader
	peers    *peers.Manager
	updMgr   *updates.Manager
	waiter   *floodwait.Waiter

	selfID int64
	cancel context.CancelFunc

	mu     sync.Mutex
	albums map[int64]*pendingAlbum
}

type pendingAlbum struct {
	msg   *relaymsg.Message
	timer *time.Timer
}

// lazyUpdateHandler defers update handling until the updates manager
// exists. The client options need a handler before the manager can be
// built on the client's API.
type lazyUpdateHandler struct {
	inner atomic.Value
}

func (l *lazyUpdateHandler) set(h telegram.UpdateHandler) { l.inner.Store(h) }

func (l *lazyUpdateHandler) Handle(ctx context.Context, u tg.UpdatesClass) error {
	h, ok := l.inner.Load().(telegram.UpdateHandler)
	if !ok {
		return nil
	}
	return h.Handle(ctx, u)
}

// New builds the Telegram platform. Start must be called to connect.
func New(cfg config.TelegramConfig, topo bridge.Topology, router bus.Router, host *media.Host, records Records, spam *filter.SpamChecker, connected func(platform string) bool, logger *slog.Logger) (*Platform, error) {
	sessionDir := config.ExpandHome(cfg.Session)
	if err := os.MkdirAll(sessionDir, 0o700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	p := &Platform{
		BasePlatform: channels.NewBasePlatform(relaymsg.PlatformTelegram, router),
		cfg:          cfg,
		topo:         topo,
		host:         host,
		records:      records,
		spam:         spam,
		connected:    connected,
		logger:       logger,
		albums:       make(map[int64]*pendingAlbum),
	}

	dispatcher := tg.NewUpdateDispatcher()
	handler := &lazyUpdateHandler{}
	p.waiter = floodwait.NewWaiter()

	p.client = telegram.NewClient(cfg.APIID, cfg.APIHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: filepath.Join(sessionDir, "session.json")},
		UpdateHandler:  handler,
		Middlewares:    []telegram.Middleware{p.waiter},
	})
	p.api = p.client.API()
	p.uploader = uploader.NewUploader(p.api)
	p.sender = message.NewSender(p.api).WithUploader(p.uploader)
	p.peers = peers.Options{}.Build(p.api)

	p.updMgr = updates.New(updates.Config{
		Handler:      dispatcher,
		AccessHasher: p.peers,
	})
	handler.set(p.peers.UpdateHook(p.updMgr))

	dispatcher.OnNewMessage(p.onNewMessage)
	dispatcher.OnNewChannelMessage(p.onNewChannelMessage)
	dispatcher.OnEditMessage(p.onEditMessage)
	dispatcher.OnEditChannelMessage(p.onEditChannelMessage)
	dispatcher.OnDeleteMessages(p.onDeleteMessages)
	dispatcher.OnDeleteChannelMessages(p.onDeleteChannelMessages)

	return p, nil
}

// Start authenticates the bot and runs the MTProto engine plus the updates
// manager in the background. It returns once the client is authorized.
func (p *Platform) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel

	ready := make(chan error, 1)
	go func() {
		err := p.waiter.Run(runCtx, func(ctx context.Context) error {
			return p.client.Run(ctx, func(ctx context.Context) error {
				status, err := p.client.Auth().Status(ctx)
				if err != nil {
					return fmt.Errorf("auth status: %w", err)
				}
				if !status.Authorized {
					if _, err := p.client.Auth().Bot(ctx, p.cfg.BotToken); err != nil {
						return fmt.Errorf("bot login: %w", err)
					}
				}
				self, err := p.client.Self(ctx)
				if err != nil {
					return fmt.Errorf("get self: %w", err)
				}
				p.selfID = self.ID
				p.SetRunning(true)
				defer p.SetRunning(false)
				p.logger.Info("telegram connected", "bot", self.Username)

				select {
				case ready <- nil:
				default:
				}
				return p.updMgr.Run(ctx, p.api, self.ID, updates.AuthOptions{IsBot: self.Bot})
			})
		})
		if err != nil && runCtx.Err() == nil {
			p.logger.Error("telegram client stopped", "error", err)
		}
		select {
		case ready <- err:
		default:
		}
	}()

	select {
	case err := <-ready:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop shuts down the MTProto engine.
func (p *Platform) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	p.SetRunning(false)
	return nil
}

// inputPeer resolves a marked chat id to an InputPeer via the peer cache.
func (p *Platform) inputPeer(ctx context.Context, marked int64) (tg.InputPeerClass, error) {
	switch {
	case marked <= -channelMarkBase:
		ch, err := p.peers.ResolveChannelID(ctx, unmarkChannel(marked))
		if err != nil {
			return nil, fmt.Errorf("resolve channel %d: %w", marked, err)
		}
		return ch.InputPeer(), nil
	case marked < 0:
		chat, err := p.peers.ResolveChatID(ctx, -marked)
		if err != nil {
			return nil, fmt.Errorf("resolve chat %d: %w", marked, err)
		}
		return chat.InputPeer(), nil
	default:
		user, err := p.peers.ResolveUserID(ctx, marked)
		if err != nil {
			return nil, fmt.Errorf("resolve user %d: %w", marked, err)
		}
		return user.InputPeer(), nil
	}
}

// inputChannel resolves a marked channel id for raw channel RPCs.
func (p *Platform) inputChannel(ctx context.Context, marked int64) (*tg.InputChannel, error) {
	peer, err := p.inputPeer(ctx, marked)
	if err != nil {
		return nil, err
	}
	ch, ok := peer.(*tg.InputPeerChannel)
	if !ok {
		return nil, fmt.Errorf("chat %d is not a channel", marked)
	}
	return &tg.InputChannel{ChannelID: ch.ChannelID, AccessHash: ch.AccessHash}, nil
}

// markPeer converts an incoming peer to the marked chat id form.
func markPeer(peer tg.PeerClass) (int64, bool) {
	switch v := peer.(type) {
	case *tg.PeerUser:
		return v.UserID, true
	case *tg.PeerChat:
		return -v.ChatID, true
	case *tg.PeerChannel:
		return markChannel(v.ChannelID), true
	default:
		return 0, false
	}
}

func markChannel(id int64) int64 { return -channelMarkBase - id }

func unmarkChannel(marked int64) int64 { return -(marked + channelMarkBase) }

// Send delivers relay text, with any attachments, to a Telegram chat.
func (p *Platform) Send(ctx context.Context, req channels.SendRequest) (channels.SendResult, error) {
	marked, err := strconv.ParseInt(req.GroupID, 10, 64)
	if err != nil {
		return channels.SendResult{}, fmt.Errorf("bad telegram chat id %q: %w", req.GroupID, err)
	}
	peer, err := p.inputPeer(ctx, marked)
	if err != nil {
		return channels.SendResult{}, err
	}

	builder := &p.sender.To(peer).Builder
	if req.ReplyToID != "" {
		if id, err := strconv.Atoi(req.ReplyToID); err == nil {
			builder = builder.Reply(id)
		}
	}

	var files []relaymsg.File
	if req.Message != nil {
		for _, f := range req.Message.Files {
			if !f.IsEmpty() {
				files = append(files, f)
			}
		}
	}

	if len(files) == 0 {
		upd, err := builder.StyledText(ctx, styledSegments(req.Text)...)
		if err != nil {
			return channels.SendResult{}, fmt.Errorf("send telegram message: %w", err)
		}
		return channels.SendResult{MessageIDs: sentMessageIDs(upd), Text: req.Text}, nil
	}
	return p.sendFiles(ctx, builder, files, req.Text)
}

// sendFiles delivers attachments. The images go out as one album, every
// other file is sent standalone replying to the first message. The
// caption rides on whichever message goes first.
func (p *Platform) sendFiles(ctx context.Context, builder *message.Builder, files []relaymsg.File, caption string) (channels.SendResult, error) {
	forceDoc := files[0].Type == "document"
	captionOpts := styledSegments(caption)
	images, others := partitionFiles(files)

	var ids []string
	if len(images) == 1 {
		opt, err := p.mediaOption(ctx, images[0], captionOpts, false)
		if err != nil {
			return channels.SendResult{}, err
		}
		upd, err := builder.Media(ctx, opt)
		if err != nil {
			return channels.SendResult{}, fmt.Errorf("send telegram media: %w", err)
		}
		ids = append(ids, sentMessageIDs(upd)...)
	} else if len(images) > 1 {
		first, err := p.mediaOption(ctx, images[0], captionOpts, false)
		if err != nil {
			return channels.SendResult{}, err
		}
		var rest []message.MultiMediaOption
		for _, f := range images[1:] {
			opt, err := p.mediaOption(ctx, f, nil, false)
			if err != nil {
				return channels.SendResult{}, err
			}
			rest = append(rest, opt)
		}
		upd, err := builder.Album(ctx, first, rest...)
		if err != nil {
			return channels.SendResult{}, fmt.Errorf("send telegram album: %w", err)
		}
		ids = append(ids, sentMessageIDs(upd)...)
	}

	for _, f := range others {
		opts := captionOpts
		b := builder
		if len(ids) > 0 {
			opts = nil
			if ids[0] != "" {
				if firstID, err := strconv.Atoi(ids[0]); err == nil {
					b = b.Reply(firstID)
				}
			}
		}
		opt, err := p.mediaOption(ctx, f, opts, forceDoc)
		if err != nil {
			return channels.SendResult{}, err
		}
		upd, err := b.Media(ctx, opt)
		if err != nil {
			return channels.SendResult{}, fmt.Errorf("send telegram media: %w", err)
		}
		ids = append(ids, sentMessageIDs(upd)...)
	}
	return channels.SendResult{MessageIDs: ids, Text: caption}, nil
}

// partitionFiles splits attachments into the album-eligible images and the
// files sent standalone. A leading document keeps the whole set out of the
// album, mirroring how the source posted it.
func partitionFiles(files []relaymsg.File) (images, others []relaymsg.File) {
	if len(files) > 0 && files[0].Type == "document" {
		return nil, files
	}
	for _, f := range files {
		if f.IsImage() {
			images = append(images, f)
		} else {
			others = append(others, f)
		}
	}
	return images, others
}

func (p *Platform) mediaOption(ctx context.Context, f relaymsg.File, caption []styling.StyledTextOption, forceDoc bool) (message.MultiMediaOption, error) {
	up, err := p.uploader.FromPath(ctx, f.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", f.LocalPath, err)
	}
	if f.Type == "photo" && !forceDoc {
		return message.UploadedPhoto(up, caption...), nil
	}
	doc := message.UploadedDocument(up, caption...)
	if f.Metadata.Filename != "" {
		doc = doc.Filename(f.Metadata.Filename)
	}
	if mime := mimeByExtension(f.Extension); mime != "" {
		doc = doc.MIME(mime)
	}
	return doc, nil
}

// Edit replaces the text, and when the edit swapped the media also the
// attachment, of an already relayed message.
func (p *Platform) Edit(ctx context.Context, req channels.EditRequest) error {
	marked, err := strconv.ParseInt(req.GroupID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad telegram chat id %q: %w", req.GroupID, err)
	}
	id, err := strconv.Atoi(req.MessageID)
	if err != nil {
		return fmt.Errorf("bad telegram message id %q: %w", req.MessageID, err)
	}
	peer, err := p.inputPeer(ctx, marked)
	if err != nil {
		return err
	}

	editor := p.sender.To(peer).Edit(id)
	if req.Message != nil {
		for _, f := range req.Message.Files {
			if f.IsEmpty() {
				continue
			}
			opt, err := p.mediaOption(ctx, f, styledSegments(req.Text), false)
			if err != nil {
				return err
			}
			if _, err := editor.Media(ctx, opt); err != nil {
				return fmt.Errorf("edit telegram message: %w", err)
			}
			return nil
		}
	}
	if _, err := editor.StyledText(ctx, styledSegments(req.Text)...); err != nil {
		return fmt.Errorf("edit telegram message: %w", err)
	}
	return nil
}

// Delete removes relayed messages from a chat.
func (p *Platform) Delete(ctx context.Context, groupID string, messageIDs []string) error {
	marked, err := strconv.ParseInt(groupID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad telegram chat id %q: %w", groupID, err)
	}
	var ids []int
	for _, s := range messageIDs {
		if id, err := strconv.Atoi(s); err == nil {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	peer, err := p.inputPeer(ctx, marked)
	if err != nil {
		return err
	}
	if _, err := p.sender.To(peer).Revoke().Messages(ctx, ids...); err != nil {
		return fmt.Errorf("delete telegram messages: %w", err)
	}
	return nil
}

// styledSegments converts **bold** markers into styled text options. Text
// with unbalanced markers is sent as-is.
func styledSegments(text string) []styling.StyledTextOption {
	parts := strings.Split(text, "**")
	if len(parts)%2 == 0 {
		return []styling.StyledTextOption{styling.Plain(text)}
	}
	var opts []styling.StyledTextOption
	for i, part := range parts {
		if part == "" {
			continue
		}
		if i%2 == 1 {
			opts = append(opts, styling.Bold(part))
		} else {
			opts = append(opts, styling.Plain(part))
		}
	}
	if len(opts) == 0 {
		opts = []styling.StyledTextOption{styling.Plain("")}
	}
	return opts
}

// sentMessageIDs extracts the ids of just-sent messages from the server
// response.
func sentMessageIDs(u tg.UpdatesClass) []string {
	var ids []string
	seen := make(map[int]bool)
	add := func(id int) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, strconv.Itoa(id))
		}
	}

	var scan func(list []tg.UpdateClass)
	scan = func(list []tg.UpdateClass) {
		for _, upd := range list {
			switch v := upd.(type) {
			case *tg.UpdateMessageID:
				add(v.ID)
			case *tg.UpdateNewMessage:
				if m, ok := v.Message.(*tg.Message); ok {
					add(m.ID)
				}
			case *tg.UpdateNewChannelMessage:
				if m, ok := v.Message.(*tg.Message); ok {
					add(m.ID)
				}
			}
		}
	}

	switch v := u.(type) {
	case *tg.UpdateShortSentMessage:
		add(v.ID)
	case *tg.Updates:
		scan(v.Updates)
	case *tg.UpdatesCombined:
		scan(v.Updates)
	}
	if len(ids) == 0 {
		ids = []string{""}
	}
	return ids
}
