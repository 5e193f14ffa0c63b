// Package worker runs the relay loop: it consumes inbound messages and
// tasks from the bus and fans them out to the bridged peer groups.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tribridge/tribridge/internal/bridge"
	"github.com/tribridge/tribridge/internal/bus"
	"github.com/tribridge/tribridge/internal/channels"
	"github.com/tribridge/tribridge/internal/filter"
	"github.com/tribridge/tribridge/internal/message"
)

// RecordStore is the slice of the message store the worker writes to.
// Edits and deletions are persisted by the listeners before they enqueue,
// so the worker only inserts.
type RecordStore interface {
	Insert(ctx context.Context, rec *message.Record) error
}

// IRCCommander answers the IRC lookup commands.
type IRCCommander interface {
	Names(channel string) []string
	Whois(ctx context.Context, nick string) ([]string, error)
	Whowas(ctx context.Context, nick string) ([]string, error)
}

// Worker consumes the bus and drives deliveries. A single worker consumes
// the queue, so records are inserted in arrival order.
type Worker struct {
	router    bus.Router
	topo      bridge.Topology
	platforms map[string]channels.Platform
	store     RecordStore
	filter    *filter.Engine
	irc       IRCCommander
	logger    *slog.Logger
}

// New builds a worker over the given platforms. irc may be nil when no IRC
// platform is configured.
func New(router bus.Router, topo bridge.Topology, platforms map[string]channels.Platform, store RecordStore, f *filter.Engine, irc IRCCommander, logger *slog.Logger) *Worker {
	return &Worker{
		router:    router,
		topo:      topo,
		platforms: platforms,
		store:     store,
		filter:    f,
		irc:       irc,
		logger:    logger,
	}
}

// Run blocks consuming the bus until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		ev, ok := w.router.Consume(ctx)
		if !ok {
			return ctx.Err()
		}
		switch {
		case ev.Message != nil:
			w.forward(ctx, ev.Message)
		case ev.Task != nil:
			w.handleTask(ctx, ev.Task)
		}
	}
}

// forward relays a new message to every peer of its origin group and
// records the delivery. The record is inserted even when every delivery
// failed, so later edits and deletions can still find it.
func (w *Worker) forward(ctx context.Context, msg *message.Message) {
	msg.ClampFiles()

	entries := []message.BridgeEntry{{Group: msg.FromGroup, MessageID: msg.FromMessageID}}

	// IRC may rewrite long messages into a pastebin link. The rewritten
	// text is reused for further IRC peers so the link is uploaded once.
	ircText := ""

	for _, peer := range w.topo.Peers(msg.FromGroup) {
		if w.filter.Test(msg, peer) {
			continue
		}
		platform, native := bridge.Split(peer)
		p, ok := w.platforms[platform]
		if !ok {
			w.logger.Warn("no platform for peer group", "group", peer)
			entries = append(entries, message.BridgeEntry{Group: peer})
			continue
		}

		text := message.RelayText(msg, platform)
		if platform == message.PlatformIRC && ircText != "" {
			text = ircText
		}

		res, err := p.Send(ctx, channels.SendRequest{
			GroupID:   native,
			Text:      text,
			Message:   msg,
			ReplyToID: replyIDFor(msg, peer),
		})
		if err != nil {
			w.logger.Warn("relay delivery failed", "from", msg.FromGroup, "to", peer, "error", err)
			entries = append(entries, message.BridgeEntry{Group: peer})
			continue
		}
		if platform == message.PlatformIRC {
			ircText = res.Text
		}

		// An album fan-out returns several ids; each one gets its own
		// entry so deletions remove every copy.
		if len(res.MessageIDs) == 0 {
			entries = append(entries, message.BridgeEntry{Group: peer})
			continue
		}
		for _, id := range res.MessageIDs {
			entries = append(entries, message.BridgeEntry{Group: peer, MessageID: id})
		}
	}

	rec := &message.Record{
		System:         msg.System,
		CreatedAt:      msg.CreatedAt,
		FromUserID:     msg.FromUserID,
		FromNick:       msg.FromNick,
		Text:           msg.Text,
		FwdFrom:        msg.FwdFrom,
		Files:          msg.Files,
		BridgeMessages: entries,
	}
	if msg.ReplyTo != nil {
		rec.ReplyTo = msg.ReplyTo.ID
	}
	if err := w.store.Insert(ctx, rec); err != nil {
		w.logger.Error("could not insert record", "from", msg.FromGroup, "error", err)
	}
}

// containsNick reports whether a nick is in a member list. IRC nicks are
// case-insensitive.
func containsNick(names []string, nick string) bool {
	for _, n := range names {
		if strings.EqualFold(n, nick) {
			return true
		}
	}
	return false
}

// replyIDFor finds the copy of the replied-to message in the target group.
func replyIDFor(msg *message.Message, group string) string {
	if msg.ReplyTo == nil {
		return ""
	}
	id, _ := msg.ReplyTo.EntryFor(group)
	return id
}

func (w *Worker) handleTask(ctx context.Context, t *bus.Task) {
	switch t.Action {
	case bus.ActionEdit:
		w.handleEdit(ctx, t)
	case bus.ActionDelete:
		w.handleDelete(ctx, t)
	case bus.ActionNames, bus.ActionWhois, bus.ActionWhowas:
		w.handleCommand(ctx, t)
	default:
		w.logger.Warn("unknown task action", "action", t.Action)
	}
}

// handleEdit propagates an edit. Platforms with edit support get the
// message replaced in place, IRC gets a strike-through notice. Albums
// carry one entry per sent message, so each group is edited once, on its
// first copy.
func (w *Worker) handleEdit(ctx context.Context, t *bus.Task) {
	if t.Edited == nil || t.NewMessage == nil {
		return
	}

	ircText := ""
	edited := make(map[string]bool)
	for _, entry := range t.Edited.BridgeMessages {
		if w.filter.Test(t.NewMessage, entry.Group) {
			continue
		}
		platform, native := bridge.Split(entry.Group)
		p, ok := w.platforms[platform]
		if !ok {
			continue
		}

		if platform == message.PlatformIRC {
			text := message.EditedNotice(t.Edited, t.NewMessage)
			if ircText != "" {
				text = ircText
			}
			res, err := p.Send(ctx, channels.SendRequest{GroupID: native, Text: text})
			if err != nil {
				w.logger.Warn("edit notice failed", "to", entry.Group, "error", err)
				continue
			}
			ircText = res.Text
			continue
		}

		if entry.MessageID == "" || edited[entry.Group] {
			continue
		}
		edited[entry.Group] = true
		err := p.Edit(ctx, channels.EditRequest{
			GroupID:   native,
			MessageID: entry.MessageID,
			Text:      message.RelayText(t.NewMessage, platform),
			Message:   t.NewMessage,
		})
		if err != nil {
			w.logger.Warn("edit failed", "to", entry.Group, "error", err)
		}
	}
}

// handleDelete propagates a deletion batch. Platforms with delete support
// get the copies removed, IRC channels get one notice per batch.
func (w *Worker) handleDelete(ctx context.Context, t *bus.Task) {
	if len(t.Deleted) == 0 {
		return
	}

	notice := message.DeletedNotice(t.Deleted)
	ircNotified := make(map[string]bool)
	byGroup := make(map[string][]string)
	var groupOrder []string

	for _, rec := range t.Deleted {
		for _, entry := range rec.BridgeMessages {
			platform, native := bridge.Split(entry.Group)
			p, ok := w.platforms[platform]
			if !ok {
				continue
			}
			if platform == message.PlatformIRC {
				if ircNotified[entry.Group] || notice == "" {
					continue
				}
				ircNotified[entry.Group] = true
				if _, err := p.Send(ctx, channels.SendRequest{GroupID: native, Text: notice}); err != nil {
					w.logger.Warn("delete notice failed", "to", entry.Group, "error", err)
				}
				continue
			}
			if entry.MessageID == "" {
				continue
			}
			if _, seen := byGroup[entry.Group]; !seen {
				groupOrder = append(groupOrder, entry.Group)
			}
			byGroup[entry.Group] = append(byGroup[entry.Group], entry.MessageID)
		}
	}

	for _, group := range groupOrder {
		platform, native := bridge.Split(group)
		if err := w.platforms[platform].Delete(ctx, native, byGroup[group]); err != nil {
			w.logger.Warn("delete failed", "to", group, "error", err)
		}
	}
}

// handleCommand serves the IRC lookup commands issued from other
// platforms.
func (w *Worker) handleCommand(ctx context.Context, t *bus.Task) {
	if t.Reply == nil {
		return
	}
	reply := func(text string) {
		if err := t.Reply(ctx, text); err != nil {
			w.logger.Warn("command reply failed", "action", t.Action, "error", err)
		}
	}

	if w.irc == nil {
		reply("IRC is not connected")
		return
	}

	var ircChannels []string
	for _, peer := range w.topo.Peers(t.FromGroup) {
		if platform, native := bridge.Split(peer); platform == message.PlatformIRC {
			ircChannels = append(ircChannels, native)
		}
	}
	if len(ircChannels) == 0 {
		reply("no IRC channel is bridged to this group")
		return
	}

	switch t.Action {
	case bus.ActionNames:
		var parts []string
		for _, channel := range ircChannels {
			names := w.irc.Names(channel)
			if t.Target != "" {
				if containsNick(names, t.Target) {
					parts = append(parts, fmt.Sprintf("%s is on %s", t.Target, channel))
				} else {
					parts = append(parts, fmt.Sprintf("%s is not on %s", t.Target, channel))
				}
				continue
			}
			if len(names) == 0 {
				parts = append(parts, fmt.Sprintf("nobody is on %s", channel))
				continue
			}
			parts = append(parts, fmt.Sprintf("`%s: %s`", channel, strings.Join(names, " ")))
		}
		reply(strings.Join(parts, "\n"))
	case bus.ActionWhois:
		if t.Target == "" {
			reply("usage: ircwhois <nick>")
			return
		}
		lines, err := w.irc.Whois(ctx, t.Target)
		if err != nil {
			reply(fmt.Sprintf("whois %s failed: %v", t.Target, err))
			return
		}
		reply("`" + strings.Join(lines, "\n") + "`")
	case bus.ActionWhowas:
		if t.Target == "" {
			reply("usage: ircwhowas <nick>")
			return
		}
		lines, err := w.irc.Whowas(ctx, t.Target)
		if err != nil {
			reply(fmt.Sprintf("whowas %s failed: %v", t.Target, err))
			return
		}
		reply("`" + strings.Join(lines, "\n") + "`")
	}
}
