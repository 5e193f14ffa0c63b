package telegram

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gotd/td/tg"

	"github.com/tribridge/tribridge/internal/bus"
	"github.com/tribridge/tribridge/internal/channels"
	relaymsg "github.com/tribridge/tribridge/internal/message"
)

// albumSettleDelay is how long to wait for further items of a media album
// before relaying it as one message.
const albumSettleDelay = time.Second

func (p *Platform) onNewMessage(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
	if m, ok := u.Message.(*tg.Message); ok {
		p.processMessage(ctx, e, m)
	}
	return nil
}

func (p *Platform) onNewChannelMessage(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
	if m, ok := u.Message.(*tg.Message); ok {
		p.processMessage(ctx, e, m)
	}
	return nil
}

func (p *Platform) processMessage(ctx context.Context, e tg.Entities, m *tg.Message) {
	if m.Out {
		return
	}
	marked, ok := markPeer(m.PeerID)
	if !ok {
		return
	}
	group := relaymsg.PlatformTelegram + "/" + strconv.FormatInt(marked, 10)
	if !p.topo.Contains(group) {
		return
	}

	nick, userID := p.senderIdentity(e, m)

	if p.handleCommand(ctx, m, group) {
		return
	}

	if p.spam != nil && userID > 0 {
		if p.spam.IsSpam(ctx, int64(m.ID), marked, userID) {
			if err := p.Delete(ctx, strconv.FormatInt(marked, 10), []string{strconv.Itoa(m.ID)}); err != nil {
				p.logger.Warn("could not remove spam message", "group", group, "error", err)
			}
			return
		}
	}

	msg := &relaymsg.Message{
		Text:           m.Message,
		FromUserID:     relaymsg.PlatformTelegram + "/" + strconv.FormatInt(userID, 10),
		FromNick:       nick,
		FromGroup:      group,
		FromMessageID:  strconv.Itoa(m.ID),
		PlatformPrefix: p.cfg.PlatformPrefix,
		CreatedAt:      time.Unix(int64(m.Date), 0),
		FwdFrom:        p.forwardSource(e, m),
	}

	if rh, ok := m.GetReplyTo(); ok {
		if h, ok := rh.(*tg.MessageReplyHeader); ok && h.ReplyToMsgID != 0 {
			rec, err := p.records.FindByMember(ctx, group, strconv.Itoa(h.ReplyToMsgID))
			if err != nil {
				p.logger.Warn("reply lookup failed", "group", group, "error", err)
			}
			msg.ReplyTo = rec
		}
	}

	if m.Media != nil {
		if f, ok := p.downloadMedia(ctx, m.Media); ok {
			msg.Files = append(msg.Files, f)
		}
	}

	if m.GroupedID != 0 {
		p.collectAlbumItem(m.GroupedID, msg)
		return
	}
	p.HandleMessage(msg)
}

// collectAlbumItem folds album members into one relay message. The first
// item opens a short window; items arriving within it contribute their
// files and, when the first item had none, the caption.
func (p *Platform) collectAlbumItem(groupedID int64, msg *relaymsg.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pending, ok := p.albums[groupedID]; ok {
		pending.msg.Files = append(pending.msg.Files, msg.Files...)
		if pending.msg.Text == "" {
			pending.msg.Text = msg.Text
		}
		pending.msg.ClampFiles()
		pending.timer.Reset(albumSettleDelay)
		return
	}

	pending := &pendingAlbum{msg: msg}
	pending.timer = time.AfterFunc(albumSettleDelay, func() {
		p.mu.Lock()
		delete(p.albums, groupedID)
		p.mu.Unlock()
		p.HandleMessage(pending.msg)
	})
	p.albums[groupedID] = pending
}

// senderIdentity resolves the author's display nick and user id. Channel
// posts carry the channel itself as the author.
func (p *Platform) senderIdentity(e tg.Entities, m *tg.Message) (string, int64) {
	if from, ok := m.FromID.(*tg.PeerUser); ok {
		if u, ok := e.Users[from.UserID]; ok {
			return p.displayName(u), from.UserID
		}
		return strconv.FormatInt(from.UserID, 10), from.UserID
	}
	if ch, ok := m.PeerID.(*tg.PeerChannel); ok {
		if c, ok := e.Channels[ch.ChannelID]; ok {
			return c.Title, 0
		}
	}
	return "Anonymous", 0
}

func (p *Platform) displayName(u *tg.User) string {
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	if p.cfg.NickStyle == "username" {
		if u.Username != "" {
			return u.Username
		}
		return name
	}
	if name != "" {
		return name
	}
	return u.Username
}

// forwardSource names where a forwarded message came from.
func (p *Platform) forwardSource(e tg.Entities, m *tg.Message) string {
	h, ok := m.GetFwdFrom()
	if !ok {
		return ""
	}
	if h.FromName != "" {
		return h.FromName
	}
	switch from := h.FromID.(type) {
	case *tg.PeerUser:
		if u, ok := e.Users[from.UserID]; ok {
			return p.displayName(u)
		}
	case *tg.PeerChannel:
		if c, ok := e.Channels[from.ChannelID]; ok {
			return c.Title
		}
	}
	return ""
}

// handleCommand recognizes the IRC lookup commands and turns them into
// worker tasks. Returns true when the message was a command.
func (p *Platform) handleCommand(ctx context.Context, m *tg.Message, group string) bool {
	fields := strings.Fields(m.Message)
	if len(fields) == 0 {
		return false
	}
	cmd := fields[0]
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}

	var action string
	switch cmd {
	case "/ircnames":
		action = bus.ActionNames
	case "/ircwhois":
		action = bus.ActionWhois
	case "/ircwhowas":
		action = bus.ActionWhowas
	default:
		return false
	}

	target := ""
	if len(fields) > 1 {
		target = fields[1]
	}

	marked, _ := markPeer(m.PeerID)
	chatID := strconv.FormatInt(marked, 10)
	p.HandleTask(&bus.Task{
		Action:    action,
		FromGroup: group,
		Target:    target,
		Reply: func(ctx context.Context, text string) error {
			_, err := p.Send(ctx, channels.SendRequest{GroupID: chatID, Text: text})
			return err
		},
	})
	return true
}

func (p *Platform) onEditMessage(ctx context.Context, e tg.Entities, u *tg.UpdateEditMessage) error {
	if m, ok := u.Message.(*tg.Message); ok {
		p.processEdit(ctx, m)
	}
	return nil
}

func (p *Platform) onEditChannelMessage(ctx context.Context, e tg.Entities, u *tg.UpdateEditChannelMessage) error {
	if m, ok := u.Message.(*tg.Message); ok {
		p.processEdit(ctx, m)
	}
	return nil
}

func (p *Platform) processEdit(ctx context.Context, m *tg.Message) {
	if m.Out {
		return
	}
	marked, ok := markPeer(m.PeerID)
	if !ok {
		return
	}
	group := relaymsg.PlatformTelegram + "/" + strconv.FormatInt(marked, 10)
	if !p.topo.Contains(group) {
		return
	}

	rec, err := p.records.FindForUpdate(ctx, group, strconv.Itoa(m.ID), p.connected)
	if err != nil {
		p.logger.Warn("edit lookup failed", "group", group, "error", err)
		return
	}
	if rec == nil {
		return
	}

	// The edit may have swapped the media, so it is downloaded afresh.
	var files []relaymsg.File
	if m.Media != nil {
		if f, ok := p.downloadMedia(ctx, m.Media); ok {
			files = append(files, f)
		}
	}

	editedAt := time.Unix(int64(m.EditDate), 0)
	if err := p.records.MarkEdited(ctx, rec.ID, editedAt, m.Message, files); err != nil {
		p.logger.Warn("could not mark record edited", "group", group, "error", err)
		return
	}

	p.HandleTask(&bus.Task{
		Action:    bus.ActionEdit,
		FromGroup: group,
		Edited:    rec,
		NewMessage: &relaymsg.Message{
			Text:           m.Message,
			FromNick:       rec.FromNick,
			FromGroup:      group,
			FromMessageID:  strconv.Itoa(m.ID),
			PlatformPrefix: p.cfg.PlatformPrefix,
			CreatedAt:      rec.CreatedAt,
			EditedAt:       editedAt,
			Files:          files,
		},
	})
}

func (p *Platform) onDeleteMessages(ctx context.Context, e tg.Entities, u *tg.UpdateDeleteMessages) error {
	// This update carries no chat, so every non-channel Telegram group is
	// probed for the ids.
	var groups []string
	for _, g := range p.topo.ChannelsOn(relaymsg.PlatformTelegram) {
		if marked, err := strconv.ParseInt(strings.TrimPrefix(g, relaymsg.PlatformTelegram+"/"), 10, 64); err == nil && marked > -channelMarkBase {
			groups = append(groups, g)
		}
	}
	p.processDeletes(ctx, groups, u.Messages)
	return nil
}

func (p *Platform) onDeleteChannelMessages(ctx context.Context, e tg.Entities, u *tg.UpdateDeleteChannelMessages) error {
	group := relaymsg.PlatformTelegram + "/" + strconv.FormatInt(markChannel(u.ChannelID), 10)
	p.processDeletes(ctx, []string{group}, u.Messages)
	return nil
}

// processDeletes marks the affected records deleted before queueing the
// fan-out, so a crash between the two never resurrects a deleted message.
func (p *Platform) processDeletes(ctx context.Context, groups []string, ids []int) {
	var recs []*relaymsg.Record
	var fromGroup string
	for _, group := range groups {
		if !p.topo.Contains(group) {
			continue
		}
		for _, id := range ids {
			rec, err := p.records.FindForUpdate(ctx, group, strconv.Itoa(id), p.connected)
			if err != nil {
				p.logger.Warn("delete lookup failed", "group", group, "error", err)
				continue
			}
			if rec == nil {
				continue
			}
			marked, err := p.records.MarkDeleted(ctx, rec)
			if err != nil {
				p.logger.Warn("could not mark record deleted", "group", group, "error", err)
				continue
			}
			if !marked {
				continue
			}
			recs = append(recs, rec)
			fromGroup = group
		}
	}
	if len(recs) == 0 {
		return
	}
	p.HandleTask(&bus.Task{
		Action:    bus.ActionDelete,
		FromGroup: fromGroup,
		Deleted:   recs,
	})
}
