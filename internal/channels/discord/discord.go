// Package discord connects the relay to Discord via the gateway.
package discord

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/tribridge/tribridge/internal/bridge"
	"github.com/tribridge/tribridge/internal/bus"
	"github.com/tribridge/tribridge/internal/channels"
	"github.com/tribridge/tribridge/internal/config"
	"github.com/tribridge/tribridge/internal/media"
	"github.com/tribridge/tribridge/internal/message"
)

// maxMessageLen is Discord's hard limit per message.
const maxMessageLen = 2000

// spoilerPrefix marks an attachment as a spoiler on Discord.
const spoilerPrefix = "SPOILER_"

// Records is the slice of the message store the Discord side needs.
type Records interface {
	FindByMember(ctx context.Context, group, messageID string) (*message.Record, error)
	FindForUpdate(ctx context.Context, group, messageID string, connected func(platform string) bool) (*message.Record, error)
	MarkEdited(ctx context.Context, id primitive.ObjectID, editedAt time.Time, text string, files []message.File) error
	MarkDeleted(ctx context.Context, rec *message.Record) (bool, error)
}

// Platform is the Discord side of the relay.
type Platform struct {
	*channels.BasePlatform

	cfg       config.DiscordConfig
	topo      bridge.Topology
	host      *media.Host
	records   Records
	connected func(platform string) bool
	logger    *slog.Logger

	session   *discordgo.Session
	botUserID string
	http      *http.Client
}

// New builds the Discord platform. Start must be called to connect.
func New(cfg config.DiscordConfig, topo bridge.Topology, router bus.Router, host *media.Host, records Records, connected func(platform string) bool, logger *slog.Logger) (*Platform, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsMessageContent

	return &Platform{
		BasePlatform: channels.NewBasePlatform(message.PlatformDiscord, router),
		cfg:          cfg,
		topo:         topo,
		host:         host,
		records:      records,
		connected:    connected,
		logger:       logger,
		session:      session,
		http:         &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// Start opens the gateway connection and registers the IRC lookup slash
// commands.
func (p *Platform) Start(ctx context.Context) error {
	p.session.AddHandler(p.onMessageCreate)
	p.session.AddHandler(p.onMessageUpdate)
	p.session.AddHandler(p.onMessageDelete)
	p.session.AddHandler(p.onMessageDeleteBulk)
	p.session.AddHandler(p.onInteraction)

	if err := p.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := p.session.User("@me")
	if err != nil {
		p.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	p.botUserID = user.ID
	p.SetRunning(true)
	p.logger.Info("discord connected", "username", user.Username, "id", user.ID)

	p.registerCommands()
	return nil
}

// Stop closes the gateway connection.
func (p *Platform) Stop(ctx context.Context) error {
	p.SetRunning(false)
	return p.session.Close()
}

func (p *Platform) registerCommands() {
	nickOption := []*discordgo.ApplicationCommandOption{{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        "nick",
		Description: "IRC nick to look up",
		Required:    true,
	}}
	commands := []*discordgo.ApplicationCommand{
		{Name: "ircnames", Description: "List members of the bridged IRC channel"},
		{Name: "ircwhois", Description: "WHOIS an IRC nick", Options: nickOption},
		{Name: "ircwhowas", Description: "WHOWAS an IRC nick", Options: nickOption},
	}
	for _, cmd := range commands {
		if _, err := p.session.ApplicationCommandCreate(p.botUserID, "", cmd); err != nil {
			p.logger.Warn("could not register slash command", "command", cmd.Name, "error", err)
		}
	}
}

func (p *Platform) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == p.botUserID || m.Author.Bot {
		return
	}
	group := message.PlatformDiscord + "/" + m.ChannelID
	if !p.topo.Contains(group) {
		return
	}
	if p.handleTextCommand(m, group) {
		return
	}

	msg := &message.Message{
		Text:           m.Content,
		FromUserID:     message.PlatformDiscord + "/" + m.Author.ID,
		FromNick:       p.displayName(m.Member, m.Author),
		FromGroup:      group,
		FromMessageID:  m.ID,
		PlatformPrefix: p.cfg.PlatformPrefix,
		CreatedAt:      m.Timestamp,
	}

	if ref := m.MessageReference; ref != nil && ref.MessageID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rec, err := p.records.FindByMember(ctx, group, ref.MessageID)
		cancel()
		if err != nil {
			p.logger.Warn("reply lookup failed", "group", group, "error", err)
		}
		msg.ReplyTo = rec
	}

	for _, att := range m.Attachments {
		f, err := p.downloadAttachment(att)
		if err != nil {
			p.logger.Warn("attachment download failed", "url", att.URL, "error", err)
			continue
		}
		msg.Files = append(msg.Files, f)
	}
	msg.ClampFiles()

	p.HandleMessage(msg)
}

// displayName picks the relayed nick per the configured style. "nickname"
// prefers the guild nick, anything else the account name.
func (p *Platform) displayName(member *discordgo.Member, author *discordgo.User) string {
	accountName := author.Username
	if author.GlobalName != "" {
		accountName = author.GlobalName
	}
	if p.cfg.NickStyle == "nickname" && member != nil && member.Nick != "" {
		return member.Nick
	}
	return accountName
}

// downloadAttachment fetches a Discord attachment into the media host.
func (p *Platform) downloadAttachment(att *discordgo.MessageAttachment) (message.File, error) {
	f := classifyAttachment(att)
	f.LocalPath = p.host.NewLocalPath(f.Extension)

	resp, err := p.http.Get(att.URL)
	if err != nil {
		return message.File{}, fmt.Errorf("fetch attachment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return message.File{}, fmt.Errorf("fetch attachment: status %d", resp.StatusCode)
	}

	out, err := os.Create(f.LocalPath)
	if err != nil {
		return message.File{}, fmt.Errorf("store attachment: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return message.File{}, fmt.Errorf("store attachment: %w", err)
	}

	p.host.Publish(&f)
	return f, nil
}

// classifyAttachment maps a Discord attachment onto the relay's file
// model using its content type and filename.
func classifyAttachment(att *discordgo.MessageAttachment) message.File {
	f := message.File{Type: "document", Extension: filepath.Ext(att.Filename)}
	f.Metadata.Filename = strings.TrimPrefix(att.Filename, spoilerPrefix)
	f.Metadata.Spoiler = strings.HasPrefix(att.Filename, spoilerPrefix)
	f.Metadata.Width = att.Width
	f.Metadata.Height = att.Height
	f.Metadata.Size = int64(att.Size)

	switch {
	case strings.HasPrefix(att.ContentType, "image/gif"):
		f.Type = "animation"
	case strings.HasPrefix(att.ContentType, "image/"):
		f.Type = "photo"
	case strings.HasPrefix(att.ContentType, "video/"):
		f.Type = "video"
	case strings.HasPrefix(att.ContentType, "audio/"):
		f.Type = "audio"
	}
	return f
}

func (p *Platform) onMessageUpdate(s *discordgo.Session, m *discordgo.MessageUpdate) {
	if m.Author == nil || m.Author.ID == p.botUserID || m.Author.Bot {
		return
	}
	group := message.PlatformDiscord + "/" + m.ChannelID
	if !p.topo.Contains(group) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	rec, err := p.records.FindForUpdate(ctx, group, m.ID, p.connected)
	if err != nil {
		p.logger.Warn("edit lookup failed", "group", group, "error", err)
		return
	}
	if rec == nil {
		return
	}

	// The edit may have swapped the attachments, so they are downloaded
	// afresh.
	var files []message.File
	for _, att := range m.Attachments {
		f, err := p.downloadAttachment(att)
		if err != nil {
			p.logger.Warn("attachment download failed", "url", att.URL, "error", err)
			continue
		}
		files = append(files, f)
	}

	editedAt := time.Now()
	if m.EditedTimestamp != nil {
		editedAt = *m.EditedTimestamp
	}
	if err := p.records.MarkEdited(ctx, rec.ID, editedAt, m.Content, files); err != nil {
		p.logger.Warn("could not mark record edited", "group", group, "error", err)
		return
	}

	p.HandleTask(&bus.Task{
		Action:    bus.ActionEdit,
		FromGroup: group,
		Edited:    rec,
		NewMessage: &message.Message{
			Text:           m.Content,
			FromNick:       rec.FromNick,
			FromGroup:      group,
			FromMessageID:  m.ID,
			PlatformPrefix: p.cfg.PlatformPrefix,
			CreatedAt:      rec.CreatedAt,
			EditedAt:       editedAt,
			Files:          files,
		},
	})
}

func (p *Platform) onMessageDelete(s *discordgo.Session, m *discordgo.MessageDelete) {
	p.processDeletes(m.ChannelID, []string{m.ID})
}

func (p *Platform) onMessageDeleteBulk(s *discordgo.Session, m *discordgo.MessageDeleteBulk) {
	p.processDeletes(m.ChannelID, m.Messages)
}

// processDeletes marks the affected records deleted before queueing the
// fan-out.
func (p *Platform) processDeletes(channelID string, ids []string) {
	group := message.PlatformDiscord + "/" + channelID
	if !p.topo.Contains(group) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var recs []*message.Record
	for _, id := range ids {
		rec, err := p.records.FindForUpdate(ctx, group, id, p.connected)
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
		if marked {
			recs = append(recs, rec)
		}
	}
	if len(recs) == 0 {
		return
	}
	p.HandleTask(&bus.Task{Action: bus.ActionDelete, FromGroup: group, Deleted: recs})
}

// handleTextCommand serves the IRC lookups when issued as plain messages,
// e.g. "!ircwhois somenick". Reports whether the message was a command.
func (p *Platform) handleTextCommand(m *discordgo.MessageCreate, group string) bool {
	if !strings.HasPrefix(m.Content, "!irc") {
		return false
	}
	command, target, _ := strings.Cut(m.Content, " ")

	var action string
	switch command {
	case "!ircnames":
		action = bus.ActionNames
	case "!ircwhois":
		action = bus.ActionWhois
	case "!ircwhowas":
		action = bus.ActionWhowas
	default:
		return false
	}

	channelID := m.ChannelID
	p.HandleTask(&bus.Task{
		Action:    action,
		FromGroup: group,
		Target:    strings.TrimSpace(target),
		Reply: func(ctx context.Context, text string) error {
			_, err := p.session.ChannelMessageSend(channelID, text)
			return err
		},
	})
	return true
}

func (p *Platform) onInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := i.ApplicationCommandData()

	var action string
	switch data.Name {
	case "ircnames":
		action = bus.ActionNames
	case "ircwhois":
		action = bus.ActionWhois
	case "ircwhowas":
		action = bus.ActionWhowas
	default:
		return
	}

	target := ""
	for _, opt := range data.Options {
		if opt.Name == "nick" {
			target = opt.StringValue()
		}
	}

	// Acknowledge immediately; the worker fills in the answer once the IRC
	// round trip finishes.
	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}); err != nil {
		p.logger.Warn("could not defer interaction", "command", data.Name, "error", err)
		return
	}

	interaction := i.Interaction
	p.HandleTask(&bus.Task{
		Action:    action,
		FromGroup: message.PlatformDiscord + "/" + i.ChannelID,
		Target:    target,
		Reply: func(ctx context.Context, text string) error {
			_, err := s.InteractionResponseEdit(interaction, &discordgo.WebhookEdit{Content: &text})
			return err
		},
	})
}

// Send delivers relay text, with any attachments, to a Discord channel.
// Long messages are split at newlines below the 2000 character limit. The
// id of the first message sent is reported.
func (p *Platform) Send(ctx context.Context, req channels.SendRequest) (channels.SendResult, error) {
	if !p.IsRunning() {
		return channels.SendResult{}, fmt.Errorf("discord bot not running")
	}

	chunks := splitMessage(req.Text)
	send := &discordgo.MessageSend{Content: chunks[0]}

	if req.ReplyToID != "" {
		send.Reference = &discordgo.MessageReference{MessageID: req.ReplyToID, ChannelID: req.GroupID}
		send.AllowedMentions = &discordgo.MessageAllowedMentions{}
	}

	var open []*os.File
	defer func() {
		for _, f := range open {
			f.Close()
		}
	}()
	if req.Message != nil {
		for _, file := range req.Message.Files {
			if file.IsEmpty() {
				continue
			}
			r, err := os.Open(file.LocalPath)
			if err != nil {
				p.logger.Warn("could not open media file", "path", file.LocalPath, "error", err)
				continue
			}
			open = append(open, r)
			name := file.Metadata.Filename
			if name == "" {
				name = filepath.Base(file.LocalPath)
			}
			if file.Metadata.Spoiler {
				name = spoilerPrefix + name
			}
			send.Files = append(send.Files, &discordgo.File{Name: name, Reader: r})
		}
	}

	first, err := p.session.ChannelMessageSendComplex(req.GroupID, send)
	if err != nil {
		return channels.SendResult{}, fmt.Errorf("send discord message: %w", err)
	}
	for _, chunk := range chunks[1:] {
		if _, err := p.session.ChannelMessageSend(req.GroupID, chunk); err != nil {
			return channels.SendResult{}, fmt.Errorf("send discord message: %w", err)
		}
	}
	return channels.SendResult{MessageIDs: []string{first.ID}, Text: req.Text}, nil
}

// Edit replaces the text, and any attachments, of an already relayed
// message.
func (p *Platform) Edit(ctx context.Context, req channels.EditRequest) error {
	text := req.Text
	if len(text) > maxMessageLen {
		text = text[:maxMessageLen]
	}
	edit := discordgo.NewMessageEdit(req.GroupID, req.MessageID).SetContent(text)

	var open []*os.File
	defer func() {
		for _, f := range open {
			f.Close()
		}
	}()
	if req.Message != nil {
		for _, file := range req.Message.Files {
			if file.IsEmpty() {
				continue
			}
			r, err := os.Open(file.LocalPath)
			if err != nil {
				p.logger.Warn("could not open media file", "path", file.LocalPath, "error", err)
				continue
			}
			open = append(open, r)
			name := file.Metadata.Filename
			if name == "" {
				name = filepath.Base(file.LocalPath)
			}
			if file.Metadata.Spoiler {
				name = spoilerPrefix + name
			}
			edit.Files = append(edit.Files, &discordgo.File{Name: name, Reader: r})
		}
	}
	// Dropping the old attachment list makes the new files replace them
	// instead of piling up.
	if len(edit.Files) > 0 {
		edit.Attachments = &[]*discordgo.MessageAttachment{}
	}

	if _, err := p.session.ChannelMessageEditComplex(edit); err != nil {
		return fmt.Errorf("edit discord message: %w", err)
	}
	return nil
}

// Delete removes relayed messages from a channel.
func (p *Platform) Delete(ctx context.Context, groupID string, messageIDs []string) error {
	for _, id := range messageIDs {
		if id == "" {
			continue
		}
		if err := p.session.ChannelMessageDelete(groupID, id); err != nil {
			return fmt.Errorf("delete discord message %s: %w", id, err)
		}
	}
	return nil
}

// splitMessage cuts text into gateway-sized chunks, preferring newline
// boundaries.
func splitMessage(text string) []string {
	if text == "" {
		return []string{""}
	}
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxMessageLen {
			chunks = append(chunks, text)
			break
		}
		cutAt := maxMessageLen
		if idx := strings.LastIndexByte(text[:maxMessageLen], '\n'); idx > maxMessageLen/2 {
			cutAt = idx + 1
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}
