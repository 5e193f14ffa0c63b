// Package irc connects the relay to an IRC network.
package irc

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ergochat/irc-go/ircevent"
	"github.com/ergochat/irc-go/ircmsg"

	"github.com/tribridge/tribridge/internal/bridge"
	"github.com/tribridge/tribridge/internal/bus"
	"github.com/tribridge/tribridge/internal/channels"
	"github.com/tribridge/tribridge/internal/config"
	"github.com/tribridge/tribridge/internal/media"
	"github.com/tribridge/tribridge/internal/message"
)

const (
	// IRC lines are capped well below the 512-byte protocol limit to leave
	// room for the server-added prefix.
	maxLineLen = 500

	rplEndOfMOTD     = "376"
	errNoMOTD        = "422"
	rplNamReply      = "353"
	rplEndOfWhois    = "318"
	rplEndOfWhowas   = "369"
	errWasNoSuchNick = "406"
	errNoSuchNick    = "401"

	// Delay between chunks of a long message so the server does not drop
	// us for flooding.
	interChunkDelay = time.Second
	rpcTimeout      = 2 * time.Second
)

// Activity answers whether a user was recently active in a channel. It is
// backed by the message store and gates membership system events so quiet
// lurkers do not produce join/part noise on the other platforms.
type Activity interface {
	RecentActiveGroups(ctx context.Context, userID string) ([]string, error)
}

// Platform is the IRC side of the relay.
type Platform struct {
	*channels.BasePlatform

	cfg      config.IRCConfig
	topo     bridge.Topology
	host     *media.Host
	activity Activity
	logger   *slog.Logger

	conn *ircevent.Connection

	mu      sync.Mutex
	members map[string]map[string]bool
	pending map[string]*rpcCall
}

type rpcCall struct {
	lines []string
	done  chan struct{}
}

// New builds the IRC platform. Start must be called before it produces or
// accepts messages.
func New(cfg config.IRCConfig, topo bridge.Topology, router bus.Router, host *media.Host, activity Activity, logger *slog.Logger) *Platform {
	p := &Platform{
		BasePlatform: channels.NewBasePlatform(message.PlatformIRC, router),
		cfg:          cfg,
		topo:         topo,
		host:         host,
		activity:     activity,
		logger:       logger,
		members:      make(map[string]map[string]bool),
		pending:      make(map[string]*rpcCall),
	}

	conn := &ircevent.Connection{
		Server:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Nick:     cfg.Nick,
		User:     cfg.Username,
		RealName: cfg.RealName,
		UseTLS:   cfg.SSL,
	}
	if cfg.SSL {
		conn.TLSConfig = &tls.Config{ServerName: cfg.Host}
	}

	conn.AddCallback(rplEndOfMOTD, p.onReady)
	conn.AddCallback(errNoMOTD, p.onReady)
	conn.AddCallback("PRIVMSG", p.onPrivmsg)
	conn.AddCallback("JOIN", p.onJoin)
	conn.AddCallback("PART", p.onPart)
	conn.AddCallback("QUIT", p.onQuit)
	conn.AddCallback("KICK", p.onKick)
	conn.AddCallback("NICK", p.onNick)
	conn.AddCallback(rplNamReply, p.onNames)
	for _, code := range []string{"301", "311", "312", "313", "314", "317", "319"} {
		conn.AddCallback(code, p.onInfoReply)
	}
	conn.AddCallback(rplEndOfWhois, p.onInfoEnd)
	conn.AddCallback(rplEndOfWhowas, p.onInfoEnd)
	conn.AddCallback(errNoSuchNick, p.onInfoError)
	conn.AddCallback(errWasNoSuchNick, p.onInfoError)

	p.conn = conn
	return p
}

// Start connects to the server and runs the read loop in the background.
func (p *Platform) Start(ctx context.Context) error {
	if err := p.conn.Connect(); err != nil {
		return fmt.Errorf("connect irc: %w", err)
	}
	go p.conn.Loop()
	return nil
}

// Stop sends QUIT and disconnects.
func (p *Platform) Stop(ctx context.Context) error {
	p.conn.Quit()
	p.SetRunning(false)
	return nil
}

// onReady runs once the MOTD is done: identify with NickServ, then join the
// bridged channels with a small stagger so the server accepts them all.
func (p *Platform) onReady(e ircmsg.Message) {
	go func() {
		if p.cfg.Password != "" {
			if err := p.conn.Send("PRIVMSG", "NickServ", "IDENTIFY "+p.cfg.Password); err != nil {
				p.logger.Warn("nickserv identify failed", "error", err)
			}
			time.Sleep(500 * time.Millisecond)
		}
		for _, ch := range p.topo.GroupsOn(message.PlatformIRC) {
			p.conn.Join(ch)
			p.logger.Info("joining irc channel", "channel", ch)
			time.Sleep(200 * time.Millisecond)
		}
		p.SetRunning(true)
	}()
}

func (p *Platform) onPrivmsg(e ircmsg.Message) {
	nick := e.Nick()
	if nick == p.conn.CurrentNick() {
		return
	}
	target, text := e.Params[0], e.Params[1]
	group := message.PlatformIRC + "/" + target
	if !p.topo.Contains(group) {
		return
	}

	p.HandleMessage(&message.Message{
		Text:           text,
		FromUserID:     message.PlatformIRC + "/" + hostOf(e.Source),
		FromNick:       nick,
		FromGroup:      group,
		PlatformPrefix: p.cfg.PlatformPrefix,
		CreatedAt:      time.Now(),
	})
}

// hostOf extracts the host from a "nick!user@host" source. Activity is
// keyed on the host so it survives nick changes.
func hostOf(source string) string {
	if i := strings.IndexByte(source, '@'); i >= 0 {
		return source[i+1:]
	}
	return source
}

func (p *Platform) onNames(e ircmsg.Message) {
	// 353 <me> <sym> <channel> :nick nick ...
	if len(e.Params) < 4 {
		return
	}
	channel := e.Params[2]
	p.mu.Lock()
	defer p.mu.Unlock()
	set := p.members[channel]
	if set == nil {
		set = make(map[string]bool)
		p.members[channel] = set
	}
	for _, nick := range strings.Fields(e.Params[3]) {
		set[strings.TrimLeft(nick, "@%+&~")] = true
	}
}

func (p *Platform) onJoin(e ircmsg.Message) {
	nick := e.Nick()
	channel := e.Params[0]
	p.mu.Lock()
	if p.members[channel] == nil {
		p.members[channel] = make(map[string]bool)
	}
	p.members[channel][nick] = true
	p.mu.Unlock()
}

func (p *Platform) onPart(e ircmsg.Message) {
	nick := e.Nick()
	channel := e.Params[0]
	p.mu.Lock()
	delete(p.members[channel], nick)
	p.mu.Unlock()
	if nick == p.conn.CurrentNick() {
		return
	}

	reason := ""
	if len(e.Params) > 1 {
		reason = e.Params[1]
	}
	text := fmt.Sprintf("%s has left IRC channel %s", nick, channel)
	if reason != "" {
		text += fmt.Sprintf(" (%s)", reason)
	}
	p.systemEvent(hostOf(e.Source), nick, channel, text)
}

func (p *Platform) onQuit(e ircmsg.Message) {
	nick := e.Nick()
	if nick == p.conn.CurrentNick() {
		return
	}
	reason := ""
	if len(e.Params) > 0 {
		reason = e.Params[0]
	}
	text := fmt.Sprintf("%s has quit IRC", nick)
	if reason != "" {
		text += fmt.Sprintf(" (%s)", reason)
	}
	for _, channel := range p.channelsWith(nick) {
		p.systemEvent(hostOf(e.Source), nick, channel, text)
	}
	p.mu.Lock()
	for _, set := range p.members {
		delete(set, nick)
	}
	p.mu.Unlock()
}

func (p *Platform) onKick(e ircmsg.Message) {
	if len(e.Params) < 2 {
		return
	}
	channel, kicked := e.Params[0], e.Params[1]
	p.mu.Lock()
	delete(p.members[channel], kicked)
	p.mu.Unlock()

	// The KICK message carries the kicker's source, not the kicked user's,
	// so there is no host to gate on.
	text := fmt.Sprintf("%s was kicked from IRC channel %s by %s", kicked, channel, e.Nick())
	p.systemEvent("", kicked, channel, text)
}

func (p *Platform) onNick(e ircmsg.Message) {
	oldNick := e.Nick()
	newNick := e.Params[0]
	channels := p.channelsWith(oldNick)
	p.mu.Lock()
	for _, set := range p.members {
		if set[oldNick] {
			delete(set, oldNick)
			set[newNick] = true
		}
	}
	p.mu.Unlock()

	text := fmt.Sprintf("%s is now known as %s", oldNick, newNick)
	for _, channel := range channels {
		p.systemEvent(hostOf(e.Source), oldNick, channel, text)
	}
}

func (p *Platform) channelsWith(nick string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for channel, set := range p.members {
		if set[nick] {
			out = append(out, channel)
		}
	}
	return out
}

// systemEvent relays a membership notice, but only when the user spoke in
// the channel recently. An empty host skips the activity gate for events
// that do not carry the affected user's source.
func (p *Platform) systemEvent(host, nick, channel, text string) {
	group := message.PlatformIRC + "/" + channel
	if !p.topo.Contains(group) {
		return
	}
	userID := message.PlatformIRC + "/" + host
	if host != "" && !p.recentlyActive(userID, group) {
		return
	}

	p.HandleMessage(&message.Message{
		System:         true,
		Text:           text,
		FromUserID:     userID,
		FromNick:       nick,
		FromGroup:      group,
		PlatformPrefix: p.cfg.PlatformPrefix,
		CreatedAt:      time.Now(),
	})
}

func (p *Platform) recentlyActive(userID, group string) bool {
	if p.activity == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	groups, err := p.activity.RecentActiveGroups(ctx, userID)
	if err != nil {
		p.logger.Warn("activity lookup failed", "user", userID, "error", err)
		return false
	}
	for _, g := range groups {
		if g == group {
			return true
		}
	}
	return false
}

// Send delivers relay text to an IRC channel. Messages spanning more lines
// than the configured limit are either truncated with a link to the full
// uploaded text or sent in max-line chunks with a flood-control delay. The
// text actually sent is returned so other IRC peers of the same message
// can reuse it.
func (p *Platform) Send(ctx context.Context, req channels.SendRequest) (channels.SendResult, error) {
	text, err := p.deliver(ctx, req.GroupID, req.Text)
	if err != nil {
		return channels.SendResult{}, err
	}
	return channels.SendResult{MessageIDs: []string{""}, Text: text}, nil
}

func (p *Platform) deliver(ctx context.Context, channel, text string) (string, error) {
	lines := strings.Split(text, "\n")
	maxLines := p.cfg.MaxLines
	if maxLines <= 0 {
		maxLines = len(lines)
	}

	if len(lines) > maxLines {
		if p.cfg.UploadLongMsg && p.host != nil {
			url, err := p.host.PutText(text)
			if err != nil {
				p.logger.Warn("long message upload failed", "error", err)
			} else {
				lines = uploadLines(lines, maxLines, url)
				if err := p.sendLines(channel, lines); err != nil {
					return "", err
				}
				return strings.Join(lines, "\n"), nil
			}
		}
		for start := 0; start < len(lines); start += maxLines {
			if start > 0 {
				select {
				case <-time.After(interChunkDelay):
				case <-ctx.Done():
					return "", ctx.Err()
				}
			}
			end := start + maxLines
			if end > len(lines) {
				end = len(lines)
			}
			if err := p.sendLines(channel, lines[start:end]); err != nil {
				return "", err
			}
		}
		return text, nil
	}

	if err := p.sendLines(channel, lines); err != nil {
		return "", err
	}
	return text, nil
}

// uploadLines truncates an over-long message to its first maxLines lines,
// making room on the last one for a link to the full text.
func uploadLines(lines []string, maxLines int, url string) []string {
	urlText := fmt.Sprintf("...\x02 Full text is at %s\x02", url)
	kept := append([]string(nil), lines[:maxLines]...)
	last := kept[maxLines-1]
	if len(last) > maxLineLen-len(urlText) {
		last = last[:maxLineLen-len(urlText)]
	}
	kept[maxLines-1] = last + urlText
	return kept
}

// sendLines emits lines to a channel, hard-splitting any that exceed the
// protocol limit.
func (p *Platform) sendLines(channel string, lines []string) error {
	for _, line := range lines {
		if line == "" {
			continue
		}
		for len(line) > maxLineLen {
			if err := p.conn.Privmsg(channel, line[:maxLineLen]); err != nil {
				return fmt.Errorf("send irc message: %w", err)
			}
			line = line[maxLineLen:]
		}
		if err := p.conn.Privmsg(channel, line); err != nil {
			return fmt.Errorf("send irc message: %w", err)
		}
	}
	return nil
}

// Edit is not supported by IRC. The worker sends an edited-notice message
// through Send instead.
func (p *Platform) Edit(ctx context.Context, req channels.EditRequest) error {
	return fmt.Errorf("irc does not support message edits")
}

// Delete is not supported by IRC. The worker sends a deleted-notice message
// through Send instead.
func (p *Platform) Delete(ctx context.Context, groupID string, messageIDs []string) error {
	return fmt.Errorf("irc does not support message deletion")
}

// Names returns the tracked member list of a channel.
func (p *Platform) Names(channel string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for nick := range p.members[channel] {
		out = append(out, nick)
	}
	return out
}

// Whois queries the server for a nick and returns the reply lines.
func (p *Platform) Whois(ctx context.Context, nick string) ([]string, error) {
	return p.infoRPC(ctx, "WHOIS", nick)
}

// Whowas queries the server's history for a nick.
func (p *Platform) Whowas(ctx context.Context, nick string) ([]string, error) {
	return p.infoRPC(ctx, "WHOWAS", nick)
}

func (p *Platform) infoRPC(ctx context.Context, command, nick string) ([]string, error) {
	key := strings.ToLower(nick)
	call := &rpcCall{done: make(chan struct{})}

	p.mu.Lock()
	if _, busy := p.pending[key]; busy {
		p.mu.Unlock()
		return nil, fmt.Errorf("%s for %s already in flight", command, nick)
	}
	p.pending[key] = call
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, key)
		p.mu.Unlock()
	}()

	if err := p.conn.Send(command, nick); err != nil {
		return nil, fmt.Errorf("send %s: %w", command, err)
	}

	select {
	case <-call.done:
		p.mu.Lock()
		lines := call.lines
		p.mu.Unlock()
		return lines, nil
	case <-time.After(rpcTimeout):
		return nil, fmt.Errorf("%s for %s timed out", command, nick)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// onInfoReply collects WHOIS and WHOWAS numerics addressed to a pending
// query. Params look like: <me> <nick> <fields...>.
func (p *Platform) onInfoReply(e ircmsg.Message) {
	if len(e.Params) < 2 {
		return
	}
	key := strings.ToLower(e.Params[1])
	p.mu.Lock()
	defer p.mu.Unlock()
	call, ok := p.pending[key]
	if !ok {
		return
	}
	call.lines = append(call.lines, strings.Join(e.Params[1:], " "))
}

func (p *Platform) onInfoEnd(e ircmsg.Message) {
	if len(e.Params) < 2 {
		return
	}
	key := strings.ToLower(e.Params[1])
	p.mu.Lock()
	defer p.mu.Unlock()
	if call, ok := p.pending[key]; ok {
		close(call.done)
		delete(p.pending, key)
	}
}

func (p *Platform) onInfoError(e ircmsg.Message) {
	if len(e.Params) < 2 {
		return
	}
	key := strings.ToLower(e.Params[1])
	p.mu.Lock()
	defer p.mu.Unlock()
	if call, ok := p.pending[key]; ok {
		call.lines = append(call.lines, "no such nick: "+e.Params[1])
		close(call.done)
		delete(p.pending, key)
	}
}
