package telegram

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	relaymsg "github.com/tribridge/tribridge/internal/message"
)

const (
	// pollerWarmup delays the first poll so the client is fully connected
	// and the update gap is settled.
	pollerWarmup = 30 * time.Second

	// pollerInterval spaces the reconciliation loops.
	pollerInterval = 3 * time.Second

	// pollerWindow is how many recent records are checked per group.
	pollerWindow = 500

	// pollerBatch caps the ids per ChannelsGetMessages call.
	pollerBatch = 100
)

// RunPoller reconciles deletions that arrived while the bridge was down.
// Telegram does not replay delete updates, so recent records are compared
// against the channel history: ids the server reports as empty were
// deleted and are relayed as such. Blocks until ctx is canceled.
func (p *Platform) RunPoller(ctx context.Context) error {
	select {
	case <-time.After(pollerWarmup):
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		for _, group := range p.topo.ChannelsOn(relaymsg.PlatformTelegram) {
			marked, err := strconv.ParseInt(strings.TrimPrefix(group, relaymsg.PlatformTelegram+"/"), 10, 64)
			if err != nil || marked > -channelMarkBase {
				// Only channels and supergroups keep addressable history.
				continue
			}
			if err := p.pollGroup(ctx, group, marked); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if wait, ok := tgerr.AsFloodWait(err); ok {
					p.logger.Warn("poller hit flood wait", "group", group, "wait", wait)
					select {
					case <-time.After(wait + time.Second):
					case <-ctx.Done():
						return ctx.Err()
					}
					continue
				}
				p.logger.Warn("poll failed", "group", group, "error", err)
			}
		}

		select {
		case <-time.After(pollerInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Platform) pollGroup(ctx context.Context, group string, marked int64) error {
	recs, err := p.records.RecentBridgeEntries(ctx, group, pollerWindow)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}

	var ids []int
	for _, rec := range recs {
		if idStr, ok := rec.EntryFor(group); ok && idStr != "" {
			if id, err := strconv.Atoi(idStr); err == nil {
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		return nil
	}

	channel, err := p.inputChannel(ctx, marked)
	if err != nil {
		return err
	}

	for start := 0; start < len(ids); start += pollerBatch {
		end := min(start+pollerBatch, len(ids))
		deleted, err := p.missingMessages(ctx, channel, ids[start:end])
		if err != nil {
			return err
		}
		p.processDeletes(ctx, []string{group}, deleted)
	}
	return nil
}

// missingMessages asks the server for the given ids and returns those it
// no longer has.
func (p *Platform) missingMessages(ctx context.Context, channel *tg.InputChannel, ids []int) ([]int, error) {
	req := &tg.ChannelsGetMessagesRequest{Channel: channel}
	for _, id := range ids {
		req.ID = append(req.ID, &tg.InputMessageID{ID: id})
	}

	res, err := p.api.ChannelsGetMessages(ctx, req)
	if err != nil {
		return nil, err
	}
	msgs, ok := res.(*tg.MessagesChannelMessages)
	if !ok {
		return nil, nil
	}

	var deleted []int
	for _, m := range msgs.Messages {
		if empty, ok := m.(*tg.MessageEmpty); ok {
			deleted = append(deleted, empty.ID)
		}
	}
	return deleted, nil
}
