package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/tribridge/tribridge/internal/bridge"
	"github.com/tribridge/tribridge/internal/bus"
	"github.com/tribridge/tribridge/internal/channels"
	"github.com/tribridge/tribridge/internal/filter"
	"github.com/tribridge/tribridge/internal/message"
)

// fakePlatform records every call and can be told to fail sends or to
// report several sent ids, the way an album send does.
type fakePlatform struct {
	name     string
	mu       sync.Mutex
	sends    []channels.SendRequest
	edits    []channels.EditRequest
	deletes  map[string][]string
	failSend bool
	sendIDs  []string
	nextID   int
}

func newFakePlatform(name string) *fakePlatform {
	return &fakePlatform{name: name, deletes: make(map[string][]string)}
}

func (f *fakePlatform) Name() string                     { return f.name }
func (f *fakePlatform) Start(ctx context.Context) error  { return nil }
func (f *fakePlatform) Stop(ctx context.Context) error   { return nil }
func (f *fakePlatform) IsRunning() bool                  { return true }

func (f *fakePlatform) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func (f *fakePlatform) Send(ctx context.Context, req channels.SendRequest) (channels.SendResult, error) {
	f.mu.Lock()
	f.sends = append(f.sends, req)
	f.mu.Unlock()
	if f.failSend {
		return channels.SendResult{}, fmt.Errorf("%s is down", f.name)
	}
	if f.sendIDs != nil {
		return channels.SendResult{MessageIDs: f.sendIDs, Text: req.Text}, nil
	}
	f.nextID++
	id := strconv.Itoa(f.nextID * 100)
	if f.name == message.PlatformIRC {
		id = ""
	}
	return channels.SendResult{MessageIDs: []string{id}, Text: req.Text}, nil
}

func (f *fakePlatform) Edit(ctx context.Context, req channels.EditRequest) error {
	f.edits = append(f.edits, req)
	return nil
}

func (f *fakePlatform) Delete(ctx context.Context, groupID string, ids []string) error {
	f.deletes[groupID] = append(f.deletes[groupID], ids...)
	return nil
}

type fakeStore struct {
	inserted []*message.Record
}

func (s *fakeStore) Insert(ctx context.Context, rec *message.Record) error {
	rec.ID = primitive.NewObjectID()
	s.inserted = append(s.inserted, rec)
	return nil
}

type fakeIRC struct {
	names []string
}

func (f *fakeIRC) Names(channel string) []string { return f.names }

func (f *fakeIRC) Whois(ctx context.Context, nick string) ([]string, error) {
	return []string{nick + " ~user host"}, nil
}

func (f *fakeIRC) Whowas(ctx context.Context, nick string) ([]string, error) {
	return nil, fmt.Errorf("no history")
}

func testTopology() bridge.Topology {
	return bridge.New([][]string{
		{"irc/#a", "telegram/-100", "discord/200"},
	})
}

func newTestWorker(t *testing.T, topo bridge.Topology, f *filter.Engine) (*Worker, map[string]*fakePlatform, *fakeStore) {
	t.Helper()
	fakes := map[string]*fakePlatform{
		message.PlatformIRC:      newFakePlatform(message.PlatformIRC),
		message.PlatformTelegram: newFakePlatform(message.PlatformTelegram),
		message.PlatformDiscord:  newFakePlatform(message.PlatformDiscord),
	}
	platforms := make(map[string]channels.Platform, len(fakes))
	for name, fp := range fakes {
		platforms[name] = fp
	}
	store := &fakeStore{}
	w := New(bus.New(), topo, platforms, store, f, &fakeIRC{names: []string{"alice", "bob"}}, slog.Default())
	return w, fakes, store
}

// TestForward_FanOutToAllPeers verifies that a message reaches every peer
// of its origin and that the record lists origin first.
func TestForward_FanOutToAllPeers(t *testing.T) {
	w, fakes, store := newTestWorker(t, testTopology(), nil)

	w.forward(context.Background(), &message.Message{
		Text:           "hello",
		FromNick:       "alice",
		FromGroup:      "telegram/-100",
		FromMessageID:  "5",
		PlatformPrefix: "T",
	})

	if len(fakes[message.PlatformIRC].sends) != 1 || len(fakes[message.PlatformDiscord].sends) != 1 {
		t.Fatal("message did not reach both peers")
	}
	if len(fakes[message.PlatformTelegram].sends) != 0 {
		t.Error("message was echoed back to its origin platform")
	}

	if len(store.inserted) != 1 {
		t.Fatal("record was not inserted")
	}
	entries := store.inserted[0].BridgeMessages
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(entries))
	}
	if entries[0].Group != "telegram/-100" || entries[0].MessageID != "5" {
		t.Errorf("first entry = %+v, want the origin", entries[0])
	}
}

// TestForward_OutboundOnly verifies that peers of the target are not
// reached transitively.
func TestForward_OutboundOnly(t *testing.T) {
	topo := bridge.New([][]string{
		{"irc/#a", "telegram/-100"},
		{"telegram/-100", "discord/200"},
	})
	w, fakes, _ := newTestWorker(t, topo, nil)

	w.forward(context.Background(), &message.Message{
		Text:          "hi",
		FromGroup:     "irc/#a",
		FromMessageID: "",
	})

	if len(fakes[message.PlatformTelegram].sends) != 1 {
		t.Error("direct peer was not reached")
	}
	if len(fakes[message.PlatformDiscord].sends) != 0 {
		t.Error("message leaked to a peer of the peer")
	}
}

// TestForward_PartialFailure verifies that a failed delivery yields an
// entry without a message id and does not block the other peers.
func TestForward_PartialFailure(t *testing.T) {
	w, fakes, store := newTestWorker(t, testTopology(), nil)
	fakes[message.PlatformDiscord].failSend = true

	w.forward(context.Background(), &message.Message{
		Text:          "hello",
		FromGroup:     "telegram/-100",
		FromMessageID: "5",
	})

	if len(store.inserted) != 1 {
		t.Fatal("record was not inserted despite the failure")
	}
	var discordEntry *message.BridgeEntry
	for i := range store.inserted[0].BridgeMessages {
		if store.inserted[0].BridgeMessages[i].Group == "discord/200" {
			discordEntry = &store.inserted[0].BridgeMessages[i]
		}
	}
	if discordEntry == nil {
		t.Fatal("failed peer has no entry")
	}
	if discordEntry.MessageID != "" {
		t.Errorf("failed peer MessageID = %q, want empty", discordEntry.MessageID)
	}
}

// TestForward_AlbumRecordsEveryID verifies that a delivery returning
// several message ids yields one bridge entry per id.
func TestForward_AlbumRecordsEveryID(t *testing.T) {
	w, fakes, store := newTestWorker(t, testTopology(), nil)
	fakes[message.PlatformTelegram].sendIDs = []string{"101", "102", "103"}

	w.forward(context.Background(), &message.Message{
		Text:          "album",
		FromGroup:     "discord/200",
		FromMessageID: "900",
	})

	var got []string
	for _, e := range store.inserted[0].BridgeMessages {
		if e.Group == "telegram/-100" {
			got = append(got, e.MessageID)
		}
	}
	want := []string{"101", "102", "103"}
	if len(got) != len(want) {
		t.Fatalf("telegram bridge entries = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

// TestForward_FilterSkipsPeer verifies per-peer filtering.
func TestForward_FilterSkipsPeer(t *testing.T) {
	f, err := filter.NewEngine([]filter.Rule{{Event: "receive", Group: `^discord/200$`}})
	if err != nil {
		t.Fatal(err)
	}
	w, fakes, store := newTestWorker(t, testTopology(), f)

	w.forward(context.Background(), &message.Message{
		Text:          "hello",
		FromGroup:     "telegram/-100",
		FromMessageID: "5",
	})

	if len(fakes[message.PlatformDiscord].sends) != 0 {
		t.Error("filtered peer still received the message")
	}
	if len(fakes[message.PlatformIRC].sends) != 1 {
		t.Error("unfiltered peer was skipped")
	}
	for _, e := range store.inserted[0].BridgeMessages {
		if e.Group == "discord/200" {
			t.Error("filtered peer got a bridge entry")
		}
	}
}

// TestForward_ReplyResolution verifies that replies map to the copy of the
// replied-to message in each target group.
func TestForward_ReplyResolution(t *testing.T) {
	w, fakes, _ := newTestWorker(t, testTopology(), nil)

	orig := &message.Record{
		ID: primitive.NewObjectID(),
		BridgeMessages: []message.BridgeEntry{
			{Group: "telegram/-100", MessageID: "5"},
			{Group: "discord/200", MessageID: "900"},
			{Group: "irc/#a"},
		},
	}

	w.forward(context.Background(), &message.Message{
		Text:          "replying",
		FromGroup:     "telegram/-100",
		FromMessageID: "6",
		ReplyTo:       orig,
	})

	dc := fakes[message.PlatformDiscord].sends
	if len(dc) != 1 || dc[0].ReplyToID != "900" {
		t.Errorf("discord ReplyToID = %q, want %q", dc[0].ReplyToID, "900")
	}
	irc := fakes[message.PlatformIRC].sends
	if len(irc) != 1 || irc[0].ReplyToID != "" {
		t.Errorf("irc ReplyToID = %q, want empty", irc[0].ReplyToID)
	}
}

// TestForward_UnknownPlatform verifies that an unbridgeable peer still
// gets an empty entry so later edits see the gap.
func TestForward_UnknownPlatform(t *testing.T) {
	topo := bridge.New([][]string{{"telegram/-100", "matrix/!room"}})
	w, _, store := newTestWorker(t, topo, nil)

	w.forward(context.Background(), &message.Message{
		Text:          "hi",
		FromGroup:     "telegram/-100",
		FromMessageID: "5",
	})

	entries := store.inserted[0].BridgeMessages
	if len(entries) != 2 || entries[1].Group != "matrix/!room" || entries[1].MessageID != "" {
		t.Errorf("entries = %+v, want empty entry for unknown platform", entries)
	}
}

// TestHandleEdit verifies that edit-capable platforms are edited once per
// group and IRC gets a notice.
func TestHandleEdit(t *testing.T) {
	w, fakes, _ := newTestWorker(t, testTopology(), nil)

	rec := &message.Record{
		ID:   primitive.NewObjectID(),
		Text: "old text",
		BridgeMessages: []message.BridgeEntry{
			{Group: "discord/200", MessageID: "900"},
			{Group: "irc/#a"},
		},
	}
	w.handleTask(context.Background(), &bus.Task{
		Action:    bus.ActionEdit,
		FromGroup: "telegram/-100",
		Edited:    rec,
		NewMessage: &message.Message{
			Text:           "new text",
			FromNick:       "alice",
			FromGroup:      "telegram/-100",
			PlatformPrefix: "T",
			EditedAt:       time.Now(),
			Files:          []message.File{{Type: "photo", LocalPath: "/tmp/new.jpg"}},
		},
	})

	edits := fakes[message.PlatformDiscord].edits
	if len(edits) != 1 {
		t.Fatal("discord copy was not edited")
	}
	if got := edits[0].MessageID; got != "900" {
		t.Errorf("edited MessageID = %q, want %q", got, "900")
	}
	if edits[0].Message == nil || len(edits[0].Message.Files) != 1 {
		t.Error("edit request does not carry the new media")
	}
	ircSends := fakes[message.PlatformIRC].sends
	if len(ircSends) != 1 {
		t.Fatal("irc got no edit notice")
	}
	if want := "\x1eold text\x1e \x02\x0312was edited to:\x03\x02 new text"; ircSends[0].Text != want {
		t.Errorf("irc notice = %q, want %q", ircSends[0].Text, want)
	}
}

// TestHandleDelete verifies batched deletion with a single IRC notice per
// channel.
func TestHandleDelete(t *testing.T) {
	w, fakes, _ := newTestWorker(t, testTopology(), nil)

	recs := []*message.Record{
		{Text: "first", BridgeMessages: []message.BridgeEntry{
			{Group: "discord/200", MessageID: "900"},
			{Group: "irc/#a"},
		}},
		{Text: "second", BridgeMessages: []message.BridgeEntry{
			{Group: "discord/200", MessageID: "901"},
			{Group: "irc/#a"},
		}},
	}
	w.handleTask(context.Background(), &bus.Task{
		Action:    bus.ActionDelete,
		FromGroup: "telegram/-100",
		Deleted:   recs,
	})

	if got := fakes[message.PlatformDiscord].deletes["200"]; len(got) != 2 {
		t.Errorf("discord deletes = %v, want both ids", got)
	}
	if len(fakes[message.PlatformIRC].sends) != 1 {
		t.Errorf("irc notices = %d, want exactly one per channel per batch", len(fakes[message.PlatformIRC].sends))
	}
	want := "\x1efirst\x1e and 1 more messages \x02\x0304were deleted\x03\x02"
	if got := fakes[message.PlatformIRC].sends[0].Text; got != want {
		t.Errorf("irc notice = %q, want %q", got, want)
	}
}

// TestHandleCommand_Names verifies the member list command round trip.
func TestHandleCommand_Names(t *testing.T) {
	w, _, _ := newTestWorker(t, testTopology(), nil)

	var got string
	w.handleTask(context.Background(), &bus.Task{
		Action:    bus.ActionNames,
		FromGroup: "telegram/-100",
		Reply: func(ctx context.Context, text string) error {
			got = text
			return nil
		},
	})

	if want := "`#a: alice bob`"; got != want {
		t.Errorf("reply = %q, want %q", got, want)
	}
}

// TestHandleCommand_NamesTarget verifies the presence check when a target
// nick is given.
func TestHandleCommand_NamesTarget(t *testing.T) {
	w, _, _ := newTestWorker(t, testTopology(), nil)

	ask := func(target string) string {
		var got string
		w.handleTask(context.Background(), &bus.Task{
			Action:    bus.ActionNames,
			FromGroup: "telegram/-100",
			Target:    target,
			Reply: func(ctx context.Context, text string) error {
				got = text
				return nil
			},
		})
		return got
	}

	if got, want := ask("Alice"), "Alice is on #a"; got != want {
		t.Errorf("reply = %q, want %q", got, want)
	}
	if got, want := ask("carol"), "carol is not on #a"; got != want {
		t.Errorf("reply = %q, want %q", got, want)
	}
}

// TestHandleCommand_NoIRCPeer verifies the error reply for groups without
// a bridged IRC channel.
func TestHandleCommand_NoIRCPeer(t *testing.T) {
	topo := bridge.New([][]string{{"telegram/-100", "discord/200"}})
	w, _, _ := newTestWorker(t, topo, nil)

	var got string
	w.handleTask(context.Background(), &bus.Task{
		Action:    bus.ActionWhois,
		FromGroup: "telegram/-100",
		Target:    "alice",
		Reply: func(ctx context.Context, text string) error {
			got = text
			return nil
		},
	})

	if got != "no IRC channel is bridged to this group" {
		t.Errorf("reply = %q", got)
	}
}

// TestRun_ConsumesUntilCanceled verifies the loop exits on cancellation.
func TestRun_ConsumesUntilCanceled(t *testing.T) {
	q := bus.New()
	w, fakes, _ := newTestWorker(t, testTopology(), nil)
	w.router = q

	q.PublishMessage(&message.Message{Text: "hi", FromGroup: "irc/#a"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for fakes[message.PlatformTelegram].sendCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("message was not consumed")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Error("Run did not stop after cancellation")
	}
}
