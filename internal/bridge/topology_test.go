package bridge

import (
	"reflect"
	"sort"
	"testing"

	"github.com/tribridge/tribridge/internal/message"
)

// TestSplit verifies channel ID parsing, including native ids that contain
// slashes.
func TestSplit(t *testing.T) {
	tests := []struct {
		name         string
		id           string
		wantPlatform string
		wantNative   string
	}{
		{name: "irc channel", id: "irc/#a", wantPlatform: "irc", wantNative: "#a"},
		{name: "telegram chat", id: "telegram/-1001234", wantPlatform: "telegram", wantNative: "-1001234"},
		{name: "nested slash", id: "irc/#a/b", wantPlatform: "irc", wantNative: "#a/b"},
		{name: "no slash", id: "irc", wantPlatform: "irc", wantNative: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			platform, native := Split(tt.id)
			if platform != tt.wantPlatform || native != tt.wantNative {
				t.Errorf("Split(%q) = (%q, %q), want (%q, %q)",
					tt.id, platform, native, tt.wantPlatform, tt.wantNative)
			}
		})
	}
}

// TestNew_PeersWithinGroup verifies that every group member is mapped to the
// other members of its group.
func TestNew_PeersWithinGroup(t *testing.T) {
	topo := New([][]string{{"irc/#a", "telegram/100", "discord/200"}})

	want := map[string][]string{
		"irc/#a":       {"telegram/100", "discord/200"},
		"telegram/100": {"irc/#a", "discord/200"},
		"discord/200":  {"irc/#a", "telegram/100"},
	}
	for group, peers := range want {
		if got := topo.Peers(group); !reflect.DeepEqual(got, peers) {
			t.Errorf("Peers(%q) = %v, want %v", group, got, peers)
		}
	}
}

// TestNew_DuplicateMembershipLastWins verifies last-write-wins when a channel
// appears in two groups: its peers come from the later group only.
func TestNew_DuplicateMembershipLastWins(t *testing.T) {
	topo := New([][]string{
		{"irc/#a", "telegram/100"},
		{"telegram/100", "discord/200"},
	})

	if got := topo.Peers("telegram/100"); !reflect.DeepEqual(got, []string{"discord/200"}) {
		t.Errorf("Peers(telegram/100) = %v, want [discord/200]", got)
	}
	// The first group's other members keep their original peers.
	if got := topo.Peers("irc/#a"); !reflect.DeepEqual(got, []string{"telegram/100"}) {
		t.Errorf("Peers(irc/#a) = %v, want [telegram/100]", got)
	}
}

// TestUpdateTargets_OutboundOnly verifies the outbound-only rule on the
// A→C→D chain: an update observed in C reaches D only, never A.
func TestUpdateTargets_OutboundOnly(t *testing.T) {
	topo := New([][]string{
		{"A", "C"},
		{"C", "D"},
	})
	entries := []message.BridgeEntry{
		{Group: "A", MessageID: "1"},
		{Group: "C", MessageID: "2"},
		{Group: "D", MessageID: "3"},
	}

	got := topo.UpdateTargets(entries, "C")
	if len(got) != 1 || got[0].Group != "D" {
		t.Errorf("UpdateTargets(C) = %v, want only D", got)
	}

	// An update from A reaches only C (C holds the record's relay there).
	got = topo.UpdateTargets(entries, "A")
	if len(got) != 1 || got[0].Group != "C" {
		t.Errorf("UpdateTargets(A) = %v, want only C", got)
	}
}

// TestUpdateTargets_NoOverlap verifies that an origin with no recorded peers
// yields an empty set.
func TestUpdateTargets_NoOverlap(t *testing.T) {
	topo := New([][]string{{"A", "B"}})
	entries := []message.BridgeEntry{{Group: "A", MessageID: "1"}}

	if got := topo.UpdateTargets(entries, "A"); len(got) != 0 {
		t.Errorf("UpdateTargets = %v, want empty", got)
	}
}

// TestGroupsOn verifies platform filtering of the topology.
func TestGroupsOn(t *testing.T) {
	topo := New([][]string{
		{"irc/#a", "telegram/100"},
		{"irc/#b", "discord/200"},
	})

	got := topo.GroupsOn("irc")
	sort.Strings(got)
	if !reflect.DeepEqual(got, []string{"#a", "#b"}) {
		t.Errorf("GroupsOn(irc) = %v, want [#a #b]", got)
	}

	chans := topo.ChannelsOn("telegram")
	if !reflect.DeepEqual(chans, []string{"telegram/100"}) {
		t.Errorf("ChannelsOn(telegram) = %v, want [telegram/100]", chans)
	}
}

// TestHasPeerOn verifies the IRC-command gating helper.
func TestHasPeerOn(t *testing.T) {
	topo := New([][]string{{"discord/200", "irc/#a"}, {"telegram/100", "discord/300"}})

	if !topo.HasPeerOn("discord/200", "irc") {
		t.Error("HasPeerOn(discord/200, irc) = false, want true")
	}
	if topo.HasPeerOn("telegram/100", "irc") {
		t.Error("HasPeerOn(telegram/100, irc) = true, want false")
	}
}
