// Package bridge derives the directed peer-graph from configuration and
// applies the outbound-only update rule.
package bridge

import (
	"log/slog"
	"strings"

	"github.com/tribridge/tribridge/internal/message"
)

// Split breaks a channel ID like "telegram/-1001234" into its platform and
// native id parts. The native id may itself contain slashes.
func Split(channelID string) (platform, nativeID string) {
	platform, nativeID, _ = strings.Cut(channelID, "/")
	return platform, nativeID
}

// Topology maps each channel ID to its outbound peers. It is built once at
// startup and read-only afterwards.
type Topology map[string][]string

// New builds a topology from the Bridge config groups. Within a group every
// member's peers are the other members. A channel appearing in two groups is
// legal; the later group wins and a warning is logged.
func New(groups [][]string) Topology {
	topo := make(Topology)
	for _, members := range groups {
		for _, group := range members {
			if _, ok := topo[group]; ok {
				slog.Warn("duplicate mapping in bridge config, previous mapping will be overwritten", "group", group)
			}
			peers := make([]string, 0, len(members)-1)
			for _, g := range members {
				if g != group {
					peers = append(peers, g)
				}
			}
			topo[group] = peers
		}
	}
	return topo
}

// Peers returns the outbound peer channel IDs of a group, or nil for an
// unknown group.
func (t Topology) Peers(group string) []string { return t[group] }

// Contains reports whether the channel ID takes part in any bridge group.
func (t Topology) Contains(group string) bool {
	_, ok := t[group]
	return ok
}

// GroupsOn lists the native ids of all bridged channels on one platform.
func (t Topology) GroupsOn(platform string) []string {
	var ids []string
	for group := range t {
		if p, native := Split(group); p == platform {
			ids = append(ids, native)
		}
	}
	return ids
}

// ChannelsOn lists the full channel IDs of all bridged channels on one
// platform.
func (t Topology) ChannelsOn(platform string) []string {
	var ids []string
	for group := range t {
		if p, _ := Split(group); p == platform {
			ids = append(ids, group)
		}
	}
	return ids
}

// HasPeerOn reports whether a group is bridged to at least one channel on
// the given platform. IRC-backed commands are only honored in such groups.
func (t Topology) HasPeerOn(group, platform string) bool {
	for _, peer := range t[group] {
		if p, _ := Split(peer); p == platform {
			return true
		}
	}
	return false
}

// UpdateTargets filters a record's bridge entries down to the outbound
// peers of the originating group. When a message traveled A→C→D, a delete
// observed in C must only reach D, never bounce back to A: the origin has
// already committed its own event.
func (t Topology) UpdateTargets(entries []message.BridgeEntry, origin string) []message.BridgeEntry {
	outbound := make(map[string]bool, len(t[origin]))
	for _, peer := range t[origin] {
		outbound[peer] = true
	}
	var filtered []message.BridgeEntry
	for _, e := range entries {
		if outbound[e.Group] {
			filtered = append(filtered, e)
		}
	}
	return filtered
}
