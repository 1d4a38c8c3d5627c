package relay

import (
	"slices"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// ChannelIDFor derives the id of the channel shared by a and b. The result
// does not depend on argument order, and the length prefix keeps distinct
// pairs from colliding when ids contain the separator.
func ChannelIDFor(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "dm:" + strconv.Itoa(len(a)) + ":" + a + ":" + b
}

// PairOf recovers the two user ids a channel id was derived from. ok is
// false for ids ChannelIDFor cannot produce.
func PairOf(channelID string) (a, b string, ok bool) {
	rest, found := strings.CutPrefix(channelID, "dm:")
	if !found {
		return "", "", false
	}
	digits, rest, found := strings.Cut(rest, ":")
	if !found {
		return "", "", false
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 0 || n >= len(rest) || rest[n] != ':' {
		return "", "", false
	}
	a, b = rest[:n], rest[n+1:]
	if ChannelIDFor(a, b) != channelID {
		return "", "", false
	}
	return a, b, true
}

// ChannelDirectory tracks channel membership by user id. A channel exists
// only while it has at least one member. It is not safe for concurrent use;
// the Router serializes access.
type ChannelDirectory struct {
	channels map[string]map[string]struct{}
	byUser   map[string]map[string]struct{}
}

func NewChannelDirectory() *ChannelDirectory {
	return &ChannelDirectory{
		channels: make(map[string]map[string]struct{}),
		byUser:   make(map[string]map[string]struct{}),
	}
}

// Open ensures the channel shared by a and b exists with both as members
// and returns its id. created is true when the channel did not exist.
func (d *ChannelDirectory) Open(a, b string) (channelID string, created bool) {
	channelID = ChannelIDFor(a, b)
	created = !d.Exists(channelID)
	d.join(channelID, a)
	d.join(channelID, b)
	return channelID, created
}

// Readmit adds userID back to an existing channel. It reports false when the
// channel no longer exists.
func (d *ChannelDirectory) Readmit(channelID, userID string) bool {
	if !d.Exists(channelID) {
		return false
	}
	d.join(channelID, userID)
	return true
}

func (d *ChannelDirectory) join(channelID, userID string) {
	members, ok := d.channels[channelID]
	if !ok {
		members = make(map[string]struct{})
		d.channels[channelID] = members
	}
	members[userID] = struct{}{}

	joined, ok := d.byUser[userID]
	if !ok {
		joined = make(map[string]struct{})
		d.byUser[userID] = joined
	}
	joined[channelID] = struct{}{}
}

// Leave removes userID from channelID. It returns the members left behind
// and whether userID was a member at all. The channel is deleted when its
// last member leaves.
func (d *ChannelDirectory) Leave(userID, channelID string) (remaining []string, wasMember bool) {
	members, ok := d.channels[channelID]
	if !ok {
		return nil, false
	}
	if _, ok := members[userID]; !ok {
		return sortedKeys(members), false
	}

	delete(members, userID)
	if joined, ok := d.byUser[userID]; ok {
		delete(joined, channelID)
		if len(joined) == 0 {
			delete(d.byUser, userID)
		}
	}
	if len(members) == 0 {
		delete(d.channels, channelID)
		return nil, true
	}
	return sortedKeys(members), true
}

func (d *ChannelDirectory) Exists(channelID string) bool {
	_, ok := d.channels[channelID]
	return ok
}

func (d *ChannelDirectory) IsMember(channelID, userID string) bool {
	_, ok := d.channels[channelID][userID]
	return ok
}

// Members returns the members of channelID in sorted order.
func (d *ChannelDirectory) Members(channelID string) []string {
	return sortedKeys(d.channels[channelID])
}

// Others returns the members of channelID except userID, sorted.
func (d *ChannelDirectory) Others(channelID, userID string) []string {
	return lo.Without(d.Members(channelID), userID)
}

// ChannelsOf returns the channels userID belongs to, sorted.
func (d *ChannelDirectory) ChannelsOf(userID string) []string {
	return sortedKeys(d.byUser[userID])
}

func (d *ChannelDirectory) Len() int {
	return len(d.channels)
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	keys := lo.Keys(set)
	slices.Sort(keys)
	return keys
}
