package relay

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/Tyrowin/pester-relay/internal/metrics"
	"github.com/Tyrowin/pester-relay/internal/protocol"
	"github.com/Tyrowin/pester-relay/internal/relay/mocks"
)

const fixedMillis int64 = 1_700_000_000_000

type harness struct {
	router   *Router
	sessions *SessionRegistry
	channels *ChannelDirectory
	mailbox  *Mailbox
}

func newHarness(mode PresenceMode) *harness {
	h := &harness{
		sessions: NewSessionRegistry(),
		channels: NewChannelDirectory(),
		mailbox:  NewMailbox(DefaultMailboxCapacity),
	}
	h.router = NewRouter(Options{
		Sessions: h.sessions,
		Channels: h.channels,
		Mailbox:  h.mailbox,
		Metrics:  metrics.New("relay_test"),
		Presence: mode,
		Now:      func() time.Time { return time.UnixMilli(fixedMillis) },
	})
	return h
}

func (h *harness) handle(tr Transport, frame string) {
	h.router.Handle(tr, []byte(frame))
}

// connect registers userID on a fresh transport and discards the events
// produced by registration.
func (h *harness) connect(t *testing.T, userID string) *fakeTransport {
	t.Helper()
	tr := newFake()
	h.router.Connect(tr)
	h.handle(tr, fmt.Sprintf(`{"type":"register","userId":%q}`, userID))
	tr.drain(t)
	return tr
}

// pair connects alice and bob and opens their channel.
func (h *harness) pair(t *testing.T) (alice, bob *fakeTransport, channelID string) {
	t.Helper()
	alice = h.connect(t, "alice")
	bob = h.connect(t, "bob")
	h.handle(alice, `{"type":"open_channel","friendId":"bob"}`)
	alice.drain(t)
	bob.drain(t)
	return alice, bob, ChannelIDFor("alice", "bob")
}

func message(channelID, text string) string {
	return fmt.Sprintf(`{"type":"message","channelId":%q,"text":%q}`, channelID, text)
}

func requireSingleError(t *testing.T, tr *fakeTransport, want string) {
	t.Helper()
	events := tr.drain(t)
	require.Len(t, events, 1)
	assert.Equal(t, "error", events[0]["type"])
	assert.Equal(t, want, events[0]["message"])
}

func TestRouter_RegisterAcknowledges(t *testing.T) {
	h := newHarness(PresenceLeave)
	tr := newFake()
	h.router.Connect(tr)

	h.handle(tr, `{"type":"register","userId":"  alice  "}`)

	events := tr.drain(t)
	require.Len(t, events, 1)
	assert.Equal(t, "registered", events[0]["type"])
	assert.Equal(t, "alice", events[0]["userId"])
	assert.EqualValues(t, fixedMillis, events[0]["timestamp"])
	assert.True(t, h.sessions.Online("alice"))
}

func TestRouter_RegisterValidation(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  string
	}{
		{"missing", `{"type":"register"}`, protocol.MsgUserIDRequired},
		{"blank", `{"type":"register","userId":"   "}`, protocol.MsgUserIDRequired},
		{"not a string", `{"type":"register","userId":5}`, protocol.MsgUserIDRequired},
		{"too long", fmt.Sprintf(`{"type":"register","userId":%q}`, strings.Repeat("x", 65)), "userId must be at most 64 characters"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(PresenceLeave)
			tr := newFake()
			h.router.Connect(tr)
			h.handle(tr, tt.frame)
			requireSingleError(t, tr, tt.want)
			assert.Zero(t, h.sessions.Len())
		})
	}
}

func TestRouter_ProtocolErrorsKeepConnectionOpen(t *testing.T) {
	h := newHarness(PresenceLeave)
	tr := newFake()
	h.router.Connect(tr)

	h.handle(tr, `{not json`)
	requireSingleError(t, tr, protocol.MsgInvalidJSON)

	h.handle(tr, `{"type":"dance"}`)
	requireSingleError(t, tr, "Unknown message type: dance")

	assert.False(t, tr.isClosed())
	h.handle(tr, `{"type":"register","userId":"alice"}`)
	assert.Equal(t, []string{"registered"}, types(tr.drain(t)))
}

func TestRouter_UnregisteredConnection(t *testing.T) {
	h := newHarness(PresenceLeave)
	tr := newFake()
	h.router.Connect(tr)

	h.handle(tr, `{"type":"open_channel","friendId":"bob"}`)
	requireSingleError(t, tr, protocol.MsgRegisterFirst)

	h.handle(tr, message("dm:any", "hi"))
	requireSingleError(t, tr, protocol.MsgRegisterFirst)

	h.handle(tr, `{"type":"typing","channelId":"dm:any"}`)
	h.handle(tr, `{"type":"close_channel","channelId":"dm:any"}`)
	assert.Empty(t, tr.drain(t))
}

func TestRouter_OpenChannelWithOnlineFriend(t *testing.T) {
	h := newHarness(PresenceLeave)
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	h.handle(alice, `{"type":"open_channel","friendId":"bob"}`)

	channelID := ChannelIDFor("alice", "bob")
	opened := alice.drain(t)
	require.Len(t, opened, 1)
	assert.Equal(t, "channel_opened", opened[0]["type"])
	assert.Equal(t, channelID, opened[0]["channelId"])
	assert.Equal(t, "bob", opened[0]["friendId"])
	assert.Equal(t, true, opened[0]["friendOnline"])

	invites := bob.drain(t)
	require.Len(t, invites, 1)
	assert.Equal(t, "channel_invite", invites[0]["type"])
	assert.Equal(t, channelID, invites[0]["channelId"])
	assert.Equal(t, "alice", invites[0]["fromUserId"])

	assert.Equal(t, []string{"alice", "bob"}, h.channels.Members(channelID))
}

func TestRouter_OpenChannelWithOfflineFriend(t *testing.T) {
	h := newHarness(PresenceLeave)
	alice := h.connect(t, "alice")

	h.handle(alice, `{"type":"open_channel","friendId":"bob"}`)

	opened := alice.drain(t)
	require.Len(t, opened, 1)
	assert.Equal(t, false, opened[0]["friendOnline"])
	assert.True(t, h.channels.IsMember(ChannelIDFor("alice", "bob"), "bob"))
}

func TestRouter_OpenChannelRejectsSelfAndBlank(t *testing.T) {
	h := newHarness(PresenceLeave)
	alice := h.connect(t, "alice")

	h.handle(alice, `{"type":"open_channel","friendId":"alice"}`)
	requireSingleError(t, alice, protocol.MsgInvalidFriendID)

	h.handle(alice, `{"type":"open_channel","friendId":" "}`)
	requireSingleError(t, alice, protocol.MsgInvalidFriendID)

	assert.Zero(t, h.channels.Len())
}

func TestRouter_OpenChannelIsIdempotent(t *testing.T) {
	h := newHarness(PresenceLeave)
	alice, bob, channelID := h.pair(t)

	h.handle(bob, `{"type":"open_channel","friendId":"alice"}`)

	opened := bob.drain(t)
	require.Len(t, opened, 1)
	assert.Equal(t, channelID, opened[0]["channelId"])
	assert.Len(t, alice.drain(t), 1)
	assert.Equal(t, 1, h.channels.Len())
}

func TestRouter_MessageDeliveredToOthersOnly(t *testing.T) {
	h := newHarness(PresenceLeave)
	alice, bob, channelID := h.pair(t)

	h.handle(alice, message(channelID, "  hello  "))

	assert.Empty(t, alice.drain(t), "sender must not receive an echo")
	got := bob.drain(t)
	require.Len(t, got, 1)
	assert.Equal(t, "message", got[0]["type"])
	assert.Equal(t, channelID, got[0]["channelId"])
	assert.Equal(t, "alice", got[0]["fromUserId"])
	assert.Equal(t, "hello", got[0]["text"])
	assert.EqualValues(t, fixedMillis, got[0]["timestamp"])
}

func TestRouter_MessageByTargetUser(t *testing.T) {
	h := newHarness(PresenceLeave)
	alice, bob, channelID := h.pair(t)

	h.handle(alice, `{"type":"message","targetUserId":"bob","text":"hi"}`)

	got := bob.drain(t)
	require.Len(t, got, 1)
	assert.Equal(t, channelID, got[0]["channelId"])
}

func TestRouter_MessageValidation(t *testing.T) {
	h := newHarness(PresenceLeave)
	alice, bob, channelID := h.pair(t)

	h.handle(alice, message(channelID, "   "))
	requireSingleError(t, alice, protocol.MsgTextRequired)

	h.handle(alice, message(channelID, strings.Repeat("a", 301)))
	requireSingleError(t, alice, "Message too long (max 300 characters)")

	h.handle(alice, `{"type":"message","text":"hi"}`)
	requireSingleError(t, alice, protocol.MsgChannelIDRequired)

	h.handle(alice, message("dm:nowhere", "hi"))
	requireSingleError(t, alice, protocol.MsgNotInChannel)

	assert.Empty(t, bob.drain(t))
	assert.Zero(t, h.mailbox.Len())
}

func TestRouter_MessageAtLengthLimit(t *testing.T) {
	h := newHarness(PresenceLeave)
	alice, bob, channelID := h.pair(t)

	h.handle(alice, message(channelID, strings.Repeat("é", 300)))

	assert.Empty(t, alice.drain(t))
	assert.Len(t, bob.drain(t), 1)
}

func TestRouter_MessageFromNonMember(t *testing.T) {
	h := newHarness(PresenceLeave)
	_, bob, channelID := h.pair(t)
	carol := h.connect(t, "carol")

	h.handle(carol, message(channelID, "sneaky"))

	requireSingleError(t, carol, protocol.MsgNotInChannel)
	assert.Empty(t, bob.drain(t))
}

func TestRouter_MessageToOfflineMemberIsBufferedThenFlushed(t *testing.T) {
	h := newHarness(PresenceLeave)
	alice := h.connect(t, "alice")
	h.handle(alice, `{"type":"open_channel","friendId":"bob"}`)
	alice.drain(t)
	channelID := ChannelIDFor("alice", "bob")

	h.handle(alice, message(channelID, "one"))
	h.handle(alice, message(channelID, "two"))
	assert.Empty(t, alice.drain(t))
	assert.Equal(t, 2, h.mailbox.Pending("bob"))

	bob := newFake()
	h.router.Connect(bob)
	h.handle(bob, `{"type":"register","userId":"bob"}`)

	events := bob.drain(t)
	assert.Equal(t, []string{"registered", "channel_invite", "message", "message"}, types(events))
	assert.Equal(t, "alice", events[1]["fromUserId"])
	assert.Equal(t, "one", events[2]["text"])
	assert.Equal(t, "two", events[3]["text"])
	assert.Zero(t, h.mailbox.Pending("bob"))

	online := ofType(alice.drain(t), "user_online")
	require.Len(t, online, 1)
	assert.Equal(t, "bob", online[0]["userId"])
}

func TestRouter_RefusedSendFallsBackToMailbox(t *testing.T) {
	h := newHarness(PresenceLeave)
	alice, bob, channelID := h.pair(t)
	bob.refuse = true

	h.handle(alice, message(channelID, "hello"))

	assert.Equal(t, 1, h.mailbox.Pending("bob"))
}

func TestRouter_MailboxRebuffersWhenFlushInterrupted(t *testing.T) {
	h := newHarness(PresenceLeave)
	h.mailbox.Buffer("bob", protocol.NewMessage("c", "alice", "kept", 1))

	bob := newFake()
	bob.refuse = true
	h.router.Connect(bob)
	h.handle(bob, `{"type":"register","userId":"bob"}`)

	assert.Equal(t, 1, h.mailbox.Pending("bob"))
}

func TestRouter_TypingIsRelayedNotBuffered(t *testing.T) {
	h := newHarness(PresenceLeave)
	alice, bob, channelID := h.pair(t)

	h.handle(alice, fmt.Sprintf(`{"type":"typing","channelId":%q}`, channelID))

	assert.Empty(t, alice.drain(t))
	got := bob.drain(t)
	require.Len(t, got, 1)
	assert.Equal(t, "typing", got[0]["type"])
	assert.Equal(t, "alice", got[0]["userId"])

	h.router.Disconnect(bob)
	h.handle(alice, fmt.Sprintf(`{"type":"typing","channelId":%q}`, channelID))
	assert.Zero(t, h.mailbox.Len())
}

func TestRouter_TypingOnUnknownChannelIsSilent(t *testing.T) {
	h := newHarness(PresenceLeave)
	alice := h.connect(t, "alice")

	h.handle(alice, `{"type":"typing","channelId":"dm:nowhere"}`)
	h.handle(alice, `{"type":"typing"}`)

	assert.Empty(t, alice.drain(t))
}

func TestRouter_CloseChannel(t *testing.T) {
	h := newHarness(PresenceLeave)
	alice, bob, channelID := h.pair(t)

	h.handle(alice, fmt.Sprintf(`{"type":"close_channel","channelId":%q}`, channelID))

	closed := alice.drain(t)
	require.Len(t, closed, 1)
	assert.Equal(t, "channel_closed", closed[0]["type"])
	assert.Equal(t, channelID, closed[0]["channelId"])

	left := bob.drain(t)
	require.Len(t, left, 1)
	assert.Equal(t, "user_left", left[0]["type"])
	assert.Equal(t, "alice", left[0]["userId"])

	assert.False(t, h.channels.IsMember(channelID, "alice"))
	assert.True(t, h.channels.Exists(channelID))

	h.handle(bob, fmt.Sprintf(`{"type":"close_channel","channelId":%q}`, channelID))
	assert.Equal(t, []string{"channel_closed"}, types(bob.drain(t)))
	assert.False(t, h.channels.Exists(channelID))
}

func TestRouter_CloseChannelByNonMemberOnlyAcks(t *testing.T) {
	h := newHarness(PresenceLeave)
	alice, bob, channelID := h.pair(t)
	carol := h.connect(t, "carol")

	h.handle(carol, fmt.Sprintf(`{"type":"close_channel","channelId":%q}`, channelID))

	assert.Equal(t, []string{"channel_closed"}, types(carol.drain(t)))
	assert.Empty(t, alice.drain(t))
	assert.Empty(t, bob.drain(t))
}

func TestRouter_DisconnectLeavesChannelsInLeaveMode(t *testing.T) {
	h := newHarness(PresenceLeave)
	alice, bob, channelID := h.pair(t)

	h.router.Disconnect(alice)

	left := bob.drain(t)
	require.Len(t, left, 1)
	assert.Equal(t, "user_left", left[0]["type"])
	assert.Equal(t, channelID, left[0]["channelId"])
	assert.False(t, h.sessions.Online("alice"))
	assert.False(t, h.channels.IsMember(channelID, "alice"))

	h.router.Disconnect(bob)
	assert.Zero(t, h.channels.Len())
	assert.Equal(t, Stats{}, h.router.Stats())
}

func TestRouter_DisconnectRetainsMembershipInRetainMode(t *testing.T) {
	h := newHarness(PresenceRetain)
	alice, bob, channelID := h.pair(t)

	h.router.Disconnect(bob)

	left := alice.drain(t)
	require.Len(t, left, 1)
	assert.Equal(t, "user_left", left[0]["type"])
	assert.Equal(t, "bob", left[0]["userId"])
	assert.True(t, h.channels.IsMember(channelID, "bob"))

	h.handle(alice, message(channelID, "are you there"))
	assert.Empty(t, alice.drain(t))
	assert.Equal(t, 1, h.mailbox.Pending("bob"))

	back := newFake()
	h.router.Connect(back)
	h.handle(back, `{"type":"register","userId":"bob"}`)

	assert.Equal(t, []string{"registered", "channel_invite", "message"}, types(back.drain(t)))
	assert.Equal(t, []string{"user_online"}, types(alice.drain(t)))
}

func TestRouter_DefaultPresenceRetainsMembership(t *testing.T) {
	h := newHarness("")
	alice, bob, channelID := h.pair(t)

	h.router.Disconnect(bob)

	assert.Equal(t, []string{"user_left"}, types(alice.drain(t)))
	assert.True(t, h.channels.IsMember(channelID, "bob"))
}

func TestRouter_LeaveModeBuffersForDepartedPeer(t *testing.T) {
	req := require.New(t)
	h := newHarness(PresenceLeave)
	alice, bob, channelID := h.pair(t)

	// Given bob dropped out of the channel by disconnecting
	h.router.Disconnect(bob)
	req.Equal([]string{"user_left"}, types(alice.drain(t)))
	req.False(h.channels.IsMember(channelID, "bob"))

	// When alice writes to him by channel and by user id
	h.handle(alice, message(channelID, "are you there?"))
	h.handle(alice, `{"type":"message","targetUserId":"bob","text":"hello?"}`)

	// Then nothing is lost and bob is back in the channel
	req.Empty(alice.drain(t))
	req.Equal(2, h.mailbox.Pending("bob"))
	req.True(h.channels.IsMember(channelID, "bob"))

	back := newFake()
	h.router.Connect(back)
	h.handle(back, `{"type":"register","userId":"bob"}`)

	events := back.drain(t)
	req.Equal([]string{"registered", "channel_invite", "message", "message"}, types(events))
	req.Equal("are you there?", events[2]["text"])
	req.Equal("hello?", events[3]["text"])
	req.Zero(h.mailbox.Pending("bob"))
	req.Equal([]string{"user_online"}, types(alice.drain(t)))

	h.handle(back, message(channelID, "here now"))
	req.Equal([]string{"message"}, types(alice.drain(t)))
}

func TestRouter_LeaveModeDoesNotReadmitOnlinePeer(t *testing.T) {
	h := newHarness(PresenceLeave)
	alice, bob, channelID := h.pair(t)

	h.handle(bob, `{"type":"close_channel","channelId":"`+channelID+`"}`)
	bob.drain(t)
	alice.drain(t)

	h.handle(alice, message(channelID, "bye?"))

	assert.Empty(t, bob.drain(t))
	assert.Zero(t, h.mailbox.Pending("bob"))
	assert.False(t, h.channels.IsMember(channelID, "bob"))
}

func TestRouter_SecondRegistrationKicksFirst(t *testing.T) {
	h := newHarness(PresenceLeave)
	first, bob, channelID := h.pair(t)

	second := newFake()
	h.router.Connect(second)
	h.handle(second, `{"type":"register","userId":"alice"}`)

	kicked := first.drain(t)
	require.Len(t, kicked, 1)
	assert.Equal(t, "kicked", kicked[0]["type"])
	assert.Equal(t, protocol.KickedMessage, kicked[0]["message"])
	assert.True(t, first.isClosed())

	assert.Equal(t, []string{"registered", "channel_invite"}, types(second.drain(t)))
	bob.drain(t)

	// Frames and the late disconnect of the kicked connection change nothing.
	h.handle(first, message(channelID, "ghost"))
	h.router.Disconnect(first)
	assert.Empty(t, bob.drain(t))

	current, ok := h.sessions.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, second, current)
	assert.True(t, h.channels.IsMember(channelID, "alice"))

	h.handle(bob, message(channelID, "hi again"))
	assert.Equal(t, []string{"message"}, types(second.drain(t)))
}

func TestRouter_RebindingReleasesPreviousIdentity(t *testing.T) {
	h := newHarness(PresenceLeave)
	alice, bob, channelID := h.pair(t)

	h.handle(alice, `{"type":"register","userId":"zed"}`)

	assert.Equal(t, []string{"registered"}, types(alice.drain(t)))
	assert.Equal(t, []string{"user_left"}, types(bob.drain(t)))
	assert.False(t, h.sessions.Online("alice"))
	assert.True(t, h.sessions.Online("zed"))
	assert.False(t, h.channels.IsMember(channelID, "alice"))
}

func TestRouter_DropsFramesFromUnknownConnections(t *testing.T) {
	h := newHarness(PresenceLeave)
	bob := h.connect(t, "bob")
	stranger := newFake()

	h.handle(stranger, `{"type":"register","userId":"alice"}`)

	assert.Empty(t, stranger.drain(t))
	assert.False(t, h.sessions.Online("alice"))
	assert.Equal(t, 1, h.router.Stats().Connections)

	// A frame that races a disconnect must not resurrect the connection.
	late := newFake()
	h.router.Connect(late)
	h.router.Disconnect(late)
	h.handle(late, `{"type":"register","userId":"alice"}`)
	h.handle(bob, `{"type":"open_channel","friendId":"alice"}`)

	assert.Empty(t, late.drain(t))
	assert.Equal(t, Stats{Connections: 1, Sessions: 1, Channels: 1}, h.router.Stats())
	opened := bob.drain(t)
	require.Len(t, opened, 1)
	assert.Equal(t, false, opened[0]["friendOnline"])
}

func TestRouter_KickUsesTransportContract(t *testing.T) {
	ctrl := gomock.NewController(t)
	h := newHarness(PresenceLeave)

	old := mocks.NewMockTransport(ctrl)
	old.EXPECT().ID().Return("old").AnyTimes()
	old.EXPECT().Kind().Return("mock").AnyTimes()
	gomock.InOrder(
		old.EXPECT().Send(gomock.Any()).Return(true),
		old.EXPECT().Send(gomock.Any()).DoAndReturn(func(payload []byte) bool {
			assert.JSONEq(t, `{"type":"kicked","message":"`+protocol.KickedMessage+`"}`, string(payload))
			return true
		}),
		old.EXPECT().Close(),
	)

	h.router.Connect(old)
	h.handle(old, `{"type":"register","userId":"alice"}`)

	replacement := newFake()
	h.router.Connect(replacement)
	h.handle(replacement, `{"type":"register","userId":"alice"}`)

	assert.Equal(t, []string{"registered"}, types(replacement.drain(t)))
}

func TestRouter_ConcurrentSendersKeepPerSenderOrder(t *testing.T) {
	h := newHarness(PresenceLeave)
	alice, bob, channelID := h.pair(t)
	carol := h.connect(t, "carol")
	h.handle(carol, `{"type":"open_channel","friendId":"bob"}`)
	carol.drain(t)
	bob.drain(t)
	carolChannel := ChannelIDFor("carol", "bob")

	const n = 50
	done := make(chan struct{}, 2)
	send := func(tr *fakeTransport, ch, prefix string) {
		for i := 0; i < n; i++ {
			h.handle(tr, message(ch, fmt.Sprintf("%s-%d", prefix, i)))
		}
		done <- struct{}{}
	}
	go send(alice, channelID, "a")
	go send(carol, carolChannel, "c")
	<-done
	<-done

	next := map[string]int{"alice": 0, "carol": 0}
	for _, ev := range bob.drain(t) {
		from := ev["fromUserId"].(string)
		prefix := from[:1]
		assert.Equal(t, fmt.Sprintf("%s-%d", prefix, next[from]), ev["text"])
		next[from]++
	}
	assert.Equal(t, n, next["alice"])
	assert.Equal(t, n, next["carol"])
}
