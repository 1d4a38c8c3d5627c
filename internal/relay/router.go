package relay

import (
	"errors"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/pester-relay/internal/metrics"
	"github.com/Tyrowin/pester-relay/internal/protocol"
)

// PresenceMode selects what happens to channel membership when a session
// ends.
type PresenceMode string

const (
	// PresenceRetain keeps membership across disconnects. Peers still get a
	// user_left notice, messages to the absent user are buffered, and the
	// next registration rejoins every channel. It is the default.
	PresenceRetain PresenceMode = "retain"
	// PresenceLeave removes a disconnected user from every channel and tells
	// the remaining members. A message later sent on a pair channel whose
	// other side is offline readmits that user and buffers the message.
	PresenceLeave PresenceMode = "leave"
)

// Error kinds reported to metrics.
const (
	errKindInvalidJSON = "invalid_json"
	errKindUnknownType = "unknown_type"
	errKindValidation  = "validation"
	errKindState       = "state"
)

// Options configures a Router. Nil stores are created empty; a nil Logger
// discards output and a nil Metrics records nothing. Any Presence other than
// PresenceLeave selects PresenceRetain.
type Options struct {
	Sessions      *SessionRegistry
	Channels      *ChannelDirectory
	Mailbox       *Mailbox
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
	Presence      PresenceMode
	MaxTextLength int
	Now           func() time.Time
}

// Stats is a point-in-time view of the router's state.
type Stats struct {
	Connections int
	Sessions    int
	Channels    int
	Buffered    int
}

type connState struct {
	userID string
	// closed marks a connection superseded by a newer session for its user.
	// Frames it still delivers before teardown are ignored.
	closed bool
}

// Router dispatches decoded client events against the session registry,
// channel directory and mailbox. All entry points are safe for concurrent
// use and are serialized by one mutex, which also keeps per-sender ordering
// since each connection feeds the Router from a single goroutine.
type Router struct {
	mu       sync.Mutex
	sessions *SessionRegistry
	channels *ChannelDirectory
	mailbox  *Mailbox
	conns    map[Transport]*connState
	logger   *zap.Logger
	metrics  *metrics.Metrics
	presence PresenceMode
	maxText  int
	now      func() time.Time
}

func NewRouter(opts Options) *Router {
	if opts.Sessions == nil {
		opts.Sessions = NewSessionRegistry()
	}
	if opts.Channels == nil {
		opts.Channels = NewChannelDirectory()
	}
	if opts.Mailbox == nil {
		opts.Mailbox = NewMailbox(DefaultMailboxCapacity)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Presence != PresenceLeave {
		opts.Presence = PresenceRetain
	}
	if opts.MaxTextLength <= 0 {
		opts.MaxTextLength = protocol.DefaultMaxTextLength
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Router{
		sessions: opts.Sessions,
		channels: opts.Channels,
		mailbox:  opts.Mailbox,
		conns:    make(map[Transport]*connState),
		logger:   opts.Logger.Named("relay.router"),
		metrics:  opts.Metrics,
		presence: opts.Presence,
		maxText:  opts.MaxTextLength,
		now:      opts.Now,
	}
}

// Connect records a new connection in the unregistered state.
func (r *Router) Connect(t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[t]; ok {
		return
	}
	r.conns[t] = &connState{}
	r.metrics.ConnectionOpened(t.Kind())
}

// Disconnect forgets t. If t still owns its user's session the session ends
// and channel presence is updated according to the presence mode.
func (r *Router) Disconnect(t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.conns[t]
	if !ok {
		return
	}
	delete(r.conns, t)
	r.metrics.ConnectionClosed(t.Kind())

	if state.userID != "" {
		r.release(t, state.userID)
		r.logger.Info("user disconnected",
			zap.String("user_id", state.userID),
			zap.String("conn", t.ID()))
	}
	r.publishState()
}

// Handle decodes one inbound frame from t and applies it. Protocol and state
// errors are answered with an error event on t; nothing here closes t.
// Frames from a transport that is not connected are dropped.
func (r *Router) Handle(t Transport, raw []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.recoverDispatch(t)

	state, ok := r.conns[t]
	if !ok {
		r.logger.Debug("ignoring frame from unknown connection", zap.String("conn", t.ID()))
		return
	}
	if state.closed {
		r.logger.Debug("ignoring frame from superseded connection", zap.String("conn", t.ID()))
		return
	}

	cmd, err := protocol.Decode(raw)
	if err != nil {
		r.rejectFrame(t, err)
		return
	}
	r.metrics.InboundEvent(string(cmd.CommandType()))

	switch c := cmd.(type) {
	case protocol.Register:
		r.register(t, state, c)
	case protocol.OpenChannel:
		r.openChannel(t, state, c)
	case protocol.SendMessage:
		r.postMessage(t, state, c)
	case protocol.Typing:
		r.postTyping(state, c)
	case protocol.CloseChannel:
		r.closeChannel(t, state, c)
	default:
		unknown := &protocol.UnknownTypeError{Type: string(cmd.CommandType())}
		r.sendError(t, errKindUnknownType, unknown.Error())
	}
	r.publishState()
}

// Stats returns current store sizes.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Connections: len(r.conns),
		Sessions:    r.sessions.Len(),
		Channels:    r.channels.Len(),
		Buffered:    r.mailbox.Len(),
	}
}

func (r *Router) recoverDispatch(t Transport) {
	if rec := recover(); rec != nil {
		r.logger.Error("recovered from panic while dispatching",
			zap.String("conn", t.ID()),
			zap.Any("panic", rec),
			zap.Stack("stack"))
	}
}

func (r *Router) rejectFrame(t Transport, err error) {
	var unknown *protocol.UnknownTypeError
	if errors.As(err, &unknown) {
		r.sendError(t, errKindUnknownType, unknown.Error())
		return
	}
	r.logger.Debug("undecodable frame", zap.String("conn", t.ID()), zap.Error(err))
	r.sendError(t, errKindInvalidJSON, protocol.MsgInvalidJSON)
}

func (r *Router) register(t Transport, state *connState, cmd protocol.Register) {
	if err := protocol.Validate(cmd); err != nil {
		r.sendError(t, errKindValidation, err.Error())
		return
	}

	// Rebinding a connection to another id releases the old identity first.
	if state.userID != "" && state.userID != cmd.UserID {
		r.release(t, state.userID)
	}
	if previous, replaced := r.sessions.Register(cmd.UserID, t); replaced {
		r.kick(previous, cmd.UserID)
	}
	state.userID = cmd.UserID

	r.logger.Info("user registered",
		zap.String("user_id", cmd.UserID),
		zap.String("conn", t.ID()),
		zap.String("transport", t.Kind()))

	r.send(t, protocol.NewRegistered(cmd.UserID, r.timestamp()))
	r.rejoin(t, cmd.UserID)
	r.deliverMailbox(t, cmd.UserID)
}

func (r *Router) kick(old Transport, userID string) {
	r.send(old, protocol.NewKicked(protocol.KickedMessage))
	if state, ok := r.conns[old]; ok {
		state.userID = ""
		state.closed = true
	}
	old.Close()
	r.metrics.SessionKicked()
	r.logger.Info("session superseded",
		zap.String("user_id", userID),
		zap.String("old_conn", old.ID()))
}

// release ends userID's session if t still owns it.
func (r *Router) release(t Transport, userID string) {
	if !r.sessions.Unregister(userID, t) {
		return
	}
	if r.presence == PresenceRetain {
		r.announceOffline(userID)
		return
	}
	r.leaveAll(userID)
}

func (r *Router) leaveAll(userID string) {
	for _, channelID := range r.channels.ChannelsOf(userID) {
		r.leave(userID, channelID)
	}
}

func (r *Router) leave(userID, channelID string) {
	remaining, wasMember := r.channels.Leave(userID, channelID)
	if !wasMember {
		return
	}
	r.broadcast(remaining, protocol.NewUserLeft(channelID, userID, r.timestamp()))
}

func (r *Router) announceOffline(userID string) {
	ts := r.timestamp()
	for _, channelID := range r.channels.ChannelsOf(userID) {
		r.broadcast(r.channels.Others(channelID, userID), protocol.NewUserLeft(channelID, userID, ts))
	}
}

// rejoin re-announces every channel userID still belongs to: an invite per
// peer to the user, and user_online to each peer that is online.
func (r *Router) rejoin(t Transport, userID string) {
	ts := r.timestamp()
	for _, channelID := range r.channels.ChannelsOf(userID) {
		for _, other := range r.channels.Others(channelID, userID) {
			r.send(t, protocol.NewChannelInvite(channelID, other, ts))
			if peer, ok := r.sessions.Lookup(other); ok {
				r.send(peer, protocol.NewUserOnline(channelID, userID, ts))
			}
		}
	}
}

func (r *Router) deliverMailbox(t Transport, userID string) {
	pending := r.mailbox.Flush(userID)
	for i, msg := range pending {
		if r.send(t, msg) {
			continue
		}
		for _, rest := range pending[i:] {
			r.mailbox.Buffer(userID, rest)
		}
		r.logger.Warn("mailbox delivery interrupted; remaining messages kept",
			zap.String("user_id", userID),
			zap.Int("kept", len(pending)-i))
		return
	}
	if len(pending) > 0 {
		r.logger.Debug("delivered offline messages",
			zap.String("user_id", userID),
			zap.Int("count", len(pending)))
	}
}

func (r *Router) openChannel(t Transport, state *connState, cmd protocol.OpenChannel) {
	if state.userID == "" {
		r.sendError(t, errKindState, protocol.MsgRegisterFirst)
		return
	}
	if err := protocol.Validate(cmd); err != nil || cmd.FriendID == state.userID {
		r.sendError(t, errKindValidation, protocol.MsgInvalidFriendID)
		return
	}

	channelID, created := r.channels.Open(state.userID, cmd.FriendID)
	friend, online := r.sessions.Lookup(cmd.FriendID)
	ts := r.timestamp()

	r.send(t, protocol.NewChannelOpened(channelID, cmd.FriendID, online, ts))
	if online {
		r.send(friend, protocol.NewChannelInvite(channelID, state.userID, ts))
	}

	r.logger.Debug("channel opened",
		zap.String("channel_id", channelID),
		zap.String("user_id", state.userID),
		zap.String("friend_id", cmd.FriendID),
		zap.Bool("created", created),
		zap.Bool("friend_online", online))
}

func (r *Router) postMessage(t Transport, state *connState, cmd protocol.SendMessage) {
	if state.userID == "" {
		r.sendError(t, errKindState, protocol.MsgRegisterFirst)
		return
	}
	if err := protocol.Validate(cmd); err != nil {
		r.sendError(t, errKindValidation, err.Error())
		return
	}
	text, err := protocol.NormalizeText(cmd.Text, r.maxText)
	if err != nil {
		r.sendError(t, errKindValidation, err.Error())
		return
	}
	channelID := resolveChannel(state.userID, cmd.ChannelID, cmd.TargetUserID)
	if !r.channels.IsMember(channelID, state.userID) {
		r.sendError(t, errKindState, protocol.MsgNotInChannel)
		return
	}

	msg := protocol.NewMessage(channelID, state.userID, text, r.timestamp())
	payload, ok := r.encode(msg)
	if !ok {
		return
	}
	recipients := r.channels.Others(channelID, state.userID)
	if absent, ok := r.departedPeer(channelID, state.userID, recipients); ok {
		r.channels.Readmit(channelID, absent)
		recipients = append(recipients, absent)
	}
	for _, member := range recipients {
		if peer, online := r.sessions.Lookup(member); online && r.deliver(peer, payload) {
			r.metrics.RoutedMessage(metrics.OutcomeDelivered)
			continue
		}
		r.metrics.MailboxEvicted(r.mailbox.Buffer(member, msg))
		r.metrics.RoutedMessage(metrics.OutcomeBuffered)
	}
}

// departedPeer finds the other side of a pair channel who dropped out of it
// by disconnecting in leave mode, so a message to them can still be
// buffered. A peer who is online left on purpose and is not returned.
func (r *Router) departedPeer(channelID, self string, members []string) (string, bool) {
	if r.presence != PresenceLeave {
		return "", false
	}
	a, b, ok := PairOf(channelID)
	if !ok {
		return "", false
	}
	var other string
	switch self {
	case a:
		other = b
	case b:
		other = a
	default:
		return "", false
	}
	if slices.Contains(members, other) || r.sessions.Online(other) {
		return "", false
	}
	return other, true
}

func (r *Router) postTyping(state *connState, cmd protocol.Typing) {
	if state.userID == "" {
		return
	}
	channelID := resolveChannel(state.userID, cmd.ChannelID, cmd.TargetUserID)
	if channelID == "" || !r.channels.Exists(channelID) {
		return
	}
	r.broadcast(r.channels.Others(channelID, state.userID),
		protocol.NewTypingNotice(channelID, state.userID, r.timestamp()))
}

func (r *Router) closeChannel(t Transport, state *connState, cmd protocol.CloseChannel) {
	if state.userID == "" || cmd.ChannelID == "" {
		return
	}
	r.leave(state.userID, cmd.ChannelID)
	r.send(t, protocol.NewChannelClosed(cmd.ChannelID, r.timestamp()))
}

// broadcast sends ev to every listed user that has a live session.
func (r *Router) broadcast(userIDs []string, ev protocol.Event) {
	if len(userIDs) == 0 {
		return
	}
	payload, ok := r.encode(ev)
	if !ok {
		return
	}
	for _, userID := range userIDs {
		if peer, online := r.sessions.Lookup(userID); online {
			r.deliver(peer, payload)
		}
	}
}

func (r *Router) send(t Transport, ev protocol.Event) bool {
	payload, ok := r.encode(ev)
	if !ok {
		return false
	}
	return r.deliver(t, payload)
}

func (r *Router) sendError(t Transport, kind, message string) {
	r.metrics.ProtocolError(kind)
	r.send(t, protocol.NewError(message))
}

// deliver hands payload to t. A refused send is logged and otherwise
// ignored so one dead peer never affects the others.
func (r *Router) deliver(t Transport, payload []byte) bool {
	if t.Send(payload) {
		return true
	}
	r.logger.Debug("connection refused event",
		zap.String("conn", t.ID()),
		zap.String("transport", t.Kind()))
	return false
}

func (r *Router) encode(ev protocol.Event) ([]byte, bool) {
	payload, err := protocol.Encode(ev)
	if err != nil {
		r.logger.Error("failed to encode event",
			zap.String("type", string(ev.EventType())),
			zap.Error(err))
		return nil, false
	}
	return payload, true
}

func (r *Router) timestamp() int64 {
	return r.now().UnixMilli()
}

func (r *Router) publishState() {
	r.metrics.SetState(r.sessions.Len(), r.channels.Len(), r.mailbox.Len())
}

func resolveChannel(self, channelID, targetUserID string) string {
	if channelID != "" {
		return channelID
	}
	if targetUserID != "" {
		return ChannelIDFor(self, targetUserID)
	}
	return ""
}
