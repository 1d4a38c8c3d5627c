// Package protocol defines the JSON events exchanged between relay clients
// and the server, how inbound frames are decoded, and how they are validated.
package protocol

import "encoding/json"

// EventType is the wire discriminant carried in every event's "type" field.
type EventType string

// Client to server.
const (
	TypeRegister     EventType = "register"
	TypeOpenChannel  EventType = "open_channel"
	TypeMessage      EventType = "message"
	TypeTyping       EventType = "typing"
	TypeCloseChannel EventType = "close_channel"
)

// Server to client. "message" and "typing" are shared with the inbound set.
const (
	TypeRegistered    EventType = "registered"
	TypeKicked        EventType = "kicked"
	TypeChannelOpened EventType = "channel_opened"
	TypeChannelInvite EventType = "channel_invite"
	TypeUserLeft      EventType = "user_left"
	TypeUserOnline    EventType = "user_online"
	TypeChannelClosed EventType = "channel_closed"
	TypeError         EventType = "error"
)

// KickedMessage is sent to a session superseded by a newer registration.
const KickedMessage = "Another session registered with your userId"

// Event is an outbound server event. Values are built with the New*
// constructors so that the Type field always matches the concrete struct.
type Event interface {
	EventType() EventType
}

// Registered acknowledges a successful registration.
type Registered struct {
	Type      EventType `json:"type"`
	UserID    string    `json:"userId"`
	Timestamp int64     `json:"timestamp"`
}

// Kicked tells an old session it has been replaced.
type Kicked struct {
	Type    EventType `json:"type"`
	Message string    `json:"message"`
}

// ChannelOpened answers an open_channel request.
type ChannelOpened struct {
	Type         EventType `json:"type"`
	ChannelID    string    `json:"channelId"`
	FriendID     string    `json:"friendId"`
	FriendOnline bool      `json:"friendOnline"`
	Timestamp    int64     `json:"timestamp"`
}

// ChannelInvite tells a user that a channel with FromUserID is available.
type ChannelInvite struct {
	Type       EventType `json:"type"`
	ChannelID  string    `json:"channelId"`
	FromUserID string    `json:"fromUserId"`
	Timestamp  int64     `json:"timestamp"`
}

// Message is a text message relayed to the other members of a channel.
// It is the only event kind held in offline mailboxes.
type Message struct {
	Type       EventType `json:"type"`
	ChannelID  string    `json:"channelId"`
	FromUserID string    `json:"fromUserId"`
	Text       string    `json:"text"`
	Timestamp  int64     `json:"timestamp"`
}

// TypingNotice signals that UserID is composing in ChannelID.
type TypingNotice struct {
	Type      EventType `json:"type"`
	ChannelID string    `json:"channelId"`
	UserID    string    `json:"userId"`
	Timestamp int64     `json:"timestamp"`
}

// UserLeft reports that a member left a channel or went offline.
type UserLeft struct {
	Type      EventType `json:"type"`
	ChannelID string    `json:"channelId"`
	UserID    string    `json:"userId"`
	Timestamp int64     `json:"timestamp"`
}

// UserOnline reports that a member of a shared channel registered again.
type UserOnline struct {
	Type      EventType `json:"type"`
	ChannelID string    `json:"channelId"`
	UserID    string    `json:"userId"`
	Timestamp int64     `json:"timestamp"`
}

// ChannelClosed acknowledges close_channel.
type ChannelClosed struct {
	Type      EventType `json:"type"`
	ChannelID string    `json:"channelId"`
	Timestamp int64     `json:"timestamp"`
}

// Error reports a protocol or state error to the originating connection.
type Error struct {
	Type    EventType `json:"type"`
	Message string    `json:"message"`
}

func (Registered) EventType() EventType    { return TypeRegistered }
func (Kicked) EventType() EventType        { return TypeKicked }
func (ChannelOpened) EventType() EventType { return TypeChannelOpened }
func (ChannelInvite) EventType() EventType { return TypeChannelInvite }
func (Message) EventType() EventType       { return TypeMessage }
func (TypingNotice) EventType() EventType  { return TypeTyping }
func (UserLeft) EventType() EventType      { return TypeUserLeft }
func (UserOnline) EventType() EventType    { return TypeUserOnline }
func (ChannelClosed) EventType() EventType { return TypeChannelClosed }
func (Error) EventType() EventType         { return TypeError }

func NewRegistered(userID string, ts int64) Registered {
	return Registered{Type: TypeRegistered, UserID: userID, Timestamp: ts}
}

func NewKicked(message string) Kicked {
	return Kicked{Type: TypeKicked, Message: message}
}

func NewChannelOpened(channelID, friendID string, friendOnline bool, ts int64) ChannelOpened {
	return ChannelOpened{
		Type:         TypeChannelOpened,
		ChannelID:    channelID,
		FriendID:     friendID,
		FriendOnline: friendOnline,
		Timestamp:    ts,
	}
}

func NewChannelInvite(channelID, fromUserID string, ts int64) ChannelInvite {
	return ChannelInvite{Type: TypeChannelInvite, ChannelID: channelID, FromUserID: fromUserID, Timestamp: ts}
}

func NewMessage(channelID, fromUserID, text string, ts int64) Message {
	return Message{Type: TypeMessage, ChannelID: channelID, FromUserID: fromUserID, Text: text, Timestamp: ts}
}

func NewTypingNotice(channelID, userID string, ts int64) TypingNotice {
	return TypingNotice{Type: TypeTyping, ChannelID: channelID, UserID: userID, Timestamp: ts}
}

func NewUserLeft(channelID, userID string, ts int64) UserLeft {
	return UserLeft{Type: TypeUserLeft, ChannelID: channelID, UserID: userID, Timestamp: ts}
}

func NewUserOnline(channelID, userID string, ts int64) UserOnline {
	return UserOnline{Type: TypeUserOnline, ChannelID: channelID, UserID: userID, Timestamp: ts}
}

func NewChannelClosed(channelID string, ts int64) ChannelClosed {
	return ChannelClosed{Type: TypeChannelClosed, ChannelID: channelID, Timestamp: ts}
}

func NewError(message string) Error {
	return Error{Type: TypeError, Message: message}
}

// Encode renders an outbound event as a single JSON object.
func Encode(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}
