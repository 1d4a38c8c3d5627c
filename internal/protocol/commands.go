package protocol

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Command is an inbound client event. The set is closed: only the types in
// this file implement it.
type Command interface {
	CommandType() EventType
	isCommand()
}

// Register binds the connection to UserID.
type Register struct {
	UserID string `json:"userId" validate:"required,max=64"`
}

// OpenChannel asks for the channel shared with FriendID.
type OpenChannel struct {
	FriendID string `json:"friendId" validate:"required,max=64"`
}

// SendMessage posts Text to a channel. TargetUserID may be given instead of
// ChannelID and addresses the channel shared with that user.
type SendMessage struct {
	ChannelID    string `json:"channelId" validate:"required_without=TargetUserID"`
	TargetUserID string `json:"targetUserId" validate:"omitempty,max=64"`
	Text         string `json:"text"`
}

// Typing signals composition activity in a channel.
type Typing struct {
	ChannelID    string `json:"channelId"`
	TargetUserID string `json:"targetUserId"`
}

// CloseChannel leaves a channel.
type CloseChannel struct {
	ChannelID string `json:"channelId"`
}

func (Register) CommandType() EventType     { return TypeRegister }
func (OpenChannel) CommandType() EventType  { return TypeOpenChannel }
func (SendMessage) CommandType() EventType  { return TypeMessage }
func (Typing) CommandType() EventType       { return TypeTyping }
func (CloseChannel) CommandType() EventType { return TypeCloseChannel }

func (Register) isCommand()     {}
func (OpenChannel) isCommand()  {}
func (SendMessage) isCommand()  {}
func (Typing) isCommand()       {}
func (CloseChannel) isCommand() {}

// Decode parses one inbound frame. It returns ErrInvalidJSON when raw is not
// a JSON object and an *UnknownTypeError when the discriminant is not one of
// the client event types. Identifier fields that are missing or not strings
// decode as "" and are rejected later by Validate.
func Decode(raw []byte) (Command, error) {
	if !gjson.ValidBytes(raw) {
		return nil, ErrInvalidJSON
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, ErrInvalidJSON
	}

	kind := root.Get("type")
	if kind.Type != gjson.String {
		return nil, &UnknownTypeError{Type: kind.String()}
	}

	switch EventType(kind.Str) {
	case TypeRegister:
		return Register{UserID: identifier(root, "userId")}, nil
	case TypeOpenChannel:
		return OpenChannel{FriendID: identifier(root, "friendId")}, nil
	case TypeMessage:
		return SendMessage{
			ChannelID:    identifier(root, "channelId"),
			TargetUserID: identifier(root, "targetUserId"),
			Text:         stringField(root, "text"),
		}, nil
	case TypeTyping:
		return Typing{
			ChannelID:    identifier(root, "channelId"),
			TargetUserID: identifier(root, "targetUserId"),
		}, nil
	case TypeCloseChannel:
		return CloseChannel{ChannelID: identifier(root, "channelId")}, nil
	default:
		return nil, &UnknownTypeError{Type: kind.Str}
	}
}

func stringField(root gjson.Result, key string) string {
	v := root.Get(key)
	if v.Type != gjson.String {
		return ""
	}
	return v.Str
}

func identifier(root gjson.Result, key string) string {
	return strings.TrimSpace(stringField(root, key))
}
