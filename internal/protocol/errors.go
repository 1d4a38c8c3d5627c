package protocol

import (
	"errors"
	"fmt"
)

// Wire texts for errors that do not come out of field validation.
const (
	MsgInvalidJSON        = "Invalid JSON"
	MsgRegisterFirst      = "You must register first"
	MsgNotInChannel       = "Not in this channel"
	MsgInvalidFriendID    = "Invalid friendId"
	MsgUserIDRequired     = "userId is required"
	MsgChannelIDRequired  = "channelId is required"
	MsgTextRequired       = "Message text is required"
	MsgInvalidTargetUser  = "Invalid targetUserId"
	msgUserIDTooLong      = "userId must be at most %s characters"
	msgTextTooLong        = "Message too long (max %d characters)"
	msgUnknownMessageType = "Unknown message type: %s"
)

// ErrInvalidJSON is returned by Decode for frames that are not a JSON object.
var ErrInvalidJSON = errors.New(MsgInvalidJSON)

// UnknownTypeError is returned by Decode for an unrecognized discriminant.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf(msgUnknownMessageType, e.Type)
}

// ValidationError carries the client-facing text for an invalid field.
type ValidationError struct {
	Field   string
	Tag     string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}
