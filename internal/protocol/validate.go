package protocol

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// DefaultMaxTextLength bounds message text, in characters, after trimming.
const DefaultMaxTextLength = 300

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the identifier fields of cmd and returns a
// *ValidationError describing the first failing field.
func Validate(cmd Command) error {
	err := validate.Struct(cmd)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		return toValidationError(fieldErrs[0])
	}
	return err
}

// NormalizeText trims text and checks it is non-empty and at most
// limit characters long. A non-positive limit selects DefaultMaxTextLength.
func NormalizeText(text string, limit int) (string, error) {
	if limit <= 0 {
		limit = DefaultMaxTextLength
	}
	trimmed := strings.TrimSpace(text)
	if err := validate.Var(trimmed, "required"); err != nil {
		return "", &ValidationError{Field: "text", Tag: "required", Message: MsgTextRequired}
	}
	if err := validate.Var(trimmed, fmt.Sprintf("max=%d", limit)); err != nil {
		return "", &ValidationError{Field: "text", Tag: "max", Message: fmt.Sprintf(msgTextTooLong, limit)}
	}
	return trimmed, nil
}

func toValidationError(fe validator.FieldError) *ValidationError {
	ve := &ValidationError{Field: fe.Field(), Tag: fe.Tag()}
	switch fe.Field() {
	case "userId":
		if fe.Tag() == "max" {
			ve.Message = fmt.Sprintf(msgUserIDTooLong, fe.Param())
		} else {
			ve.Message = MsgUserIDRequired
		}
	case "friendId":
		ve.Message = MsgInvalidFriendID
	case "channelId":
		ve.Message = MsgChannelIDRequired
	case "targetUserId":
		ve.Message = MsgInvalidTargetUser
	default:
		ve.Message = fe.Error()
	}
	return ve
}
