package service

import "errors"

// Domain errors shared by the services. Handlers map these to HTTP status
// codes and the websocket session maps them to error replies.
var (
	ErrValidation         = errors.New("validation failed")
	ErrForbidden          = errors.New("forbidden")
	ErrUsernameTaken      = errors.New("username taken")
	ErrEmailTaken         = errors.New("email taken")
	ErrInvalidCredentials = errors.New("invalid credentials")

	ErrChannelNotFound      = errors.New("channel not found")
	ErrChannelArchived      = errors.New("channel archived")
	ErrChannelFull          = errors.New("channel full")
	ErrAlreadyMember        = errors.New("already a member")
	ErrNotMember            = errors.New("not a member")
	ErrLastOwner            = errors.New("last privileged member cannot leave")
	ErrInviteNotFound       = errors.New("invite code not found")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
)
