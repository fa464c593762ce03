package model

import "errors"

var (
	ErrNotAuthenticated    = errors.New("not authenticated")
	ErrChatNotFound        = errors.New("chat not found")
	ErrUserNotFound        = errors.New("user not found")
	ErrInvalidParticipants = errors.New("invalid participants")
	ErrNotParticipant      = errors.New("not a participant")
	ErrInvalidMessage      = errors.New("invalid message")
	ErrChannelSaturated    = errors.New("channel saturated")
	ErrTransportFailure    = errors.New("transport failure")
)
