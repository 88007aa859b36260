package domain

import "errors"

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrRoomNotFound    = errors.New("room not found")
	ErrRoomClosed      = errors.New("room is closed")
	ErrInvalidMessage  = errors.New("invalid message")
	ErrDeliveryFailed  = errors.New("delivery failed")
	ErrFeatureDisabled = errors.New("feature disabled")
	ErrNotInRoom       = errors.New("user not in the room")
)
