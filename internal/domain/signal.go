package domain

import "encoding/json"

type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalICECandidate SignalKind = "ice-candidate"
)

func (k SignalKind) Valid() bool {
	switch k {
	case SignalOffer, SignalAnswer, SignalICECandidate:
		return true
	}
	return false
}

// TargetAll addresses every other live participant of the room.
const TargetAll = "all"

// SignalEnvelope is relayed as is and never stored. Payload is opaque.
type SignalEnvelope struct {
	RoomID      string
	From        UserID
	FromConn    string
	To          string
	Kind        SignalKind
	Payload     json.RawMessage
	ScreenShare bool
}
