package domain

type EventType string

const (
	EventJoined            EventType = "joined"
	EventParticipantJoined EventType = "participant_joined"
	EventParticipantLeft   EventType = "participant_left"
	EventSignal            EventType = "signal"
	EventChatMessage       EventType = "chat_message"
	EventRoomClosed        EventType = "room_closed"
)

// JoinedSnapshot is sent to a connection right after its join succeeded.
type JoinedSnapshot struct {
	Room         Room
	Self         Participant
	Participants []Participant
}

// Event is pushed by a room to the connections of its members. Only the
// field matching Type is set.
type Event struct {
	Type        EventType
	RoomID      string
	Reason      string
	Participant *Participant
	Signal      *SignalEnvelope
	Chat        *ChatMessage
	Joined      *JoinedSnapshot
}
