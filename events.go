package linkup

// ChatEvent is emitted by a Session. The concrete types are NewMessage,
// MessageUpdated, HistoryPage, TypingChanged, PresenceChanged and SendFailed.
type ChatEvent interface {
	chatEvent()
}

// NewMessage is emitted when a message enters the session, local or remote.
type NewMessage struct {
	Message Message
}

// MessageUpdated is emitted when a message is acked or marked read.
type MessageUpdated struct {
	Message Message
}

// HistoryPage is emitted after LoadEarlier merged older messages.
type HistoryPage struct {
	Messages []Message
	HasMore  bool
}

// TypingChanged is emitted when the peer starts or stops typing.
type TypingChanged struct {
	State TypingState
}

// PresenceChanged is emitted when the peer's presence changes.
type PresenceChanged struct {
	Presence PresenceState
}

// SendFailed is emitted after a send was rolled back. Sending Message.Text
// again retries it.
type SendFailed struct {
	Message Message
	Err     error
}

func (NewMessage) chatEvent()      {}
func (MessageUpdated) chatEvent()  {}
func (HistoryPage) chatEvent()     {}
func (TypingChanged) chatEvent()   {}
func (PresenceChanged) chatEvent() {}
func (SendFailed) chatEvent()      {}
