package relay

// Outbound event names.
const (
	EventDeliverMessage = "deliver-message"
	EventChatSeen       = "chat-seen"
	EventError          = "error"
	EventPong           = "pong"
)

// Event is the JSON envelope written to websocket clients.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data,omitempty"`
}

// NewEvent builds an envelope.
func NewEvent(name string, data any) Event {
	return Event{Name: name, Data: data}
}

// ErrorData describes why an inbound event was not processed.
type ErrorData struct {
	Event  string `json:"event"`
	Reason string `json:"reason"`
}

// ChatTopic is the name of the group of connections that have a chat open.
func ChatTopic(chatID string) string {
	return "chat:" + chatID
}
