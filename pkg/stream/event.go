// Package stream carries one chat turn from the model to the client as a
// server-sent event stream.
package stream

// EventType names the kinds of frames sent to the client.
type EventType string

const (
	TypeConversationID EventType = "conversation_id"
	TypeHistoryUsed    EventType = "history_used"
	TypeDelta          EventType = "delta"
	TypeTitle          EventType = "title"
	TypeDone           EventType = "done"
	TypeError          EventType = "error"
)

// Event is one frame, serialized as `data: <json>`.
type Event struct {
	Type    EventType `json:"type"`
	ID      string    `json:"id,omitempty"`
	Text    string    `json:"text,omitempty"`
	Title   string    `json:"title,omitempty"`
	Message string    `json:"message,omitempty"`
}

func ConversationID(id string) Event { return Event{Type: TypeConversationID, ID: id} }
func HistoryUsed() Event             { return Event{Type: TypeHistoryUsed} }
func Delta(text string) Event        { return Event{Type: TypeDelta, Text: text} }
func Title(title string) Event       { return Event{Type: TypeTitle, Title: title} }
func Done() Event                    { return Event{Type: TypeDone} }
func Error(message string) Event     { return Event{Type: TypeError, Message: message} }

// Terminal reports whether no event may follow e.
func (e Event) Terminal() bool {
	return e.Type == TypeDone || e.Type == TypeError
}
