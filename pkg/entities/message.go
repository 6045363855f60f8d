package entities

import "time"

// Source identifies the chat platform a message arrived from.
type Source string

const (
	SourceOneBot   Source = "onebot"
	SourceTelegram Source = "telegram"
)

type User struct {
	ID   string
	Name string
}

// Message is the transport-independent view of an inbound chat message.
type Message struct {
	Source Source

	// Session is a stable per-conversation key, e.g. "onebot:group:1234".
	Session string

	// ID is the platform message id. Arbitration is keyed by it, so it must
	// be the id every competing instance observes for the same message.
	ID int64

	ChatID    string
	GroupChat bool

	// Reactable marks transports that expose the reaction side-channel.
	// Without it arbitration is skipped entirely.
	Reactable bool

	SelfID int64
	Sender User
	Text   string
	Time   time.Time
}

func (m *Message) HasText() bool {
	return m.Text != ""
}

// Reply is one outbound message segment. Kind is empty for plain text.
type Reply struct {
	Kind     MediaKind
	Text     string
	Path     string
	FileName string
}
