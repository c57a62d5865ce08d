package domain

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"
)

// DefaultSessionName is the name every session starts with until its first
// user message is committed
const DefaultSessionName = "New Chat"

// sessionNameLimit is the number of characters kept when naming a session
// after its first message
const sessionNameLimit = 30

// User identifies whose sessions are being stored
type User struct {
	ID          string `json:"id" mapstructure:"id"`
	DisplayName string `json:"display_name" mapstructure:"display_name"`
}

// ChatSession represents one conversation thread
type ChatSession struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	Messages  Transcript `json:"messages"`
}

// HasUserMessage reports whether the user has asked anything in the session
func (s *ChatSession) HasUserMessage() bool {
	for _, m := range s.Messages {
		if _, ok := m.(UserMessage); ok {
			return true
		}
	}
	return false
}

// Append adds a message to the end of the transcript. The first user message
// of a session still carrying the default name also renames it.
func (s *ChatSession) Append(msg Message) {
	if um, ok := msg.(UserMessage); ok && s.Name == DefaultSessionName && !s.HasUserMessage() {
		s.Name = SessionNameFor(um.Content)
	}
	s.Messages = append(s.Messages, msg)
}

// Clone returns a copy whose transcript can be appended to independently
func (s ChatSession) Clone() ChatSession {
	out := s
	out.Messages = append(Transcript(nil), s.Messages...)
	return out
}

// Validate checks the structural shape of a session loaded from storage
func (s *ChatSession) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("session without id")
	}
	if s.Name == "" {
		return fmt.Errorf("session %s without name", s.ID)
	}
	for i, m := range s.Messages {
		if m == nil {
			return fmt.Errorf("session %s: nil message at %d", s.ID, i)
		}
		if bm, ok := m.(BotMessage); ok && bm.Plan != nil {
			if err := bm.Plan.Validate(); err != nil {
				return fmt.Errorf("session %s: message %d: %w", s.ID, i, err)
			}
		}
	}
	return nil
}

// SessionNameFor derives a session name from the first user message
func SessionNameFor(content string) string {
	if utf8.RuneCountInString(content) <= sessionNameLimit {
		return content
	}
	runes := []rune(content)
	return string(runes[:sessionNameLimit]) + "..."
}

// MessageType tags the variants of Message
type MessageType string

const (
	MessageTypeUser  MessageType = "user"
	MessageTypeBot   MessageType = "bot"
	MessageTypeError MessageType = "error"
)

// Message is one transcript entry: UserMessage, BotMessage or ErrorMessage
type Message interface {
	Type() MessageType
	Text() string
	Time() time.Time
	message()
}

// UserMessage is a question asked by the user
type UserMessage struct {
	Content   string
	Timestamp time.Time
}

// BotMessage is an answer produced by the backend pipeline
type BotMessage struct {
	Content   string
	Plan      *ExecutionPlan
	Evidence  []EvidenceItem
	Timestamp time.Time
}

// ErrorMessage records a question that could not be answered
type ErrorMessage struct {
	Content   string
	Timestamp time.Time
}

func (m UserMessage) Type() MessageType  { return MessageTypeUser }
func (m UserMessage) Text() string       { return m.Content }
func (m UserMessage) Time() time.Time    { return m.Timestamp }
func (UserMessage) message()             {}
func (m BotMessage) Type() MessageType   { return MessageTypeBot }
func (m BotMessage) Text() string        { return m.Content }
func (m BotMessage) Time() time.Time     { return m.Timestamp }
func (BotMessage) message()              {}
func (m ErrorMessage) Type() MessageType { return MessageTypeError }
func (m ErrorMessage) Text() string      { return m.Content }
func (m ErrorMessage) Time() time.Time   { return m.Timestamp }
func (ErrorMessage) message()            {}

// TopEvidence returns the highest ranked evidence item, if any
func (m BotMessage) TopEvidence() (EvidenceItem, bool) {
	if len(m.Evidence) == 0 {
		return EvidenceItem{}, false
	}
	return m.Evidence[0], true
}

// Transcript is the ordered message list of a session
type Transcript []Message

// messageJSON is the tagged wire shape of a Message
type messageJSON struct {
	Type      MessageType    `json:"type"`
	Content   string         `json:"content"`
	Plan      *ExecutionPlan `json:"plan,omitempty"`
	Evidence  []EvidenceItem `json:"evidence,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// MarshalJSON encodes the transcript as a list of tagged messages
func (t Transcript) MarshalJSON() ([]byte, error) {
	out := make([]messageJSON, 0, len(t))
	for _, m := range t {
		switch v := m.(type) {
		case UserMessage:
			out = append(out, messageJSON{Type: MessageTypeUser, Content: v.Content, Timestamp: v.Timestamp})
		case BotMessage:
			out = append(out, messageJSON{
				Type:      MessageTypeBot,
				Content:   v.Content,
				Plan:      v.Plan,
				Evidence:  v.Evidence,
				Timestamp: v.Timestamp,
			})
		case ErrorMessage:
			out = append(out, messageJSON{Type: MessageTypeError, Content: v.Content, Timestamp: v.Timestamp})
		default:
			return nil, fmt.Errorf("unsupported message type %T", m)
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes tagged messages, rejecting unknown tags
func (t *Transcript) UnmarshalJSON(data []byte) error {
	var raw []messageJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Transcript, 0, len(raw))
	for i, r := range raw {
		switch r.Type {
		case MessageTypeUser:
			out = append(out, UserMessage{Content: r.Content, Timestamp: r.Timestamp})
		case MessageTypeBot:
			out = append(out, BotMessage{
				Content:   r.Content,
				Plan:      r.Plan,
				Evidence:  r.Evidence,
				Timestamp: r.Timestamp,
			})
		case MessageTypeError:
			out = append(out, ErrorMessage{Content: r.Content, Timestamp: r.Timestamp})
		default:
			return fmt.Errorf("message %d: unknown type %q", i, r.Type)
		}
	}
	*t = out
	return nil
}
