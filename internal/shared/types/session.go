package types

import "time"

// SessionStatus represents the lifecycle state of a session
type SessionStatus string

const (
	StatusIdle       SessionStatus = "idle"
	StatusActive     SessionStatus = "active"
	StatusProcessing SessionStatus = "processing"
	StatusClosed     SessionStatus = "closed"
)

// String returns the string representation of the status
func (s SessionStatus) String() string {
	return string(s)
}

// CanTransition reports whether a status change is allowed.
// Processing is reachable only from Active; Closed is terminal.
func (s SessionStatus) CanTransition(to SessionStatus) bool {
	if s == StatusClosed {
		return false
	}
	switch to {
	case StatusIdle, StatusClosed:
		return true
	case StatusActive:
		return s == StatusIdle || s == StatusActive || s == StatusProcessing
	case StatusProcessing:
		return s == StatusActive
	default:
		return false
	}
}

// TitleSource records how a session title was chosen.
// A manual title must never be overwritten by auto-titling on a later save.
type TitleSource string

const (
	TitleDefault TitleSource = "default" // placeholder, eligible for auto-titling
	TitleDerived TitleSource = "derived" // auto-generated from the first user message
	TitleManual  TitleSource = "manual"  // set explicitly by the user
)

// TokenUsage is a point-in-time token accounting snapshot
type TokenUsage struct {
	InputTokens     int `json:"input_tokens"`
	OutputTokens    int `json:"output_tokens"`
	CacheReadTokens int `json:"cache_read_tokens,omitempty"`
	TotalTokens     int `json:"total_tokens"`
}

// ModelConfig holds per-session model configuration
type ModelConfig struct {
	Provider        string   `json:"provider"`
	Model           string   `json:"model"`
	MaxOutputTokens int      `json:"max_output_tokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

// SessionInfo carries session identity and summary data
type SessionInfo struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	TitleSource  TitleSource   `json:"title_source"`
	Status       SessionStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActivity time.Time     `json:"last_activity"`
	MessageCount int           `json:"message_count"`
	TokenUsage   *TokenUsage   `json:"token_usage,omitempty"`
}

// MessageRole identifies the author of a session message
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// SessionMessage is one entry in a session's ordered message history
type SessionMessage struct {
	ID        string      `json:"id"`
	TurnID    string      `json:"turn_id,omitempty"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

// SessionState is the full working state of a session.
// It is owned exclusively by the registry while the process runs.
type SessionState struct {
	Info      SessionInfo      `json:"info"`
	Messages  []SessionMessage `json:"messages"`
	AIHistory OpaqueHistory    `json:"ai_history"`
	Model     *ModelConfig     `json:"model,omitempty"`
}

// AppendMessage adds a message and keeps MessageCount consistent
func (s *SessionState) AppendMessage(msg SessionMessage) {
	s.Messages = append(s.Messages, msg)
	s.Info.MessageCount = len(s.Messages)
	s.Info.LastActivity = msg.Timestamp
}

// TruncateMessages drops messages from index n onward and keeps
// MessageCount consistent
func (s *SessionState) TruncateMessages(n int) {
	if n < 0 {
		n = 0
	}
	if n < len(s.Messages) {
		s.Messages = s.Messages[:n]
	}
	s.Info.MessageCount = len(s.Messages)
}

// TruncateToTurn drops the turn identified by turnID and everything after it.
// Returns false if no message belongs to that turn.
func (s *SessionState) TruncateToTurn(turnID string) bool {
	for i, msg := range s.Messages {
		if msg.TurnID == turnID {
			s.TruncateMessages(i)
			return true
		}
	}
	return false
}

// FirstUserMessage returns the content of the earliest user message
func (s *SessionState) FirstUserMessage() string {
	for _, msg := range s.Messages {
		if msg.Role == RoleUser {
			return msg.Content
		}
	}
	return ""
}

// LastAssistantMessage returns the content of the latest assistant message
func (s *SessionState) LastAssistantMessage() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleAssistant {
			return s.Messages[i].Content
		}
	}
	return ""
}

// HasUserMessages reports whether any user message was recorded.
// Sessions without user messages are never persisted.
func (s *SessionState) HasUserMessages() bool {
	for _, msg := range s.Messages {
		if msg.Role == RoleUser {
			return true
		}
	}
	return false
}

// ToMetadata builds the index projection for this session
func (s *SessionState) ToMetadata() SessionMetadata {
	return SessionMetadata{
		ID:                   s.Info.ID,
		Title:                s.Info.Name,
		TitleSource:          s.Info.TitleSource,
		CreatedAt:            s.Info.CreatedAt,
		LastActiveAt:         s.Info.LastActivity,
		MessageCount:         s.Info.MessageCount,
		FirstUserMessage:     ClampPreview(s.FirstUserMessage()),
		LastAssistantMessage: ClampPreview(s.LastAssistantMessage()),
		Model:                s.Model,
	}
}

// SessionMetadata is the persisted index entry for a session
type SessionMetadata struct {
	ID                   string       `json:"id"`
	Title                string       `json:"title"`
	TitleSource          TitleSource  `json:"title_source,omitempty"`
	CreatedAt            time.Time    `json:"created_at"`
	LastActiveAt         time.Time    `json:"last_active_at"`
	MessageCount         int          `json:"message_count"`
	FirstUserMessage     string       `json:"first_user_message,omitempty"`
	LastAssistantMessage string       `json:"last_assistant_message,omitempty"`
	Model                *ModelConfig `json:"model,omitempty"`
}
