package storage

import (
	"time"

	"github.com/google/uuid"
)

// Consumer categories partition model/prompt defaults by use-case.
const (
	ConsumerFastChat = "FCH"
	ConsumerSystem   = "SYS"
	ConsumerImage    = "IMG"
)

const ProviderOpenAI = "openai"

type ModelProfile struct {
	ID          uuid.UUID
	Provider    string
	TitlePublic string
	TitleModel  string
	EncAPIKey   string

	IsDefault bool
	IsFree    bool

	IncomingPrice float64
	OutgoingPrice float64

	ContextWindow        int
	MaxRequestTokens     int
	HistoryWindowMinutes int

	Consumer  string
	CreatedAt time.Time
}

type PromptProfile struct {
	ID        uuid.UUID
	Title     string
	ENText    string
	RUText    string
	IsDefault bool
	Consumer  string
	CreatedAt time.Time
}

// ActiveConfig binds a requester to one model and one prompt. At most one
// row exists per user or telegram user.
type ActiveConfig struct {
	ID        uuid.UUID
	UserID    *uuid.UUID
	TgUserID  *int64
	ModelID   uuid.UUID
	PromptID  uuid.UUID
	TimeStart time.Time
	CreatedAt time.Time
}

type ActiveConfigView struct {
	ActiveConfig
	Model  ModelProfile
	Prompt PromptProfile
}

// Transaction is the append-only record of one completed conversation
// exchange. Rows are never mutated after insert.
type Transaction struct {
	ID     uuid.UUID
	ChatID string

	Question           string
	QuestionTokens     int
	QuestionTokenPrice float64

	Answer           string
	AnswerTokens     int
	AnswerTokenPrice float64

	Image *string

	Consumer       string
	ActiveConfigID *uuid.UUID
	CreatedAt      time.Time
}

// HistoryEntry is the projection of a transaction used to rebuild prompt
// windows.
type HistoryEntry struct {
	Question       string
	QuestionTokens int
	Answer         string
	AnswerTokens   int
}

type User struct {
	ID             uuid.UUID
	Email          string
	Username       string
	HashedPassword string
	IsActive       bool
	CreatedAt      time.Time
}

type TgUser struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
	UserID    *uuid.UUID
	CreatedAt time.Time
}

type TgGroup struct {
	ID        int64
	Title     string
	Type      string
	CreatedAt time.Time
}

type Image struct {
	ID        uuid.UUID
	ObjectKey string
	URL       string
	UserID    *uuid.UUID
	CreatedAt time.Time
}
