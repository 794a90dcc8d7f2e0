package database

import (
	"database/sql"
	"encoding/json"
	"time"
)

// User is a Telegram sender seen by the archiver. Rows are upserted on
// every sighting, keyed by the platform user id; mutable fields are
// overwritten each time.
type User struct {
	ID             int64     `db:"id"`
	TelegramUserID int64     `db:"telegram_user_id"`
	Username       string    `db:"username"`
	FirstName      string    `db:"first_name"`
	LastName       string    `db:"last_name"`
	LanguageCode   string    `db:"language_code"`
	CreatedAt      time.Time `db:"created_at"`
}

// Message is one archived inbound message. SurveyQuestion holds the
// question this message answered, when it arrived as a survey answer.
// RawJSON keeps the original payload for forward compatibility.
type Message struct {
	ID                int64          `db:"id"`
	TelegramMessageID int64          `db:"telegram_message_id"`
	UpdateID          int64          `db:"update_id"`
	UserID            sql.NullInt64  `db:"user_id"`
	ChatID            int64          `db:"chat_id"`
	Text              string         `db:"text"`
	SurveyQuestion    sql.NullString `db:"survey_question"`
	Timestamp         time.Time      `db:"timestamp"`
	RawJSON           sql.NullString `db:"raw_json"`
}

// Media is one attachment archived for a message. Exactly one of
// StorageKey or Latitude+Longitude is set, depending on the media type:
// locations carry coordinates, every other kind carries an object
// storage key. Transcription and Description default to empty and are
// filled in later by the AI endpoints.
type Media struct {
	ID            int64           `db:"id"`
	MessageID     int64           `db:"message_id"`
	MediaType     string          `db:"media_type"`
	FileID        string          `db:"file_id"`
	StorageKey    sql.NullString  `db:"storage_key"`
	FileName      string          `db:"file_name"`
	MimeType      string          `db:"mime_type"`
	FileSize      int64           `db:"file_size"`
	Transcription string          `db:"transcription"`
	Description   string          `db:"description"`
	Latitude      sql.NullFloat64 `db:"latitude"`
	Longitude     sql.NullFloat64 `db:"longitude"`
}

// ConversationState is the per-user survey dialogue state. Step indexes
// into the configured question list; Answers is a JSON-encoded ordered
// list of collected answer strings.
type ConversationState struct {
	UserID  int64  `db:"user_id"`
	Active  bool   `db:"active"`
	Step    int    `db:"step"`
	Answers string `db:"answers"`
}

// AnswerList decodes the collected answers. A corrupt or empty column
// yields an empty list rather than an error; answers are advisory data.
func (c *ConversationState) AnswerList() []string {
	if c.Answers == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(c.Answers), &out); err != nil {
		return nil
	}
	return out
}

// SetAnswers encodes the given answers into the Answers column.
func (c *ConversationState) SetAnswers(answers []string) {
	if answers == nil {
		answers = []string{}
	}
	data, err := json.Marshal(answers)
	if err != nil {
		c.Answers = "[]"
		return
	}
	c.Answers = string(data)
}

// MessageWithRelations is a message joined with its sender and media,
// as returned by the query surface.
type MessageWithRelations struct {
	Message
	User  *User
	Media []Media
}

// MessageFilter narrows message listings by sender and/or date range.
type MessageFilter struct {
	TelegramUserID *int64
	StartDate      *time.Time
	EndDate        *time.Time
}

// MessagePage is one page of a filtered message listing.
type MessagePage struct {
	Messages    []MessageWithRelations
	TotalCount  int
	TotalPages  int
	CurrentPage int
}
