package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

// ErrDuplicateMessage is returned by InsertMessage when a message with
// the same (update_id, telegram_message_id) pair has already been
// archived. Re-fetching a batch after a crash hits this path.
var ErrDuplicateMessage = errors.New("message already archived")

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the data access interface for the archive. Methods
// accept context.Context for cancellation and timeouts.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// UpsertUser inserts or updates a user keyed by telegram_user_id,
	// overwriting mutable fields, and returns the internal row id.
	UpsertUser(ctx context.Context, user *User) (int64, error)

	// InsertMessage inserts a new message record. Returns
	// ErrDuplicateMessage when the (update_id, telegram_message_id)
	// pair already exists.
	InsertMessage(ctx context.Context, message *Message) error

	// InsertMedia inserts a new media record owned by a message.
	InsertMedia(ctx context.Context, media *Media) error

	// LastUpdateID returns the cursor: the last successfully processed
	// update id. ok is false when no fetch has ever succeeded.
	LastUpdateID(ctx context.Context) (id int64, ok bool, err error)

	// SetLastUpdateID replaces the cursor unconditionally. Call only
	// after a fetch batch has been fully processed.
	SetLastUpdateID(ctx context.Context, id int64) error

	// ConversationState returns the survey state for a user, or nil
	// when the user has never started a survey.
	ConversationState(ctx context.Context, userID int64) (*ConversationState, error)

	// SaveConversationState inserts or overwrites a user's survey state.
	SaveConversationState(ctx context.Context, state *ConversationState) error

	// ListUsers returns all known users.
	ListUsers(ctx context.Context) ([]User, error)

	// ListMessages returns one page of messages matching the filter,
	// newest first, joined with sender and media.
	ListMessages(ctx context.Context, filter MessageFilter, page, limit int) (*MessagePage, error)

	// ExportMessages returns all messages matching the filter, oldest
	// first, joined with sender and media.
	ExportMessages(ctx context.Context, filter MessageFilter) ([]MessageWithRelations, error)

	// MediaByID returns a single media row. Returns ErrNotFound when
	// the id does not exist.
	MediaByID(ctx context.Context, id int64) (*Media, error)

	// UpdateMediaDescription sets the description text on a media row.
	UpdateMediaDescription(ctx context.Context, id int64, description string) (*Media, error)

	// UpdateMediaTranscription sets the transcription text on a media row.
	UpdateMediaTranscription(ctx context.Context, id int64, transcription string) (*Media, error)

	// RunSQLMaintenance performs database maintenance tasks like VACUUM.
	RunSQLMaintenance(ctx context.Context) error
}

// sqlxStore implements Store using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a Store backed by sqlx. It requires a connected
// sqlx.DB instance and a logger.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlxStore) UpsertUser(ctx context.Context, user *User) (int64, error) {
	if user == nil {
		return 0, fmt.Errorf("cannot upsert nil user")
	}
	if user.TelegramUserID == 0 {
		return 0, fmt.Errorf("user must have a non-zero telegram_user_id")
	}

	query := `
        INSERT INTO users (telegram_user_id, username, first_name, last_name, language_code)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(telegram_user_id) DO UPDATE SET
            username = excluded.username,
            first_name = excluded.first_name,
            last_name = excluded.last_name,
            language_code = excluded.language_code
        RETURNING id;
    `

	var id int64
	err := s.db.GetContext(ctx, &id, query,
		user.TelegramUserID, user.Username, user.FirstName, user.LastName, user.LanguageCode)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error upserting user", "telegram_user_id", user.TelegramUserID, "error", err)
		return 0, fmt.Errorf("failed to upsert user %d: %w", user.TelegramUserID, err)
	}

	user.ID = id
	return id, nil
}

func (s *sqlxStore) InsertMessage(ctx context.Context, message *Message) error {
	if message == nil {
		return fmt.Errorf("cannot insert nil message")
	}
	if message.Timestamp.IsZero() {
		return fmt.Errorf("message must have a non-zero timestamp")
	}

	query := `
        INSERT INTO messages (telegram_message_id, update_id, user_id, chat_id, text, survey_question, timestamp, raw_json)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(update_id, telegram_message_id) DO NOTHING
        RETURNING id;
    `

	var id int64
	err := s.db.GetContext(ctx, &id, query,
		message.TelegramMessageID, message.UpdateID, message.UserID, message.ChatID,
		message.Text, message.SurveyQuestion, message.Timestamp, message.RawJSON)
	if errors.Is(err, sql.ErrNoRows) {
		// Conflict path: the insert was a no-op.
		return ErrDuplicateMessage
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "Error inserting message",
			"update_id", message.UpdateID, "telegram_message_id", message.TelegramMessageID, "error", err)
		return fmt.Errorf("failed to insert message (update %d): %w", message.UpdateID, err)
	}

	message.ID = id
	return nil
}

func (s *sqlxStore) InsertMedia(ctx context.Context, media *Media) error {
	if media == nil {
		return fmt.Errorf("cannot insert nil media")
	}
	if media.MessageID == 0 {
		return fmt.Errorf("media must reference an owning message")
	}

	query := `
        INSERT INTO media (message_id, media_type, file_id, storage_key, file_name, mime_type, file_size, transcription, description, latitude, longitude)
        VALUES (:message_id, :media_type, :file_id, :storage_key, :file_name, :mime_type, :file_size, :transcription, :description, :latitude, :longitude);
    `

	result, err := s.db.NamedExecContext(ctx, query, media)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error inserting media",
			"message_id", media.MessageID, "media_type", media.MediaType, "error", err)
		return fmt.Errorf("failed to insert media (message %d, type %s): %w", media.MessageID, media.MediaType, err)
	}

	if id, err := result.LastInsertId(); err == nil {
		media.ID = id
	}
	return nil
}

func (s *sqlxStore) LastUpdateID(ctx context.Context) (int64, bool, error) {
	var cursor sql.NullInt64
	err := s.db.GetContext(ctx, &cursor, "SELECT last_update_id FROM last_update WHERE id = 1")
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read cursor: %w", err)
	}
	if !cursor.Valid {
		return 0, false, nil
	}
	return cursor.Int64, true, nil
}

func (s *sqlxStore) SetLastUpdateID(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, "UPDATE last_update SET last_update_id = ? WHERE id = 1", id)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error setting cursor", "last_update_id", id, "error", err)
		return fmt.Errorf("failed to set cursor to %d: %w", id, err)
	}

	if affected, err := result.RowsAffected(); err == nil && affected != 1 {
		// The singleton row is created by the initial migration; a miss
		// here means the schema was tampered with.
		return fmt.Errorf("cursor row missing, cannot set cursor to %d", id)
	}
	return nil
}

func (s *sqlxStore) ConversationState(ctx context.Context, userID int64) (*ConversationState, error) {
	var state ConversationState
	err := s.db.GetContext(ctx, &state, "SELECT * FROM conversation_states WHERE user_id = ?", userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation state for user %d: %w", userID, err)
	}
	return &state, nil
}

func (s *sqlxStore) SaveConversationState(ctx context.Context, state *ConversationState) error {
	if state == nil {
		return fmt.Errorf("cannot save nil conversation state")
	}
	if state.Answers == "" {
		state.Answers = "[]"
	}

	query := `
        INSERT INTO conversation_states (user_id, active, step, answers)
        VALUES (:user_id, :active, :step, :answers)
        ON CONFLICT(user_id) DO UPDATE SET
            active = excluded.active,
            step = excluded.step,
            answers = excluded.answers;
    `

	if _, err := s.db.NamedExecContext(ctx, query, state); err != nil {
		s.logger.ErrorContext(ctx, "Error saving conversation state", "user_id", state.UserID, "error", err)
		return fmt.Errorf("failed to save conversation state for user %d: %w", state.UserID, err)
	}
	return nil
}

func (s *sqlxStore) ListUsers(ctx context.Context) ([]User, error) {
	var users []User
	if err := s.db.SelectContext(ctx, &users, "SELECT * FROM users ORDER BY first_name"); err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

// buildMessageFilter renders the WHERE clause and args for a filter.
// The join on users is always present so sender filters can match.
func buildMessageFilter(filter MessageFilter) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if filter.TelegramUserID != nil {
		clauses = append(clauses, "u.telegram_user_id = ?")
		args = append(args, *filter.TelegramUserID)
	}
	if filter.StartDate != nil {
		clauses = append(clauses, "m.timestamp >= ?")
		args = append(args, *filter.StartDate)
	}
	if filter.EndDate != nil {
		clauses = append(clauses, "m.timestamp <= ?")
		args = append(args, *filter.EndDate)
	}

	if len(clauses) == 0 {
		return "", args
	}

	where := " WHERE " + clauses[0]
	for _, c := range clauses[1:] {
		where += " AND " + c
	}
	return where, args
}

func (s *sqlxStore) ListMessages(ctx context.Context, filter MessageFilter, page, limit int) (*MessagePage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 25
	}

	where, args := buildMessageFilter(filter)
	join := " FROM messages m LEFT JOIN users u ON m.user_id = u.id"

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(m.id)"+join+where, args...); err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}

	result := &MessagePage{CurrentPage: page, TotalCount: total}
	if total == 0 {
		result.CurrentPage = 1
		return result, nil
	}
	result.TotalPages = (total + limit - 1) / limit

	query := "SELECT m.*" + join + where + " ORDER BY m.timestamp DESC LIMIT ? OFFSET ?"
	pageArgs := append(append([]interface{}{}, args...), limit, (page-1)*limit)

	var messages []Message
	if err := s.db.SelectContext(ctx, &messages, query, pageArgs...); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	joined, err := s.attachRelations(ctx, messages)
	if err != nil {
		return nil, err
	}
	result.Messages = joined
	return result, nil
}

func (s *sqlxStore) ExportMessages(ctx context.Context, filter MessageFilter) ([]MessageWithRelations, error) {
	where, args := buildMessageFilter(filter)
	query := "SELECT m.* FROM messages m LEFT JOIN users u ON m.user_id = u.id" + where + " ORDER BY m.timestamp ASC"

	var messages []Message
	if err := s.db.SelectContext(ctx, &messages, query, args...); err != nil {
		return nil, fmt.Errorf("failed to export messages: %w", err)
	}

	return s.attachRelations(ctx, messages)
}

// attachRelations loads the senders and media for a set of messages in
// two batched queries and stitches them onto the results.
func (s *sqlxStore) attachRelations(ctx context.Context, messages []Message) ([]MessageWithRelations, error) {
	result := make([]MessageWithRelations, 0, len(messages))
	if len(messages) == 0 {
		return result, nil
	}

	messageIDs := make([]int64, 0, len(messages))
	userIDSet := make(map[int64]struct{})
	for _, m := range messages {
		messageIDs = append(messageIDs, m.ID)
		if m.UserID.Valid {
			userIDSet[m.UserID.Int64] = struct{}{}
		}
	}

	usersByID := make(map[int64]*User)
	if len(userIDSet) > 0 {
		userIDs := make([]int64, 0, len(userIDSet))
		for id := range userIDSet {
			userIDs = append(userIDs, id)
		}

		query, inArgs, err := sqlx.In("SELECT * FROM users WHERE id IN (?)", userIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to build user query: %w", err)
		}

		var users []User
		if err := s.db.SelectContext(ctx, &users, s.db.Rebind(query), inArgs...); err != nil {
			return nil, fmt.Errorf("failed to load message senders: %w", err)
		}
		for i := range users {
			usersByID[users[i].ID] = &users[i]
		}
	}

	query, inArgs, err := sqlx.In("SELECT * FROM media WHERE message_id IN (?) ORDER BY id", messageIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build media query: %w", err)
	}

	var media []Media
	if err := s.db.SelectContext(ctx, &media, s.db.Rebind(query), inArgs...); err != nil {
		return nil, fmt.Errorf("failed to load message media: %w", err)
	}
	mediaByMessage := make(map[int64][]Media)
	for _, m := range media {
		mediaByMessage[m.MessageID] = append(mediaByMessage[m.MessageID], m)
	}

	for _, m := range messages {
		entry := MessageWithRelations{Message: m, Media: mediaByMessage[m.ID]}
		if entry.Media == nil {
			entry.Media = []Media{}
		}
		if m.UserID.Valid {
			entry.User = usersByID[m.UserID.Int64]
		}
		result = append(result, entry)
	}
	return result, nil
}

func (s *sqlxStore) MediaByID(ctx context.Context, id int64) (*Media, error) {
	var media Media
	err := s.db.GetContext(ctx, &media, "SELECT * FROM media WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load media %d: %w", id, err)
	}
	return &media, nil
}

func (s *sqlxStore) UpdateMediaDescription(ctx context.Context, id int64, description string) (*Media, error) {
	return s.updateMediaText(ctx, id, "description", description)
}

func (s *sqlxStore) UpdateMediaTranscription(ctx context.Context, id int64, transcription string) (*Media, error) {
	return s.updateMediaText(ctx, id, "transcription", transcription)
}

func (s *sqlxStore) updateMediaText(ctx context.Context, id int64, column, value string) (*Media, error) {
	// column is one of two trusted literals, never user input.
	result, err := s.db.ExecContext(ctx, "UPDATE media SET "+column+" = ? WHERE id = ?", value, id)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error updating media text", "media_id", id, "column", column, "error", err)
		return nil, fmt.Errorf("failed to update media %d %s: %w", id, column, err)
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return nil, ErrNotFound
	}
	return s.MediaByID(ctx, id)
}

func (s *sqlxStore) RunSQLMaintenance(ctx context.Context) error {
	s.logger.InfoContext(ctx, "Running SQL maintenance")

	if _, err := s.db.ExecContext(ctx, "ANALYZE;"); err != nil {
		return fmt.Errorf("failed to run ANALYZE: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM;"); err != nil {
		return fmt.Errorf("failed to run VACUUM: %w", err)
	}
	return nil
}
