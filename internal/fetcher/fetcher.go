// Package fetcher implements the incremental update-fetch loop: it
// polls the message source from a persisted cursor, dispatches each
// update into the archive, drives the survey dialogue, and relays
// attached media into object storage.
package fetcher

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dmateus/fieldlog/internal/blob"
	"github.com/dmateus/fieldlog/internal/database"
	"github.com/dmateus/fieldlog/internal/source"
)

// Fetcher pulls update batches from the source and archives them. A
// single Fetcher must not run concurrently with itself; the scheduler
// serializes invocations.
type Fetcher struct {
	log        *slog.Logger
	store      database.Store
	src        source.Source
	blobs      blob.Store
	survey     *Survey
	batchLimit int
}

// New creates a Fetcher. batchLimit bounds the number of updates pulled
// per run.
func New(logger *slog.Logger, store database.Store, src source.Source, blobs blob.Store, survey *Survey, batchLimit int) *Fetcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Fetcher{
		log:        logger.With("component", "fetcher"),
		store:      store,
		src:        src,
		blobs:      blobs,
		survey:     survey,
		batchLimit: batchLimit,
	}
}

// Run performs one fetch cycle: read the cursor, pull a batch, process
// every update in delivery order, and advance the cursor once to the
// maximum update id seen. A fetch failure aborts the run without
// touching the cursor, so the next invocation retries the same offset.
// Per-update failures are logged and skipped; their ids still count
// toward the cursor so a poison update cannot wedge the loop.
func (f *Fetcher) Run(ctx context.Context) error {
	last, ok, err := f.store.LastUpdateID(ctx)
	if err != nil {
		return fmt.Errorf("failed to read cursor: %w", err)
	}

	var offset int64
	if ok {
		offset = last + 1
	}

	updates, err := f.src.FetchUpdates(ctx, offset, f.batchLimit)
	if err != nil {
		return fmt.Errorf("failed to fetch updates: %w", err)
	}
	if len(updates) == 0 {
		f.log.DebugContext(ctx, "No new updates", "offset", offset)
		return nil
	}

	f.log.InfoContext(ctx, "Processing update batch", "count", len(updates), "offset", offset)

	var maxID int64
	seen := false
	for _, update := range updates {
		if err := f.processUpdate(ctx, update); err != nil {
			f.log.ErrorContext(ctx, "Failed to process update", "update_id", update.ID, "error", err)
		}
		if !seen || update.ID > maxID {
			maxID = update.ID
			seen = true
		}
	}

	if seen {
		if err := f.store.SetLastUpdateID(ctx, maxID); err != nil {
			return fmt.Errorf("failed to advance cursor: %w", err)
		}
		f.log.InfoContext(ctx, "Cursor advanced", "last_update_id", maxID)
	}
	return nil
}

// processUpdate archives one update: resolve the sender, run the survey
// dialogue, persist the message, and fan out media. Updates without a
// message payload or a resolvable sender are dropped whole.
func (f *Fetcher) processUpdate(ctx context.Context, update source.Update) error {
	msg := update.Message
	if msg == nil {
		return nil
	}
	if msg.Sender == nil {
		f.log.DebugContext(ctx, "Dropping update without resolvable sender", "update_id", update.ID)
		return nil
	}

	userID, err := f.store.UpsertUser(ctx, &database.User{
		TelegramUserID: msg.Sender.ID,
		Username:       msg.Sender.Username,
		FirstName:      msg.Sender.FirstName,
		LastName:       msg.Sender.LastName,
		LanguageCode:   msg.Sender.LanguageCode,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert sender: %w", err)
	}

	record := &database.Message{
		TelegramMessageID: msg.ID,
		UpdateID:          update.ID,
		UserID:            sql.NullInt64{Int64: userID, Valid: true},
		ChatID:            msg.ChatID,
		Text:              msg.Text,
		Timestamp:         msg.SentAt,
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	if len(msg.Raw) > 0 {
		record.RawJSON = sql.NullString{String: string(msg.Raw), Valid: true}
	}

	// The survey start command is consumed by the state machine
	// exclusively: the message is archived without annotation and any
	// media on it is ignored. The insert runs first so a replayed
	// command cannot restart an already running survey.
	if f.survey.IsStartCommand(msg.Text) {
		if err := f.store.InsertMessage(ctx, record); err != nil {
			if errors.Is(err, database.ErrDuplicateMessage) {
				f.log.InfoContext(ctx, "Skipping already archived message",
					"update_id", update.ID, "telegram_message_id", msg.ID)
				return nil
			}
			return fmt.Errorf("failed to archive survey command: %w", err)
		}
		if err := f.survey.Begin(ctx, userID, msg.ChatID); err != nil {
			return fmt.Errorf("failed to start survey: %w", err)
		}
		return nil
	}

	state, err := f.store.ConversationState(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to read conversation state: %w", err)
	}
	surveyActive := state != nil && state.Active
	if surveyActive {
		if question, ok := f.survey.CurrentQuestion(state); ok {
			record.SurveyQuestion = sql.NullString{String: question, Valid: true}
		}
	}

	// Insert before advancing the survey: the duplicate check is the
	// replay guard, and a replayed answer must not move the state
	// machine or be collected twice.
	if err := f.store.InsertMessage(ctx, record); err != nil {
		if errors.Is(err, database.ErrDuplicateMessage) {
			f.log.InfoContext(ctx, "Skipping already archived message",
				"update_id", update.ID, "telegram_message_id", msg.ID)
			return nil
		}
		return fmt.Errorf("failed to archive message: %w", err)
	}

	if surveyActive {
		if err := f.survey.Advance(ctx, state, msg.Text, msg.ChatID); err != nil {
			return fmt.Errorf("failed to advance survey: %w", err)
		}
	}

	for _, att := range msg.Attachments {
		if err := f.archiveAttachment(ctx, record, msg.Sender.ID, att); err != nil {
			return fmt.Errorf("failed to archive %s attachment: %w", att.Kind, err)
		}
	}
	return nil
}

// archiveAttachment records one media row for the message, relaying
// file bytes into object storage first. Relay failures are logged and
// recorded as a zero-byte row; they never block message archival.
func (f *Fetcher) archiveAttachment(ctx context.Context, record *database.Message, senderID int64, att source.Attachment) error {
	media := &database.Media{
		MessageID: record.ID,
		MediaType: string(att.Kind),
		FileID:    att.FileID,
		MimeType:  att.MimeType,
	}

	if att.Kind == source.KindLocation {
		media.Latitude = sql.NullFloat64{Float64: att.Latitude, Valid: true}
		media.Longitude = sql.NullFloat64{Float64: att.Longitude, Valid: true}
		return f.store.InsertMedia(ctx, media)
	}

	data, ext, err := f.src.Download(ctx, att.FileID)
	if err != nil {
		f.log.WarnContext(ctx, "Media download failed",
			"file_id", att.FileID, "kind", att.Kind, "error", err)
		data = nil
	}

	name := deriveFilename(att, ext)
	key := fmt.Sprintf("%d/%d/%s", senderID, record.TelegramMessageID, name)

	var size int64
	if data != nil {
		size, err = f.blobs.Put(ctx, key, data, att.MimeType)
		if err != nil {
			f.log.WarnContext(ctx, "Media relay failed", "key", key, "error", err)
			size = 0
		}
	}

	media.StorageKey = sql.NullString{String: key, Valid: true}
	media.FileName = name
	media.FileSize = size
	return f.store.InsertMedia(ctx, media)
}

// deriveFilename prefers the source-provided name and otherwise
// synthesizes one from the kind and file id, using the source-reported
// extension or a kind-specific default.
func deriveFilename(att source.Attachment, ext string) string {
	if att.FileName != "" {
		return att.FileName
	}
	if ext == "" {
		ext = defaultExtension(att.Kind)
	}
	return fmt.Sprintf("%s_%s%s", att.Kind, att.FileID, ext)
}

func defaultExtension(kind source.Kind) string {
	switch kind {
	case source.KindPhoto:
		return ".jpg"
	case source.KindAudio:
		return ".mp3"
	case source.KindVoice:
		return ".ogg"
	case source.KindVideo:
		return ".mp4"
	case source.KindSticker:
		return ".webp"
	default:
		return ".bin"
	}
}
