package api

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/dmateus/fieldlog/internal/blob"
	"github.com/dmateus/fieldlog/internal/config"
	"github.com/dmateus/fieldlog/internal/database"
	"github.com/dmateus/fieldlog/internal/gemini"
	"github.com/dmateus/fieldlog/internal/source"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

type handlers struct {
	log        *slog.Logger
	store      database.Store
	blobs      blob.Store
	ai         gemini.Client
	gemCfg     config.GeminiConfig
	presignTTL time.Duration
}

// Health reports liveness and database reachability.
func (h *handlers) Health(c *fiber.Ctx) error {
	if err := h.store.Ping(c.Context()); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "degraded", "error": "database unreachable"})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

// ListUsers returns every sender the archiver has seen.
func (h *handlers) ListUsers(c *fiber.Ctx) error {
	users, err := h.store.ListUsers(c.Context())
	if err != nil {
		h.log.ErrorContext(c.Context(), "Failed to list users", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to list users"})
	}

	out := make([]userDTO, 0, len(users))
	for i := range users {
		out = append(out, toUserDTO(&users[i]))
	}
	return c.JSON(fiber.Map{"users": out})
}

// ListMessages returns one page of archived messages, newest first.
// Filters: telegram_user_id, start_date, end_date (RFC 3339 or
// YYYY-MM-DD); paging: page, limit.
func (h *handlers) ListMessages(c *fiber.Ctx) error {
	filter, err := parseFilter(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	page := c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}
	limit := c.QueryInt("limit", defaultPageLimit)
	if limit < 1 || limit > maxPageLimit {
		limit = defaultPageLimit
	}

	result, err := h.store.ListMessages(c.Context(), filter, page, limit)
	if err != nil {
		h.log.ErrorContext(c.Context(), "Failed to list messages", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to list messages"})
	}

	msgs := make([]messageDTO, 0, len(result.Messages))
	for i := range result.Messages {
		msgs = append(msgs, toMessageDTO(&result.Messages[i]))
	}
	return c.JSON(fiber.Map{
		"messages":    msgs,
		"total_count": result.TotalCount,
		"total_pages": result.TotalPages,
		"page":        result.CurrentPage,
	})
}

// ExportMessages returns all matching messages oldest first, flattened
// into plain-text entries suitable for feeding the summarizer.
func (h *handlers) ExportMessages(c *fiber.Ctx) error {
	filter, err := parseFilter(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	messages, err := h.store.ExportMessages(c.Context(), filter)
	if err != nil {
		h.log.ErrorContext(c.Context(), "Failed to export messages", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to export messages"})
	}

	return c.JSON(fiber.Map{"entries": toExportEntries(messages)})
}

// MediaURL mints a time-limited retrieval URL for an object key.
func (h *handlers) MediaURL(c *fiber.Ctx) error {
	key := c.Query("key")
	if key == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "key is required"})
	}

	url, err := h.blobs.PresignGet(c.Context(), key, h.presignTTL)
	if err != nil {
		h.log.ErrorContext(c.Context(), "Failed to presign media URL", "key", key, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to generate URL"})
	}
	return c.JSON(fiber.Map{"url": url, "expires_in": h.presignTTL.String()})
}

// SetDescription stores a caller-provided description on a media row.
func (h *handlers) SetDescription(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id < 1 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid media id"})
	}

	var req struct {
		Description string `json:"description"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	media, err := h.store.UpdateMediaDescription(c.Context(), int64(id), req.Description)
	if errors.Is(err, database.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "media not found"})
	}
	if err != nil {
		h.log.ErrorContext(c.Context(), "Failed to update media description", "media_id", id, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to update description"})
	}
	return c.JSON(toMediaDTO(media))
}

// SetTranscription stores a caller-provided transcription on a media row.
func (h *handlers) SetTranscription(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id < 1 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid media id"})
	}

	var req struct {
		Transcription string `json:"transcription"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	media, err := h.store.UpdateMediaTranscription(c.Context(), int64(id), req.Transcription)
	if errors.Is(err, database.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "media not found"})
	}
	if err != nil {
		h.log.ErrorContext(c.Context(), "Failed to update media transcription", "media_id", id, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to update transcription"})
	}
	return c.JSON(toMediaDTO(media))
}

// GenerateDescription fetches a stored image and asks the model to
// describe it, persisting the result.
func (h *handlers) GenerateDescription(c *fiber.Ctx) error {
	media, errResp := h.loadStoredMedia(c)
	if media == nil {
		return errResp
	}
	if media.MediaType != string(source.KindPhoto) && media.MediaType != string(source.KindSticker) {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": fmt.Sprintf("cannot describe media of type %s", media.MediaType)})
	}

	data, err := h.blobs.Get(c.Context(), media.StorageKey.String)
	if err != nil {
		h.log.ErrorContext(c.Context(), "Failed to fetch media from storage", "media_id", media.ID, "key", media.StorageKey.String, "error", err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "failed to fetch media from storage"})
	}

	mime := media.MimeType
	if mime == "" {
		mime = "image/jpeg"
	}
	text, err := h.ai.DescribeImage(c.Context(), data, mime, h.gemCfg.DescribePrompt)
	if err != nil {
		h.log.ErrorContext(c.Context(), "Image description failed", "media_id", media.ID, "error", err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "description generation failed"})
	}

	updated, err := h.store.UpdateMediaDescription(c.Context(), media.ID, text)
	if err != nil {
		h.log.ErrorContext(c.Context(), "Failed to persist generated description", "media_id", media.ID, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to persist description"})
	}
	return c.JSON(toMediaDTO(updated))
}

// GenerateTranscription fetches stored audio and asks the model to
// transcribe it, persisting the result.
func (h *handlers) GenerateTranscription(c *fiber.Ctx) error {
	media, errResp := h.loadStoredMedia(c)
	if media == nil {
		return errResp
	}
	if media.MediaType != string(source.KindAudio) && media.MediaType != string(source.KindVoice) && media.MediaType != string(source.KindVideo) {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": fmt.Sprintf("cannot transcribe media of type %s", media.MediaType)})
	}

	data, err := h.blobs.Get(c.Context(), media.StorageKey.String)
	if err != nil {
		h.log.ErrorContext(c.Context(), "Failed to fetch media from storage", "media_id", media.ID, "key", media.StorageKey.String, "error", err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "failed to fetch media from storage"})
	}

	mime := media.MimeType
	if mime == "" {
		mime = "audio/ogg"
	}
	text, err := h.ai.TranscribeAudio(c.Context(), data, mime, media.FileName, h.gemCfg.TranscribePrompt)
	if err != nil {
		h.log.ErrorContext(c.Context(), "Audio transcription failed", "media_id", media.ID, "error", err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "transcription generation failed"})
	}

	updated, err := h.store.UpdateMediaTranscription(c.Context(), media.ID, text)
	if err != nil {
		h.log.ErrorContext(c.Context(), "Failed to persist generated transcription", "media_id", media.ID, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to persist transcription"})
	}
	return c.JSON(toMediaDTO(updated))
}

// Summarize exports the matching messages and asks the model for a
// narrative summary of the collected entries.
func (h *handlers) Summarize(c *fiber.Ctx) error {
	var req struct {
		TelegramUserID *int64 `json:"telegram_user_id"`
		StartDate      string `json:"start_date"`
		EndDate        string `json:"end_date"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}
	}

	filter := database.MessageFilter{TelegramUserID: req.TelegramUserID}
	if req.StartDate != "" {
		t, err := parseDate(req.StartDate)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid start_date"})
		}
		filter.StartDate = &t
	}
	if req.EndDate != "" {
		t, err := parseDate(req.EndDate)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid end_date"})
		}
		filter.EndDate = &t
	}

	messages, err := h.store.ExportMessages(c.Context(), filter)
	if err != nil {
		h.log.ErrorContext(c.Context(), "Failed to export messages for summary", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to export messages"})
	}
	if len(messages) == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no messages match the filter"})
	}

	summary, err := h.ai.Summarize(c.Context(), renderEntries(toExportEntries(messages)), h.gemCfg.SummarizePrompt)
	if err != nil {
		h.log.ErrorContext(c.Context(), "Summarization failed", "error", err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "summarization failed"})
	}
	return c.JSON(fiber.Map{"summary": summary, "entry_count": len(messages)})
}

// loadStoredMedia resolves the :id param to a media row that has bytes
// in object storage. On failure the returned media is nil and the
// error return carries the already-written fiber response.
func (h *handlers) loadStoredMedia(c *fiber.Ctx) (*database.Media, error) {
	id, err := c.ParamsInt("id")
	if err != nil || id < 1 {
		return nil, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid media id"})
	}

	media, err := h.store.MediaByID(c.Context(), int64(id))
	if errors.Is(err, database.ErrNotFound) {
		return nil, c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "media not found"})
	}
	if err != nil {
		h.log.ErrorContext(c.Context(), "Failed to load media", "media_id", id, "error", err)
		return nil, c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load media"})
	}
	if !media.StorageKey.Valid || media.StorageKey.String == "" || media.FileSize == 0 {
		return nil, c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "media has no stored content"})
	}
	return media, nil
}

func parseFilter(c *fiber.Ctx) (database.MessageFilter, error) {
	var filter database.MessageFilter

	if raw := c.Query("telegram_user_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return filter, fmt.Errorf("invalid telegram_user_id")
		}
		filter.TelegramUserID = &id
	}
	if raw := c.Query("start_date"); raw != "" {
		t, err := parseDate(raw)
		if err != nil {
			return filter, fmt.Errorf("invalid start_date: use RFC 3339 or YYYY-MM-DD")
		}
		filter.StartDate = &t
	}
	if raw := c.Query("end_date"); raw != "" {
		t, err := parseDate(raw)
		if err != nil {
			return filter, fmt.Errorf("invalid end_date: use RFC 3339 or YYYY-MM-DD")
		}
		filter.EndDate = &t
	}
	return filter, nil
}

// parseDate accepts RFC 3339 timestamps or bare dates. Bare dates are
// interpreted as UTC midnight.
func parseDate(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// renderEntries flattens export entries into the plain-text block the
// summarizer receives.
func renderEntries(entries []exportEntry) string {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.Timestamp)
		b.WriteString(" | ")
		b.WriteString(e.User)
		if e.Text != "" {
			b.WriteString(" | ")
			b.WriteString(e.Text)
		}
		if e.ImageDescription != "" {
			b.WriteString(" | [image] ")
			b.WriteString(e.ImageDescription)
		}
		if e.AudioTranscription != "" {
			b.WriteString(" | [audio] ")
			b.WriteString(e.AudioTranscription)
		}
		if e.Location != nil {
			b.WriteString(fmt.Sprintf(" | [location] %f,%f", e.Location.Latitude, e.Location.Longitude))
		}
		b.WriteString("\n")
	}
	return b.String()
}
