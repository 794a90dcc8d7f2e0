package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"time"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// Telegram implements Source against the Telegram Bot API using the
// go-telegram/bot library. The library drives its own internal polling
// loop and does not expose a bounded getUpdates call, so FetchUpdates
// talks to the Bot API endpoint directly; Download and SendMessage go
// through the library.
type Telegram struct {
	bot         *tgbot.Bot
	httpClient  *http.Client
	apiURL      string
	log         *slog.Logger
	pollTimeout time.Duration
}

// NewTelegram creates a Telegram source. pollTimeout bounds the
// long-poll duration of each GetUpdates call.
func NewTelegram(token string, pollTimeout time.Duration, logger *slog.Logger) (*Telegram, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram bot token cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	b, err := tgbot.New(token, tgbot.WithSkipGetMe())
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	return &Telegram{
		bot:         b,
		httpClient:  &http.Client{Timeout: 2 * time.Minute},
		apiURL:      "https://api.telegram.org/bot" + token,
		log:         logger.With("component", "telegram_source"),
		pollTimeout: pollTimeout,
	}, nil
}

// getUpdatesRequest mirrors the Bot API getUpdates parameters.
type getUpdatesRequest struct {
	Offset  int64 `json:"offset"`
	Limit   int   `json:"limit"`
	Timeout int   `json:"timeout"`
}

type getUpdatesResponse struct {
	OK          bool             `json:"ok"`
	Description string           `json:"description"`
	Result      []*models.Update `json:"result"`
}

// FetchUpdates pulls a bounded batch of updates at the given offset and
// converts them into source types.
func (t *Telegram) FetchUpdates(ctx context.Context, offset int64, limit int) ([]Update, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, t.pollTimeout+5*time.Second)
	defer cancel()

	payload, err := json.Marshal(getUpdatesRequest{
		Offset:  offset,
		Limit:   limit,
		Timeout: int(t.pollTimeout.Seconds()),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode getUpdates request: %w", err)
	}

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodPost, t.apiURL+"/getUpdates", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build getUpdates request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get updates (offset %d): %w", offset, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("getUpdates returned status %d", resp.StatusCode)
	}

	var decoded getUpdatesResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode getUpdates response: %w", err)
	}
	if !decoded.OK {
		return nil, fmt.Errorf("getUpdates failed: %s", decoded.Description)
	}

	updates := make([]Update, 0, len(decoded.Result))
	for _, u := range decoded.Result {
		updates = append(updates, convertUpdate(u))
	}
	return updates, nil
}

// Download fetches the bytes of a Telegram file by file id. The
// extension is derived from the server-side file path.
func (t *Telegram) Download(ctx context.Context, fileID string) ([]byte, string, error) {
	file, err := t.bot.GetFile(ctx, &tgbot.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve file %s: %w", fileID, err)
	}

	link := t.bot.FileDownloadLink(file)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build download request: %w", err)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download file %s: %w", fileID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("file download for %s returned status %d", fileID, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read file %s: %w", fileID, err)
	}

	return data, path.Ext(file.FilePath), nil
}

// SendMessage sends a plain text message into a chat.
func (t *Telegram) SendMessage(ctx context.Context, chatID int64, text string) error {
	_, err := t.bot.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	})
	if err != nil {
		return fmt.Errorf("failed to send message to chat %d: %w", chatID, err)
	}
	return nil
}

// convertUpdate maps a Telegram update onto the source types. Edited
// messages are treated the same as new ones.
func convertUpdate(u *models.Update) Update {
	out := Update{ID: u.ID}

	m := u.Message
	if m == nil {
		m = u.EditedMessage
	}
	if m == nil {
		return out
	}

	msg := &Message{
		ID:     int64(m.ID),
		ChatID: m.Chat.ID,
		Text:   m.Text,
	}
	if msg.Text == "" {
		msg.Text = m.Caption
	}
	if m.Date > 0 {
		msg.SentAt = time.Unix(int64(m.Date), 0).UTC()
	}
	if m.From != nil {
		msg.Sender = &Sender{
			ID:           m.From.ID,
			Username:     m.From.Username,
			FirstName:    m.From.FirstName,
			LastName:     m.From.LastName,
			LanguageCode: m.From.LanguageCode,
		}
	}
	if raw, err := json.Marshal(m); err == nil {
		msg.Raw = raw
	}

	msg.Attachments = convertAttachments(m)
	out.Message = msg
	return out
}

func convertAttachments(m *models.Message) []Attachment {
	var attachments []Attachment

	if m.Location != nil {
		attachments = append(attachments, Attachment{
			Kind:      KindLocation,
			Latitude:  m.Location.Latitude,
			Longitude: m.Location.Longitude,
		})
	}

	if best := bestPhoto(m.Photo); best != nil {
		attachments = append(attachments, Attachment{
			Kind:     KindPhoto,
			FileID:   best.FileID,
			MimeType: "image/jpeg",
			FileSize: int64(best.FileSize),
		})
	}

	if m.Audio != nil {
		attachments = append(attachments, Attachment{
			Kind:     KindAudio,
			FileID:   m.Audio.FileID,
			FileName: m.Audio.FileName,
			MimeType: m.Audio.MimeType,
			FileSize: int64(m.Audio.FileSize),
		})
	}

	if m.Voice != nil {
		attachments = append(attachments, Attachment{
			Kind:     KindVoice,
			FileID:   m.Voice.FileID,
			MimeType: m.Voice.MimeType,
			FileSize: int64(m.Voice.FileSize),
		})
	}

	if m.Video != nil {
		attachments = append(attachments, Attachment{
			Kind:     KindVideo,
			FileID:   m.Video.FileID,
			FileName: m.Video.FileName,
			MimeType: m.Video.MimeType,
			FileSize: int64(m.Video.FileSize),
		})
	}

	if m.Document != nil {
		attachments = append(attachments, Attachment{
			Kind:     KindDocument,
			FileID:   m.Document.FileID,
			FileName: m.Document.FileName,
			MimeType: m.Document.MimeType,
			FileSize: int64(m.Document.FileSize),
		})
	}

	if m.Sticker != nil {
		attachments = append(attachments, Attachment{
			Kind:     KindSticker,
			FileID:   m.Sticker.FileID,
			MimeType: "image/webp",
			FileSize: int64(m.Sticker.FileSize),
		})
	}

	return attachments
}

// bestPhoto picks the highest-resolution variant Telegram offers.
func bestPhoto(sizes []models.PhotoSize) *models.PhotoSize {
	var best *models.PhotoSize
	for i := range sizes {
		if best == nil || sizes[i].Width*sizes[i].Height > best.Width*best.Height {
			best = &sizes[i]
		}
	}
	return best
}
