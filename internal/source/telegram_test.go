package source

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-telegram/bot/models"
)

func newTestTelegram(t *testing.T, handler http.HandlerFunc) *Telegram {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	tg, err := NewTelegram("123456:test-token", time.Second, nil)
	if err != nil {
		t.Fatalf("NewTelegram() error = %v", err)
	}
	tg.apiURL = srv.URL
	return tg
}

func TestFetchUpdates(t *testing.T) {
	var gotReq getUpdatesRequest

	tg := newTestTelegram(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/getUpdates" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"ok": true,
			"result": [
				{"update_id": 42, "message": {
					"message_id": 7,
					"chat": {"id": 555},
					"from": {"id": 1001, "username": "ana"},
					"text": "heading out",
					"date": 1748772000
				}},
				{"update_id": 43}
			]
		}`))
	})

	updates, err := tg.FetchUpdates(context.Background(), 42, 50)
	if err != nil {
		t.Fatalf("FetchUpdates() error = %v", err)
	}

	if gotReq.Offset != 42 || gotReq.Limit != 50 || gotReq.Timeout != 1 {
		t.Errorf("request = %+v, want offset 42, limit 50, timeout 1", gotReq)
	}

	if len(updates) != 2 {
		t.Fatalf("got %d updates, want 2", len(updates))
	}
	if updates[0].ID != 42 || updates[0].Message == nil || updates[0].Message.Text != "heading out" {
		t.Errorf("first update = %+v", updates[0])
	}
	if updates[0].Message.Sender == nil || updates[0].Message.Sender.ID != 1001 {
		t.Errorf("sender = %+v", updates[0].Message.Sender)
	}
	if updates[1].ID != 43 || updates[1].Message != nil {
		t.Errorf("payload-less update = %+v", updates[1])
	}
}

func TestFetchUpdatesAPIError(t *testing.T) {
	tg := newTestTelegram(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok": false, "description": "Unauthorized"}`))
	})

	if _, err := tg.FetchUpdates(context.Background(), 0, 10); err == nil {
		t.Fatal("expected an error for ok=false")
	}
}

func TestFetchUpdatesHTTPError(t *testing.T) {
	tg := newTestTelegram(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	if _, err := tg.FetchUpdates(context.Background(), 0, 10); err == nil {
		t.Fatal("expected an error for a non-200 status")
	}
}

func TestConvertUpdate_TextMessage(t *testing.T) {
	t.Parallel()

	u := &models.Update{
		ID: 42,
		Message: &models.Message{
			ID:   7,
			Chat: models.Chat{ID: 555},
			From: &models.User{ID: 1001, Username: "ana", FirstName: "Ana", LanguageCode: "pt"},
			Text: "heading out",
			Date: 1748772000,
		},
	}

	got := convertUpdate(u)

	if got.ID != 42 {
		t.Errorf("update id = %d, want 42", got.ID)
	}
	if got.Message == nil {
		t.Fatal("expected a message")
	}
	if got.Message.ID != 7 || got.Message.ChatID != 555 {
		t.Errorf("message ids = (%d, %d), want (7, 555)", got.Message.ID, got.Message.ChatID)
	}
	if got.Message.Text != "heading out" {
		t.Errorf("text = %q", got.Message.Text)
	}
	if got.Message.Sender == nil || got.Message.Sender.ID != 1001 || got.Message.Sender.Username != "ana" {
		t.Errorf("sender = %+v", got.Message.Sender)
	}
	want := time.Unix(1748772000, 0).UTC()
	if !got.Message.SentAt.Equal(want) {
		t.Errorf("sent at = %v, want %v", got.Message.SentAt, want)
	}
	if len(got.Message.Raw) == 0 {
		t.Error("raw payload should be preserved")
	}
}

func TestConvertUpdate_NoMessagePayload(t *testing.T) {
	t.Parallel()

	got := convertUpdate(&models.Update{ID: 9})
	if got.Message != nil {
		t.Errorf("expected nil message, got %+v", got.Message)
	}
	if got.ID != 9 {
		t.Errorf("update id = %d, want 9", got.ID)
	}
}

func TestConvertUpdate_EditedMessage(t *testing.T) {
	t.Parallel()

	u := &models.Update{
		ID: 43,
		EditedMessage: &models.Message{
			ID:   8,
			Chat: models.Chat{ID: 555},
			From: &models.User{ID: 1001},
			Text: "corrected",
		},
	}

	got := convertUpdate(u)
	if got.Message == nil || got.Message.Text != "corrected" {
		t.Fatalf("edited message not converted: %+v", got.Message)
	}
}

func TestConvertUpdate_CaptionFallback(t *testing.T) {
	t.Parallel()

	u := &models.Update{
		ID: 44,
		Message: &models.Message{
			ID:      9,
			Chat:    models.Chat{ID: 555},
			From:    &models.User{ID: 1001},
			Caption: "photo of the ridge",
			Photo:   []models.PhotoSize{{FileID: "p", Width: 10, Height: 10}},
		},
	}

	got := convertUpdate(u)
	if got.Message.Text != "photo of the ridge" {
		t.Errorf("text = %q, want caption fallback", got.Message.Text)
	}
}

func TestConvertAttachments(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  *models.Message
		want Attachment
	}{
		{
			name: "location",
			msg:  &models.Message{Location: &models.Location{Latitude: -23.55, Longitude: -46.63}},
			want: Attachment{Kind: KindLocation, Latitude: -23.55, Longitude: -46.63},
		},
		{
			name: "voice",
			msg:  &models.Message{Voice: &models.Voice{FileID: "v1", MimeType: "audio/ogg", FileSize: 900}},
			want: Attachment{Kind: KindVoice, FileID: "v1", MimeType: "audio/ogg", FileSize: 900},
		},
		{
			name: "audio keeps file name",
			msg:  &models.Message{Audio: &models.Audio{FileID: "a1", FileName: "song.mp3", MimeType: "audio/mpeg", FileSize: 2000}},
			want: Attachment{Kind: KindAudio, FileID: "a1", FileName: "song.mp3", MimeType: "audio/mpeg", FileSize: 2000},
		},
		{
			name: "video",
			msg:  &models.Message{Video: &models.Video{FileID: "vid1", FileName: "clip.mp4", MimeType: "video/mp4", FileSize: 5000}},
			want: Attachment{Kind: KindVideo, FileID: "vid1", FileName: "clip.mp4", MimeType: "video/mp4", FileSize: 5000},
		},
		{
			name: "document",
			msg:  &models.Message{Document: &models.Document{FileID: "d1", FileName: "report.pdf", MimeType: "application/pdf", FileSize: 100}},
			want: Attachment{Kind: KindDocument, FileID: "d1", FileName: "report.pdf", MimeType: "application/pdf", FileSize: 100},
		},
		{
			name: "sticker gets webp mime",
			msg:  &models.Message{Sticker: &models.Sticker{FileID: "s1", FileSize: 300}},
			want: Attachment{Kind: KindSticker, FileID: "s1", MimeType: "image/webp", FileSize: 300},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := convertAttachments(tt.msg)
			if len(got) != 1 {
				t.Fatalf("got %d attachments, want 1", len(got))
			}
			if got[0] != tt.want {
				t.Errorf("attachment = %+v, want %+v", got[0], tt.want)
			}
		})
	}
}

func TestBestPhoto(t *testing.T) {
	t.Parallel()

	sizes := []models.PhotoSize{
		{FileID: "small", Width: 90, Height: 90},
		{FileID: "large", Width: 1280, Height: 960},
		{FileID: "medium", Width: 320, Height: 240},
	}

	best := bestPhoto(sizes)
	if best == nil || best.FileID != "large" {
		t.Fatalf("best photo = %+v, want the largest variant", best)
	}

	if bestPhoto(nil) != nil {
		t.Error("no variants should yield nil")
	}

	msg := &models.Message{Photo: sizes}
	atts := convertAttachments(msg)
	if len(atts) != 1 || atts[0].FileID != "large" || atts[0].MimeType != "image/jpeg" {
		t.Errorf("photo attachment = %+v", atts)
	}
}
