package api

import (
	"time"

	"github.com/dmateus/fieldlog/internal/database"
	"github.com/dmateus/fieldlog/internal/source"
)

type userDTO struct {
	ID             int64  `json:"id"`
	TelegramUserID int64  `json:"telegram_user_id"`
	Username       string `json:"username,omitempty"`
	FirstName      string `json:"first_name,omitempty"`
	LastName       string `json:"last_name,omitempty"`
	LanguageCode   string `json:"language_code,omitempty"`
	CreatedAt      string `json:"created_at"`
}

type mediaDTO struct {
	ID            int64    `json:"id"`
	MessageID     int64    `json:"message_id"`
	MediaType     string   `json:"media_type"`
	FileID        string   `json:"file_id,omitempty"`
	StorageKey    *string  `json:"storage_key,omitempty"`
	FileName      string   `json:"file_name,omitempty"`
	MimeType      string   `json:"mime_type,omitempty"`
	FileSize      int64    `json:"file_size"`
	Transcription string   `json:"transcription,omitempty"`
	Description   string   `json:"description,omitempty"`
	Latitude      *float64 `json:"latitude,omitempty"`
	Longitude     *float64 `json:"longitude,omitempty"`
}

type messageDTO struct {
	ID                int64      `json:"id"`
	TelegramMessageID int64      `json:"telegram_message_id"`
	UpdateID          int64      `json:"update_id"`
	ChatID            int64      `json:"chat_id"`
	Text              string     `json:"text,omitempty"`
	SurveyQuestion    *string    `json:"survey_question,omitempty"`
	Timestamp         string     `json:"timestamp"`
	User              *userDTO   `json:"user,omitempty"`
	Media             []mediaDTO `json:"media,omitempty"`
}

type locationDTO struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// exportEntry is one flattened line of the archive: whatever text the
// message carried plus any AI enrichment of its attachments.
type exportEntry struct {
	Timestamp          string       `json:"timestamp"`
	User               string       `json:"user"`
	Text               string       `json:"text,omitempty"`
	ImageDescription   string       `json:"image_description,omitempty"`
	AudioTranscription string       `json:"audio_transcription,omitempty"`
	Location           *locationDTO `json:"location,omitempty"`
}

func toUserDTO(u *database.User) userDTO {
	return userDTO{
		ID:             u.ID,
		TelegramUserID: u.TelegramUserID,
		Username:       u.Username,
		FirstName:      u.FirstName,
		LastName:       u.LastName,
		LanguageCode:   u.LanguageCode,
		CreatedAt:      u.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func toMediaDTO(m *database.Media) mediaDTO {
	dto := mediaDTO{
		ID:            m.ID,
		MessageID:     m.MessageID,
		MediaType:     m.MediaType,
		FileID:        m.FileID,
		FileName:      m.FileName,
		MimeType:      m.MimeType,
		FileSize:      m.FileSize,
		Transcription: m.Transcription,
		Description:   m.Description,
	}
	if m.StorageKey.Valid {
		key := m.StorageKey.String
		dto.StorageKey = &key
	}
	if m.Latitude.Valid {
		lat := m.Latitude.Float64
		dto.Latitude = &lat
	}
	if m.Longitude.Valid {
		lon := m.Longitude.Float64
		dto.Longitude = &lon
	}
	return dto
}

func toMessageDTO(m *database.MessageWithRelations) messageDTO {
	dto := messageDTO{
		ID:                m.Message.ID,
		TelegramMessageID: m.TelegramMessageID,
		UpdateID:          m.UpdateID,
		ChatID:            m.ChatID,
		Text:              m.Text,
		Timestamp:         m.Timestamp.UTC().Format(time.RFC3339),
	}
	if m.SurveyQuestion.Valid {
		q := m.SurveyQuestion.String
		dto.SurveyQuestion = &q
	}
	if m.User != nil {
		u := toUserDTO(m.User)
		dto.User = &u
	}
	for i := range m.Media {
		dto.Media = append(dto.Media, toMediaDTO(&m.Media[i]))
	}
	return dto
}

// displayName picks the friendliest available sender label.
func displayName(u *database.User) string {
	if u == nil {
		return "unknown"
	}
	if u.Username != "" {
		return u.Username
	}
	name := u.FirstName
	if u.LastName != "" {
		if name != "" {
			name += " "
		}
		name += u.LastName
	}
	if name != "" {
		return name
	}
	return "unknown"
}

func toExportEntries(messages []database.MessageWithRelations) []exportEntry {
	entries := make([]exportEntry, 0, len(messages))
	for i := range messages {
		m := &messages[i]
		entry := exportEntry{
			Timestamp: m.Timestamp.UTC().Format(time.RFC3339),
			User:      displayName(m.User),
			Text:      m.Text,
		}
		for j := range m.Media {
			md := &m.Media[j]
			switch md.MediaType {
			case string(source.KindLocation):
				if md.Latitude.Valid && md.Longitude.Valid {
					entry.Location = &locationDTO{Latitude: md.Latitude.Float64, Longitude: md.Longitude.Float64}
				}
			case string(source.KindPhoto), string(source.KindSticker):
				if md.Description != "" {
					entry.ImageDescription = md.Description
				}
			case string(source.KindAudio), string(source.KindVoice), string(source.KindVideo):
				if md.Transcription != "" {
					entry.AudioTranscription = md.Transcription
				}
			}
		}
		entries = append(entries, entry)
	}
	return entries
}
