package fetcher

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dmateus/fieldlog/internal/database"
	"github.com/dmateus/fieldlog/internal/source"
)

type fakeFile struct {
	data []byte
	ext  string
}

// fakeSource is an in-memory message source: a canned update batch,
// downloadable files, and a record of outbound replies.
type fakeSource struct {
	updates  []source.Update
	fetchErr error
	files    map[string]fakeFile
	sent     []string

	gotOffset int64
	gotLimit  int
}

func (f *fakeSource) FetchUpdates(_ context.Context, offset int64, limit int) ([]source.Update, error) {
	f.gotOffset = offset
	f.gotLimit = limit
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.updates, nil
}

func (f *fakeSource) Download(_ context.Context, fileID string) ([]byte, string, error) {
	file, ok := f.files[fileID]
	if !ok {
		return nil, "", fmt.Errorf("no such file: %s", fileID)
	}
	return file.data, file.ext, nil
}

func (f *fakeSource) SendMessage(_ context.Context, _ int64, text string) error {
	f.sent = append(f.sent, text)
	return nil
}

// fakeBlob is an in-memory object store.
type fakeBlob struct {
	objects map[string][]byte
	putErr  error
}

func newFakeBlob() *fakeBlob {
	return &fakeBlob{objects: map[string][]byte{}}
}

func (b *fakeBlob) Put(_ context.Context, key string, data []byte, _ string) (int64, error) {
	if b.putErr != nil {
		return 0, b.putErr
	}
	b.objects[key] = data
	return int64(len(data)), nil
}

func (b *fakeBlob) Get(_ context.Context, key string) ([]byte, error) {
	data, ok := b.objects[key]
	if !ok {
		return nil, fmt.Errorf("no such object: %s", key)
	}
	return data, nil
}

func (b *fakeBlob) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://blob.test/" + key, nil
}

var testQuestions = []string{
	"Where are you working today?",
	"What did you observe?",
	"Anything blocking you?",
}

func newTestFetcher(t *testing.T, src *fakeSource, blobs *fakeBlob) (*Fetcher, database.Store) {
	t.Helper()

	db, err := database.NewDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.CloseDB(db) })

	store := database.NewStore(db, nil)
	survey := NewSurvey(nil, store, src, "/start_trip", testQuestions)
	return New(nil, store, src, blobs, survey, 100), store
}

func textUpdate(updateID, msgID, senderID int64, text string) source.Update {
	return source.Update{
		ID: updateID,
		Message: &source.Message{
			ID:     msgID,
			ChatID: senderID,
			Sender: &source.Sender{ID: senderID, Username: "worker"},
			Text:   text,
			SentAt: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
		},
	}
}

func TestRunArchivesBatchAndAdvancesCursor(t *testing.T) {
	photo := textUpdate(11, 2, 1001, "specimen found")
	photo.Message.Attachments = []source.Attachment{
		{Kind: source.KindPhoto, FileID: "ph-1", MimeType: "image/jpeg"},
	}

	src := &fakeSource{
		updates: []source.Update{textUpdate(10, 1, 1001, "heading out"), photo},
		files:   map[string]fakeFile{"ph-1": {data: []byte("jpegbytes"), ext: ".jpg"}},
	}
	blobs := newFakeBlob()
	f, store := newTestFetcher(t, src, blobs)
	ctx := context.Background()

	require.NoError(t, f.Run(ctx))

	// First run starts from offset 0.
	require.Equal(t, int64(0), src.gotOffset)
	require.Equal(t, 100, src.gotLimit)

	id, ok, err := store.LastUpdateID(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(11), id)

	page, err := store.ListMessages(ctx, database.MessageFilter{}, 1, 10)
	require.NoError(t, err)
	require.Equal(t, 2, page.TotalCount)

	// Media landed in object storage under sender/message/filename.
	newest := page.Messages[0]
	require.Len(t, newest.Media, 1)
	m := newest.Media[0]
	require.Equal(t, "1001/2/photo_ph-1.jpg", m.StorageKey.String)
	require.Equal(t, int64(len("jpegbytes")), m.FileSize)
	require.Equal(t, []byte("jpegbytes"), blobs.objects[m.StorageKey.String])

	// Next run resumes after the stored cursor.
	src.updates = nil
	require.NoError(t, f.Run(ctx))
	require.Equal(t, int64(12), src.gotOffset)
}

func TestRunEmptyBatchTouchesNothing(t *testing.T) {
	src := &fakeSource{}
	f, store := newTestFetcher(t, src, newFakeBlob())
	ctx := context.Background()

	require.NoError(t, f.Run(ctx))

	_, ok, err := store.LastUpdateID(ctx)
	require.NoError(t, err)
	require.False(t, ok, "empty batch must not create a cursor")
}

func TestRunFetchErrorLeavesCursorAlone(t *testing.T) {
	src := &fakeSource{updates: []source.Update{textUpdate(5, 1, 1001, "hello")}}
	f, store := newTestFetcher(t, src, newFakeBlob())
	ctx := context.Background()

	require.NoError(t, f.Run(ctx))

	src.fetchErr = errors.New("telegram unreachable")
	err := f.Run(ctx)
	require.Error(t, err)

	id, ok, lerr := store.LastUpdateID(ctx)
	require.NoError(t, lerr)
	require.True(t, ok)
	require.Equal(t, int64(5), id, "failed fetch must not move the cursor")
}

func TestRunDropsUpdatesWithoutSender(t *testing.T) {
	noMessage := source.Update{ID: 20}
	noSender := source.Update{ID: 21, Message: &source.Message{ID: 3, ChatID: 9, Text: "channel post"}}

	src := &fakeSource{updates: []source.Update{noMessage, noSender, textUpdate(22, 4, 1001, "real one")}}
	f, store := newTestFetcher(t, src, newFakeBlob())
	ctx := context.Background()

	require.NoError(t, f.Run(ctx))

	page, err := store.ListMessages(ctx, database.MessageFilter{}, 1, 10)
	require.NoError(t, err)
	require.Equal(t, 1, page.TotalCount, "only the update with a sender is archived")

	// Dropped updates still count toward the cursor.
	id, ok, err := store.LastUpdateID(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(22), id)
}

func TestRunSkipsReplayedUpdates(t *testing.T) {
	replayed := textUpdate(30, 7, 1001, "original")
	replayed.Message.Attachments = []source.Attachment{
		{Kind: source.KindPhoto, FileID: "ph-2", MimeType: "image/jpeg"},
	}
	src := &fakeSource{
		updates: []source.Update{replayed},
		files:   map[string]fakeFile{"ph-2": {data: []byte("x"), ext: ".jpg"}},
	}
	f, store := newTestFetcher(t, src, newFakeBlob())
	ctx := context.Background()

	require.NoError(t, f.Run(ctx))

	// The platform may re-deliver an already processed update after a
	// cursor write failure. Reset the cursor to force a replay.
	require.NoError(t, store.SetLastUpdateID(ctx, 29))
	require.NoError(t, f.Run(ctx))

	page, err := store.ListMessages(ctx, database.MessageFilter{}, 1, 10)
	require.NoError(t, err)
	require.Equal(t, 1, page.TotalCount)
	require.Len(t, page.Messages[0].Media, 1, "replay must not duplicate media rows")

	id, _, err := store.LastUpdateID(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(30), id)
}

func TestRelayFailureRecordsZeroByteRow(t *testing.T) {
	update := textUpdate(40, 8, 1001, "")
	update.Message.Attachments = []source.Attachment{
		{Kind: source.KindVoice, FileID: "vc-1", MimeType: "audio/ogg"},
	}
	src := &fakeSource{
		updates: []source.Update{update},
		files:   map[string]fakeFile{"vc-1": {data: []byte("oggbytes"), ext: ".oga"}},
	}
	blobs := newFakeBlob()
	blobs.putErr = errors.New("bucket unavailable")
	f, store := newTestFetcher(t, src, blobs)
	ctx := context.Background()

	require.NoError(t, f.Run(ctx))

	page, err := store.ListMessages(ctx, database.MessageFilter{}, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	m := page.Messages[0].Media[0]
	require.True(t, m.StorageKey.Valid)
	require.Equal(t, int64(0), m.FileSize, "failed relay records a zero-byte row")
}

func TestDownloadFailureRecordsZeroByteRow(t *testing.T) {
	update := textUpdate(41, 9, 1001, "")
	update.Message.Attachments = []source.Attachment{
		{Kind: source.KindDocument, FileID: "missing", MimeType: "application/pdf"},
	}
	src := &fakeSource{updates: []source.Update{update}}
	blobs := newFakeBlob()
	f, store := newTestFetcher(t, src, blobs)
	ctx := context.Background()

	require.NoError(t, f.Run(ctx))

	page, err := store.ListMessages(ctx, database.MessageFilter{}, 1, 10)
	require.NoError(t, err)
	m := page.Messages[0].Media[0]
	require.Equal(t, int64(0), m.FileSize)
	require.Empty(t, blobs.objects, "nothing is relayed when the download fails")
}

func TestLocationAttachment(t *testing.T) {
	update := textUpdate(50, 10, 1001, "")
	update.Message.Attachments = []source.Attachment{
		{Kind: source.KindLocation, Latitude: -23.55, Longitude: -46.63},
	}
	src := &fakeSource{updates: []source.Update{update}}
	f, store := newTestFetcher(t, src, newFakeBlob())
	ctx := context.Background()

	require.NoError(t, f.Run(ctx))

	page, err := store.ListMessages(ctx, database.MessageFilter{}, 1, 10)
	require.NoError(t, err)
	m := page.Messages[0].Media[0]
	require.Equal(t, string(source.KindLocation), m.MediaType)
	require.False(t, m.StorageKey.Valid, "locations carry no storage key")
	require.InDelta(t, -23.55, m.Latitude.Float64, 1e-9)
	require.InDelta(t, -46.63, m.Longitude.Float64, 1e-9)
}

func TestSurveyFullFlow(t *testing.T) {
	start := textUpdate(60, 20, 1001, "/start_trip")
	start.Message.Attachments = []source.Attachment{
		{Kind: source.KindPhoto, FileID: "ignored", MimeType: "image/jpeg"},
	}

	src := &fakeSource{updates: []source.Update{
		start,
		textUpdate(61, 21, 1001, "north ridge"),
		textUpdate(62, 22, 1001, "fresh tracks near the creek"),
		textUpdate(63, 23, 1001, "no blockers"),
	}}
	blobs := newFakeBlob()
	f, store := newTestFetcher(t, src, blobs)
	ctx := context.Background()

	require.NoError(t, f.Run(ctx))

	// One prompt per question plus the final summary.
	require.Len(t, src.sent, 4)
	require.Equal(t, testQuestions[0], src.sent[0])
	require.Equal(t, testQuestions[1], src.sent[1])
	require.Equal(t, testQuestions[2], src.sent[2])
	require.Contains(t, src.sent[3], "Survey complete")
	require.Contains(t, src.sent[3], "north ridge")
	require.Contains(t, src.sent[3], "no blockers")

	// The start command is archived unannotated and its media ignored.
	exported, err := store.ExportMessages(ctx, database.MessageFilter{})
	require.NoError(t, err)
	require.Len(t, exported, 4)
	require.False(t, exported[0].SurveyQuestion.Valid)
	require.Empty(t, exported[0].Media)
	require.Empty(t, blobs.objects)

	// Each answer is annotated with the question it answered.
	require.Equal(t, testQuestions[0], exported[1].SurveyQuestion.String)
	require.Equal(t, testQuestions[1], exported[2].SurveyQuestion.String)
	require.Equal(t, testQuestions[2], exported[3].SurveyQuestion.String)

	// Survey state is cleared after the last answer.
	page, err := store.ListMessages(ctx, database.MessageFilter{}, 1, 1)
	require.NoError(t, err)
	state, err := store.ConversationState(ctx, page.Messages[0].UserID.Int64)
	require.NoError(t, err)
	require.NotNil(t, state)
	require.False(t, state.Active)

	// The next message after completion is an ordinary archived message.
	src.updates = []source.Update{textUpdate(64, 24, 1001, "back at camp")}
	require.NoError(t, f.Run(ctx))
	exported, err = store.ExportMessages(ctx, database.MessageFilter{})
	require.NoError(t, err)
	require.False(t, exported[4].SurveyQuestion.Valid)
}

func TestSurveyRestartDiscardsProgress(t *testing.T) {
	src := &fakeSource{updates: []source.Update{
		textUpdate(70, 30, 1001, "/start_trip"),
		textUpdate(71, 31, 1001, "first answer"),
		textUpdate(72, 32, 1001, "/start_trip"),
		textUpdate(73, 33, 1001, "restarted answer"),
	}}
	f, store := newTestFetcher(t, src, newFakeBlob())
	ctx := context.Background()

	require.NoError(t, f.Run(ctx))

	exported, err := store.ExportMessages(ctx, database.MessageFilter{})
	require.NoError(t, err)
	require.Len(t, exported, 4)

	// Both the original and the restarted answer map to question one.
	require.Equal(t, testQuestions[0], exported[1].SurveyQuestion.String)
	require.False(t, exported[2].SurveyQuestion.Valid, "restart command is unannotated")
	require.Equal(t, testQuestions[0], exported[3].SurveyQuestion.String)

	state, err := store.ConversationState(ctx, exported[0].UserID.Int64)
	require.NoError(t, err)
	require.True(t, state.Active)
	require.Equal(t, 1, state.Step)
	require.Equal(t, []string{"restarted answer"}, state.AnswerList())
}

func TestSurveyAnswerReplayDoesNotAdvance(t *testing.T) {
	src := &fakeSource{updates: []source.Update{
		textUpdate(90, 50, 1001, "/start_trip"),
		textUpdate(91, 51, 1001, "first answer"),
	}}
	f, store := newTestFetcher(t, src, newFakeBlob())
	ctx := context.Background()

	require.NoError(t, f.Run(ctx))
	require.Len(t, src.sent, 2, "first question plus the follow-up")

	// A crash between processing and the cursor write re-delivers the
	// whole batch. Roll the cursor back to force that replay.
	require.NoError(t, store.SetLastUpdateID(ctx, 89))
	require.NoError(t, f.Run(ctx))

	exported, err := store.ExportMessages(ctx, database.MessageFilter{})
	require.NoError(t, err)
	require.Len(t, exported, 2, "replay must not duplicate messages")

	state, err := store.ConversationState(ctx, exported[0].UserID.Int64)
	require.NoError(t, err)
	require.True(t, state.Active)
	require.Equal(t, 1, state.Step, "replayed answer must not advance the survey")
	require.Equal(t, []string{"first answer"}, state.AnswerList())
	require.Len(t, src.sent, 2, "replay must not re-prompt the user")
}

func TestSurveyMediaAnswerIsArchived(t *testing.T) {
	answer := textUpdate(81, 41, 1001, "photo attached")
	answer.Message.Attachments = []source.Attachment{
		{Kind: source.KindPhoto, FileID: "ph-3", MimeType: "image/jpeg"},
	}
	src := &fakeSource{
		updates: []source.Update{textUpdate(80, 40, 1001, "/start_trip"), answer},
		files:   map[string]fakeFile{"ph-3": {data: []byte("答"), ext: ".jpg"}},
	}
	blobs := newFakeBlob()
	f, store := newTestFetcher(t, src, blobs)
	ctx := context.Background()

	require.NoError(t, f.Run(ctx))

	exported, err := store.ExportMessages(ctx, database.MessageFilter{})
	require.NoError(t, err)
	require.Len(t, exported, 2)
	require.Equal(t, testQuestions[0], exported[1].SurveyQuestion.String)
	require.Len(t, exported[1].Media, 1, "survey answers keep their media")
	require.Len(t, blobs.objects, 1)
}

func TestDeriveFilename(t *testing.T) {
	tests := []struct {
		name     string
		att      source.Attachment
		ext      string
		expected string
	}{
		{
			name:     "source-provided name wins",
			att:      source.Attachment{Kind: source.KindDocument, FileID: "d1", FileName: "report.pdf"},
			ext:      ".pdf",
			expected: "report.pdf",
		},
		{
			name:     "source extension used when present",
			att:      source.Attachment{Kind: source.KindVoice, FileID: "v1"},
			ext:      ".oga",
			expected: "voice_v1.oga",
		},
		{
			name:     "photo default extension",
			att:      source.Attachment{Kind: source.KindPhoto, FileID: "p1"},
			expected: "photo_p1.jpg",
		},
		{
			name:     "voice default extension",
			att:      source.Attachment{Kind: source.KindVoice, FileID: "v2"},
			expected: "voice_v2.ogg",
		},
		{
			name:     "sticker default extension",
			att:      source.Attachment{Kind: source.KindSticker, FileID: "s1"},
			expected: "sticker_s1.webp",
		},
		{
			name:     "document without hints falls back to bin",
			att:      source.Attachment{Kind: source.KindDocument, FileID: "d2"},
			expected: "document_d2.bin",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := deriveFilename(tt.att, tt.ext)
			require.Equal(t, tt.expected, got)
		})
	}
}
