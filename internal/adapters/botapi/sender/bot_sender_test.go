package botapisender

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"telegram-relay/internal/domain/delivery"
	"telegram-relay/internal/domain/relay"
)

// fakeBotAPI отвечает на запросы библиотеки без сети. Ответы выбираются по
// имени метода (последний сегмент пути).
type fakeBotAPI struct {
	mu       sync.Mutex
	replies  map[string]string
	requests map[string]*http.Request
	forms    map[string]map[string]string
	files    map[string][]string
}

func newFakeBotAPI() *fakeBotAPI {
	return &fakeBotAPI{
		replies: map[string]string{
			"getMe": `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"relay","username":"relay_bot"}}`,
		},
		requests: map[string]*http.Request{},
		forms:    map[string]map[string]string{},
		files:    map[string][]string{},
	}
}

func (f *fakeBotAPI) Do(req *http.Request) (*http.Response, error) {
	method := req.URL.Path[strings.LastIndex(req.URL.Path, "/")+1:]

	form := map[string]string{}
	var files []string
	if strings.HasPrefix(req.Header.Get("Content-Type"), "multipart/") {
		if err := req.ParseMultipartForm(1 << 20); err != nil {
			return nil, err
		}
		for k, v := range req.MultipartForm.Value {
			form[k] = v[0]
		}
		for k := range req.MultipartForm.File {
			files = append(files, k)
		}
	} else if req.Body != nil {
		if err := req.ParseForm(); err != nil {
			return nil, err
		}
		for k, v := range req.PostForm {
			form[k] = v[0]
		}
	}

	f.mu.Lock()
	f.requests[method] = req
	f.forms[method] = form
	f.files[method] = files
	body, ok := f.replies[method]
	f.mu.Unlock()
	if !ok {
		body = `{"ok":false,"error_code":404,"description":"Not Found"}`
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}, nil
}

func newSender(t *testing.T, api *fakeBotAPI) *Sender {
	t.Helper()
	s, err := NewWithClient("123:abc", false, api)
	require.NoError(t, err)
	require.Equal(t, "relay_bot", s.Username())
	return s
}

func tempFile(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o600))
	return path
}

func TestSendSingleText(t *testing.T) {
	t.Parallel()
	api := newFakeBotAPI()
	api.replies["sendMessage"] = `{"ok":true,"result":{"message_id":999}}`
	s := newSender(t, api)

	id, err := s.SendSingle(context.Background(), delivery.SendRequest{
		ChatID:  -1002,
		TopicID: 3,
		ReplyTo: 77,
		Message: relay.UnifiedMessage{
			Text:     "hi\n\n@mirors_sliv",
			Entities: []relay.Entity{{Type: relay.EntityMention, Offset: 4, Length: 12}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 999, id)

	form := api.forms["sendMessage"]
	require.Equal(t, "-1002", form["chat_id"])
	require.Equal(t, "3", form["message_thread_id"])
	require.Equal(t, "77", form["reply_to_message_id"])
	require.Equal(t, "true", form["allow_sending_without_reply"])
	require.Equal(t, "hi\n\n@mirors_sliv", form["text"])

	var entities []relay.Entity
	require.NoError(t, json.Unmarshal([]byte(form["entities"]), &entities))
	require.Equal(t, []relay.Entity{{Type: "mention", Offset: 4, Length: 12}}, entities)
}

func TestSendSinglePhotoUploadsFile(t *testing.T) {
	t.Parallel()
	api := newFakeBotAPI()
	api.replies["sendPhoto"] = `{"ok":true,"result":{"message_id":5}}`
	s := newSender(t, api)

	id, err := s.SendSingle(context.Background(), delivery.SendRequest{
		ChatID: -1002,
		Message: relay.UnifiedMessage{
			Text:      "caption",
			MediaType: relay.MediaPhoto,
			MediaPath: tempFile(t, "p.jpg"),
		},
	})
	require.NoError(t, err)
	require.Equal(t, 5, id)
	require.Equal(t, "caption", api.forms["sendPhoto"]["caption"])
	require.Equal(t, []string{"photo"}, api.files["sendPhoto"])
	_, hasTopic := api.forms["sendPhoto"]["message_thread_id"]
	require.False(t, hasTopic)
}

func TestSendStickerHasNoCaption(t *testing.T) {
	t.Parallel()
	api := newFakeBotAPI()
	api.replies["sendSticker"] = `{"ok":true,"result":{"message_id":6}}`
	s := newSender(t, api)

	_, err := s.SendSingle(context.Background(), delivery.SendRequest{
		ChatID:  -1002,
		Message: relay.UnifiedMessage{Text: "ignored", MediaType: relay.MediaSticker, MediaPath: tempFile(t, "s.webp")},
	})
	require.NoError(t, err)
	_, hasCaption := api.forms["sendSticker"]["caption"]
	require.False(t, hasCaption)
}

func TestSendAlbum(t *testing.T) {
	t.Parallel()
	api := newFakeBotAPI()
	api.replies["sendMediaGroup"] = `{"ok":true,"result":[{"message_id":11},{"message_id":12}]}`
	s := newSender(t, api)

	ids, err := s.SendAlbum(context.Background(), delivery.AlbumRequest{
		ChatID: -1002,
		Messages: []relay.UnifiedMessage{
			{Text: "first", MediaType: relay.MediaPhoto, MediaPath: tempFile(t, "a.jpg")},
			{MediaType: relay.MediaVideo, MediaPath: tempFile(t, "b.mp4")},
		},
	})
	require.NoError(t, err)
	require.Equal(t, []int{11, 12}, ids)

	var media []inputMedia
	require.NoError(t, json.Unmarshal([]byte(api.forms["sendMediaGroup"]["media"]), &media))
	require.Equal(t, []inputMedia{
		{Type: "photo", Media: "attach://file-0", Caption: "first"},
		{Type: "video", Media: "attach://file-1"},
	}, media)
	require.ElementsMatch(t, []string{"file-0", "file-1"}, api.files["sendMediaGroup"])
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		reply     string
		wantRetry time.Duration
	}{
		{"retry after", `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 3","parameters":{"retry_after":3}}`, 3 * time.Second},
		{"429 without parameters", `{"ok":false,"error_code":429,"description":"Too Many Requests"}`, defaultRetryAfter},
		{"permanent", `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			api := newFakeBotAPI()
			api.replies["sendMessage"] = tt.reply
			s := newSender(t, api)

			_, err := s.SendSingle(context.Background(), delivery.SendRequest{
				ChatID:  -1002,
				Message: relay.UnifiedMessage{Text: "x"},
			})
			require.Error(t, err)

			rl, ok := relay.AsRateLimited(err)
			if tt.wantRetry == 0 {
				require.False(t, ok)
				var sendErr *relay.SendError
				require.ErrorAs(t, err, &sendErr)
				require.Equal(t, "sendMessage", sendErr.Op)
				return
			}
			require.True(t, ok)
			require.Equal(t, tt.wantRetry, rl.RetryAfter)
		})
	}
}

func TestTestDCEndpoint(t *testing.T) {
	t.Parallel()
	api := newFakeBotAPI()
	_, err := NewWithClient("123:abc", true, api)
	require.NoError(t, err)
	require.Equal(t, "/bot123:abc/test/getMe", api.requests["getMe"].URL.Path)
}
