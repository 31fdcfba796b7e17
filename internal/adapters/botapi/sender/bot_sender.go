// Package botapisender реализует delivery.Sender поверх Telegram Bot API
// (github.com/go-telegram-bot-api/telegram-bot-api/v5).
//
// Библиотека v5.5.1 не знает про message_thread_id, поэтому запросы
// собираются вручную через tgbotapi.Params и уходят через MakeRequest
// (текст) или UploadFiles (медиа, multipart). Ошибки Bot API приводятся к
// доменным: retry_after/429 -> relay.RateLimitedError, остальное -> relay.SendError.
package botapisender

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"telegram-relay/internal/domain/delivery"
	"telegram-relay/internal/domain/relay"
)

// testEndpoint — шаблон адреса тестового окружения Bot API.
const testEndpoint = "https://api.telegram.org/bot%s/test/%s"

// defaultRetryAfter используется, если сервер ответил 429 без retry_after.
const defaultRetryAfter = time.Second

// mediaMethod описывает метод отправки одиночного медиа и имя поля файла.
type mediaMethod struct {
	method  string
	field   string
	caption bool
}

var methods = map[relay.MediaType]mediaMethod{
	relay.MediaPhoto:     {"sendPhoto", "photo", true},
	relay.MediaVideo:     {"sendVideo", "video", true},
	relay.MediaAnimation: {"sendAnimation", "animation", true},
	relay.MediaDocument:  {"sendDocument", "document", true},
	relay.MediaAudio:     {"sendAudio", "audio", true},
	relay.MediaVoice:     {"sendVoice", "voice", true},
	relay.MediaSticker:   {"sendSticker", "sticker", false},
}

// Sender отправляет сообщения от имени бота.
type Sender struct {
	bot *tgbotapi.BotAPI
}

var _ delivery.Sender = (*Sender)(nil)

// New создаёт клиента Bot API и проверяет токен запросом getMe.
func New(token string, testDC bool) (*Sender, error) {
	return NewWithClient(token, testDC, &http.Client{Timeout: 60 * time.Second})
}

// NewWithClient — то же, что New, но с заданным HTTP-клиентом.
func NewWithClient(token string, testDC bool, client tgbotapi.HTTPClient) (*Sender, error) {
	endpoint := tgbotapi.APIEndpoint
	if testDC {
		endpoint = testEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, errors.Wrap(err, "bot api: init")
	}
	return &Sender{bot: bot}, nil
}

// Username возвращает имя бота, полученное при инициализации.
func (s *Sender) Username() string { return s.bot.Self.UserName }

// SendSingle отправляет одно сообщение: текст через sendMessage, медиа через
// send<Kind>. Неизвестный вид медиа уходит документом.
func (s *Sender) SendSingle(ctx context.Context, req delivery.SendRequest) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m := req.Message
	params := baseParams(req.ChatID, req.TopicID, req.ReplyTo)

	if !m.HasMedia() || m.MediaPath == "" {
		params["text"] = m.Text
		if err := addEntities(params, "entities", m.Entities); err != nil {
			return 0, &relay.SendError{Op: "sendMessage", Err: err}
		}
		resp, err := s.bot.MakeRequest("sendMessage", params)
		return decodeSingle("sendMessage", resp, err)
	}

	mm, ok := methods[m.MediaType]
	if !ok {
		mm = methods[relay.MediaDocument]
	}
	if mm.caption {
		params.AddNonEmpty("caption", m.Text)
		if err := addEntities(params, "caption_entities", m.Entities); err != nil {
			return 0, &relay.SendError{Op: mm.method, Err: err}
		}
	}
	if m.MediaType == relay.MediaVideo {
		params.AddBool("supports_streaming", true)
	}

	files := []tgbotapi.RequestFile{{Name: mm.field, Data: tgbotapi.FilePath(m.MediaPath)}}
	resp, err := s.bot.UploadFiles(mm.method, params, files)
	return decodeSingle(mm.method, resp, err)
}

// inputMedia — элемент поля media у sendMediaGroup.
type inputMedia struct {
	Type            string         `json:"type"`
	Media           string         `json:"media"`
	Caption         string         `json:"caption,omitempty"`
	CaptionEntities []relay.Entity `json:"caption_entities,omitempty"`
}

// SendAlbum отправляет медиагруппу одним запросом; файлы прикладываются как
// attach://file-N. Возвращает id в порядке частей.
func (s *Sender) SendAlbum(ctx context.Context, req delivery.AlbumRequest) ([]int, error) {
	const op = "sendMediaGroup"
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	media := make([]inputMedia, 0, len(req.Messages))
	files := make([]tgbotapi.RequestFile, 0, len(req.Messages))
	for i, m := range req.Messages {
		name := "file-" + strconv.Itoa(i)
		media = append(media, inputMedia{
			Type:            string(m.MediaType),
			Media:           "attach://" + name,
			Caption:         m.Text,
			CaptionEntities: m.Entities,
		})
		files = append(files, tgbotapi.RequestFile{Name: name, Data: tgbotapi.FilePath(m.MediaPath)})
	}

	params := baseParams(req.ChatID, req.TopicID, req.ReplyTo)
	if err := params.AddInterface("media", media); err != nil {
		return nil, &relay.SendError{Op: op, Err: err}
	}

	resp, err := s.bot.UploadFiles(op, params, files)
	if err != nil {
		return nil, classify(op, err)
	}
	var sent []tgbotapi.Message
	if err := json.Unmarshal(resp.Result, &sent); err != nil {
		return nil, &relay.SendError{Op: op, Err: errors.Wrap(err, "decode result")}
	}
	ids := make([]int, len(sent))
	for i, msg := range sent {
		ids[i] = msg.MessageID
	}
	return ids, nil
}

func baseParams(chatID int64, topicID, replyTo int) tgbotapi.Params {
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", chatID)
	params.AddNonZero("message_thread_id", topicID)
	if replyTo != 0 {
		params.AddNonZero("reply_to_message_id", replyTo)
		params.AddBool("allow_sending_without_reply", true)
	}
	return params
}

func addEntities(params tgbotapi.Params, key string, entities []relay.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	return params.AddInterface(key, entities)
}

func decodeSingle(op string, resp *tgbotapi.APIResponse, err error) (int, error) {
	if err != nil {
		return 0, classify(op, err)
	}
	var msg tgbotapi.Message
	if err := json.Unmarshal(resp.Result, &msg); err != nil {
		return 0, &relay.SendError{Op: op, Err: errors.Wrap(err, "decode result")}
	}
	return msg.MessageID, nil
}

// classify превращает ошибку библиотеки в доменную.
func classify(op string, err error) error {
	apiErr, ok := asAPIError(err)
	if !ok {
		return &relay.SendError{Op: op, Err: err}
	}
	wrapped := fmt.Errorf("bot api error %d: %w", apiErr.Code, err)
	switch {
	case apiErr.RetryAfter > 0:
		return &relay.RateLimitedError{RetryAfter: time.Duration(apiErr.RetryAfter) * time.Second, Err: wrapped}
	case apiErr.Code == http.StatusTooManyRequests:
		return &relay.RateLimitedError{RetryAfter: defaultRetryAfter, Err: wrapped}
	default:
		return &relay.SendError{Op: op, Err: wrapped}
	}
}

// asAPIError достаёт tgbotapi.Error из цепочки; библиотека возвращает его
// указателем, но значение тоже допускается.
func asAPIError(err error) (tgbotapi.Error, bool) {
	var ptr *tgbotapi.Error
	if errors.As(err, &ptr) && ptr != nil {
		return *ptr, true
	}
	var val tgbotapi.Error
	if errors.As(err, &val) {
		return val, true
	}
	return tgbotapi.Error{}, false
}
