// Package telegramsender реализует delivery.Sender через MTProto-клиента:
// сообщения в целевые чаты публикует тот же аккаунт, что читает источники.
//
// Каждая отправка несёт детерминированный random_id, поэтому повтор
// запроса после обрыва соединения сервер отбрасывает как дубль. На этом
// держится политика ошибок: FLOOD_WAIT/SLOWMODE_WAIT и потеря связи
// превращаются в relay.RateLimitedError (повтор), прочие ошибки RPC — в
// relay.SendError (элемент отбрасывается).
package telegramsender

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"go.uber.org/zap"

	"telegram-relay/internal/domain/delivery"
	"telegram-relay/internal/domain/relay"
	"telegram-relay/internal/infra/logger"
)

// PeerResolver разрешает маркированный id чата в InputPeer.
type PeerResolver interface {
	InputPeer(ctx context.Context, markedID int64) (tg.InputPeerClass, error)
}

// ConnTracker — часть трекера соединения, нужная отправителю.
type ConnTracker interface {
	HandleError(err error) bool
	WaitOnline(ctx context.Context)
}

// Sender отправляет сообщения от имени аккаунта.
type Sender struct {
	api      *tg.Client
	peers    PeerResolver
	uploader *uploader.Uploader
	conn     ConnTracker
}

var _ delivery.Sender = (*Sender)(nil)

// New создаёт отправителя. conn может быть nil: тогда потеря связи
// считается обычной ошибкой отправки.
func New(api *tg.Client, peers PeerResolver, conn ConnTracker) *Sender {
	if api == nil || peers == nil {
		panic("telegramsender: api and peers must not be nil")
	}
	return &Sender{
		api:      api,
		peers:    peers,
		uploader: uploader.NewUploader(api),
		conn:     conn,
	}
}

// SendSingle отправляет текст (messages.sendMessage) или одно медиа
// (upload + messages.sendMedia).
func (s *Sender) SendSingle(ctx context.Context, req delivery.SendRequest) (int, error) {
	m := req.Message
	peer, err := s.peers.InputPeer(ctx, req.ChatID)
	if err != nil {
		return 0, s.classify(ctx, "resolvePeer", err)
	}
	rid := randomID(req.Route, req.ChatID, m.SourceChatID, m.SourceMessageID, 0)

	var upd tg.UpdatesClass
	if !m.HasMedia() || m.MediaPath == "" {
		upd, err = s.api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
			Peer:     peer,
			Message:  m.Text,
			Entities: entities(m.Entities),
			RandomID: rid,
			ReplyTo:  replyTo(req.TopicID, req.ReplyTo),
		})
		if err != nil {
			return 0, s.classify(ctx, "sendMessage", err)
		}
	} else {
		file, upErr := s.uploader.FromPath(ctx, m.MediaPath)
		if upErr != nil {
			return 0, s.classify(ctx, "upload", upErr)
		}
		text, ents := m.Text, entities(m.Entities)
		if m.MediaType == relay.MediaSticker {
			text, ents = "", nil
		}
		upd, err = s.api.MessagesSendMedia(ctx, &tg.MessagesSendMediaRequest{
			Peer:     peer,
			Media:    inputMedia(m.MediaType, file, m.MediaPath),
			Message:  text,
			Entities: ents,
			RandomID: rid,
			ReplyTo:  replyTo(req.TopicID, req.ReplyTo),
		})
		if err != nil {
			return 0, s.classify(ctx, "sendMedia", err)
		}
	}

	ids := idsFromUpdates(upd, []int64{rid})
	if ids[0] == 0 {
		logger.Warn("sent message id not found in updates",
			zap.Int64("chat_id", req.ChatID), zap.Int("msg_id", m.SourceMessageID))
	}
	return ids[0], nil
}

// SendAlbum загружает части через messages.uploadMedia и публикует их
// одним messages.sendMultiMedia.
func (s *Sender) SendAlbum(ctx context.Context, req delivery.AlbumRequest) ([]int, error) {
	peer, err := s.peers.InputPeer(ctx, req.ChatID)
	if err != nil {
		return nil, s.classify(ctx, "resolvePeer", err)
	}

	multi := make([]tg.InputSingleMedia, 0, len(req.Messages))
	rids := make([]int64, 0, len(req.Messages))
	for i, m := range req.Messages {
		file, err := s.uploader.FromPath(ctx, m.MediaPath)
		if err != nil {
			return nil, s.classify(ctx, "upload", err)
		}
		uploaded, err := s.api.MessagesUploadMedia(ctx, &tg.MessagesUploadMediaRequest{
			Peer:  peer,
			Media: inputMedia(m.MediaType, file, m.MediaPath),
		})
		if err != nil {
			return nil, s.classify(ctx, "uploadMedia", err)
		}
		media, ok := uploadedToInput(uploaded)
		if !ok {
			return nil, &relay.SendError{Op: "uploadMedia", Err: errors.Errorf("unexpected media %T", uploaded)}
		}

		rid := randomID(req.Route, req.ChatID, m.SourceChatID, m.SourceMessageID, i)
		rids = append(rids, rid)
		multi = append(multi, tg.InputSingleMedia{
			Media:    media,
			RandomID: rid,
			Message:  m.Text,
			Entities: entities(m.Entities),
		})
	}

	upd, err := s.api.MessagesSendMultiMedia(ctx, &tg.MessagesSendMultiMediaRequest{
		Peer:       peer,
		MultiMedia: multi,
		ReplyTo:    replyTo(req.TopicID, req.ReplyTo),
	})
	if err != nil {
		return nil, s.classify(ctx, "sendMultiMedia", err)
	}
	return idsFromUpdates(upd, rids), nil
}

// classify приводит ошибку RPC к доменной.
func (s *Sender) classify(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if d, ok := tgerr.AsFloodWait(err); ok {
		return &relay.RateLimitedError{RetryAfter: d, Err: err}
	}
	if rpcErr, ok := tgerr.As(err); ok && rpcErr.IsType("SLOWMODE_WAIT") {
		return &relay.RateLimitedError{RetryAfter: time.Duration(rpcErr.Argument) * time.Second, Err: err}
	}
	if s.conn != nil && s.conn.HandleError(err) {
		s.conn.WaitOnline(ctx)
		return &relay.RateLimitedError{Err: err}
	}
	return &relay.SendError{Op: op, Err: err}
}

// idsFromUpdates сопоставляет id отправленных сообщений с random_id по
// UpdateMessageID. Не найденные позиции остаются 0.
func idsFromUpdates(u tg.UpdatesClass, rids []int64) []int {
	ids := make([]int, len(rids))

	var updates []tg.UpdateClass
	switch v := u.(type) {
	case *tg.UpdateShortSentMessage:
		if len(ids) == 1 {
			ids[0] = v.ID
		}
		return ids
	case *tg.Updates:
		updates = v.Updates
	case *tg.UpdatesCombined:
		updates = v.Updates
	case *tg.UpdateShort:
		updates = []tg.UpdateClass{v.Update}
	}

	byRandom := make(map[int64]int, len(updates))
	for _, upd := range updates {
		if m, ok := upd.(*tg.UpdateMessageID); ok {
			byRandom[m.RandomID] = m.ID
		}
	}
	for i, rid := range rids {
		ids[i] = byRandom[rid]
	}
	return ids
}
