// Package source — сторона чтения: живой поток обновлений аккаунта, чтение
// истории для поллера и загрузка медиа во временный каталог.
package source

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"telegram-relay/internal/domain/ingest"
	"telegram-relay/internal/infra/logger"
	"telegram-relay/internal/infra/telegram/tgutil"
)

// Observer получает id каждого сообщения живого потока (реализуется Poller).
type Observer interface {
	Observe(chatID int64, msgID int)
}

// Deduplicator гасит повторные апдейты об одном сообщении.
type Deduplicator interface {
	Seen(chatID int64, msgID int) bool
}

// Feed переводит апдейты о новых сообщениях в события маршрутизатора.
type Feed struct {
	router   ingest.Submitter
	observer Observer
	dedup    Deduplicator
}

// NewFeed создаёт поток. observer и dedup могут быть nil.
func NewFeed(router ingest.Submitter, observer Observer, dedup Deduplicator) *Feed {
	return &Feed{router: router, observer: observer, dedup: dedup}
}

// Register подписывает поток на новые сообщения каналов и обычных чатов.
func (f *Feed) Register(d tg.UpdateDispatcher) {
	d.OnNewChannelMessage(func(ctx context.Context, _ tg.Entities, u *tg.UpdateNewChannelMessage) error {
		f.Handle(ctx, u.Message)
		return nil
	})
	d.OnNewMessage(func(ctx context.Context, _ tg.Entities, u *tg.UpdateNewMessage) error {
		f.Handle(ctx, u.Message)
		return nil
	})
}

// Handle обрабатывает одно сообщение. Служебные и пустые сообщения
// пропускаются. Ошибки маршрутизатора только логируются: поток обновлений
// не должен останавливаться из-за одного сообщения.
func (f *Feed) Handle(ctx context.Context, m tg.MessageClass) {
	msg, ok := m.(*tg.Message)
	if !ok {
		return
	}
	chatID := tgutil.MarkedPeerID(msg.PeerID)
	if chatID == 0 {
		return
	}
	if f.dedup != nil && f.dedup.Seen(chatID, msg.ID) {
		return
	}
	if f.observer != nil {
		f.observer.Observe(chatID, msg.ID)
	}

	err := f.router.Submit(ctx, ingest.Event{ChatID: chatID, Message: msg})
	switch {
	case err == nil:
	case errors.Is(err, ingest.ErrClosed), errors.Is(err, context.Canceled):
		logger.Debug("feed: router is not accepting messages", zap.Int64("chat_id", chatID), zap.Int("msg_id", msg.ID))
	default:
		logger.Warn("feed: submit failed", zap.Int64("chat_id", chatID), zap.Int("msg_id", msg.ID), zap.Error(err))
	}
}
