package ingest

import (
	"cmp"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"telegram-relay/internal/domain/normalize"
	"telegram-relay/internal/domain/relay"
	"telegram-relay/internal/infra/logger"
)

// albumBuffer — незавершённый альбом чата. Части хранятся отдельно для
// каждого маршрута: один источник может зеркалироваться в несколько чатов,
// и фильтры маршрутов пропускают разные части.
type albumBuffer struct {
	groupID int64
	order   []relay.Route
	parts   map[string][]*tg.Message
}

func newAlbumBuffer(groupID int64) *albumBuffer {
	return &albumBuffer{groupID: groupID, parts: make(map[string][]*tg.Message)}
}

func (b *albumBuffer) add(route relay.Route, msg *tg.Message) {
	if _, ok := b.parts[route.Name]; !ok {
		b.order = append(b.order, route)
	}
	b.parts[route.Name] = append(b.parts[route.Name], msg)
}

// chatUnit — последовательный обработчик одного чата-источника.
// Состояние: IDLE (album == nil) или сбор альбома (album != nil).
type chatUnit struct {
	r      *Router
	chatID int64
	routes []relay.Route
	inbox  chan Event
	album  *albumBuffer
}

func newChatUnit(r *Router, chatID int64, routes []relay.Route) *chatUnit {
	return &chatUnit{
		r:      r,
		chatID: chatID,
		routes: routes,
		inbox:  make(chan Event, r.inboxSize),
	}
}

// run — цикл обработчика. Во время сбора альбома ожидание следующего
// сообщения ограничено окном с момента последней части; по таймауту
// альбом сбрасывается в очередь.
func (u *chatUnit) run() {
	timer := time.NewTimer(u.r.window)
	timer.Stop()
	defer timer.Stop()

	for {
		var timeout <-chan time.Time
		if u.album != nil {
			timeout = timer.C
		}

		select {
		case ev := <-u.inbox:
			if u.handle(ev) {
				timer.Reset(u.r.window)
			}
		case <-timeout:
			u.flush()
		case <-u.r.stop:
			u.drain()
			u.flush()
			logger.Debug("chat unit stopped", zap.Int64("chat_id", u.chatID))
			return
		}
	}
}

// drain обрабатывает всё, что успело попасть в буфер до остановки.
func (u *chatUnit) drain() {
	for {
		select {
		case ev := <-u.inbox:
			u.handle(ev)
		default:
			return
		}
	}
}

// handle прогоняет сообщение по всем маршрутам чата в порядке конфигурации.
// Возвращает true, если хотя бы один маршрут добавил его в альбом.
// Ошибки отдельных маршрутов логируются и обработку не прерывают.
func (u *chatUnit) handle(ev Event) bool {
	buffered := false
	for _, route := range u.routes {
		o := u.route(route, ev)
		if o.Kind == relay.OutcomeBuffered {
			buffered = true
		}
		u.r.report(route, ev.Message.ID, o)
	}
	return buffered
}

func (u *chatUnit) route(route relay.Route, ev Event) relay.Outcome {
	ctx := u.r.ctx
	msg := ev.Message

	if reason, ok := u.r.admit(route, ev); !ok {
		return relay.Rejected(reason)
	}

	done, err := u.r.store.IsProcessed(ctx, route, msg.ID)
	if err != nil {
		return relay.Failed(err)
	}
	if done {
		return relay.Duplicate()
	}

	if msg.GroupedID == 0 {
		// Одиночное сообщение после альбома: сначала отдаём альбом, чтобы
		// сохранить порядок.
		u.flush()
		return u.r.single(ctx, route, u.chatID, msg)
	}

	if u.album != nil && u.album.groupID != msg.GroupedID {
		u.flush()
	}
	if u.album == nil {
		u.album = newAlbumBuffer(msg.GroupedID)
	}
	if err := u.r.store.MarkProcessed(ctx, route, msg.ID, msg.GroupedID); err != nil {
		if errors.Is(err, relay.ErrDuplicate) {
			return relay.Duplicate()
		}
		return relay.Failed(err)
	}
	u.album.add(route, msg)
	return relay.Buffered()
}

// flush отправляет накопленный альбом: по элементу на маршрут, части
// упорядочены по id источника. Части, медиа которых не скачалось,
// выпадают; пустой альбом отбрасывается.
func (u *chatUnit) flush() {
	b := u.album
	u.album = nil
	if b == nil {
		return
	}
	ctx := u.r.ctx

	for _, route := range b.order {
		parts := b.parts[route.Name]
		slices.SortFunc(parts, func(x, y *tg.Message) int { return cmp.Compare(x.ID, y.ID) })

		msgs := make([]relay.UnifiedMessage, 0, len(parts))
		for _, p := range parts {
			um := normalize.Message(u.chatID, p)
			if um.HasMedia() {
				path, err := u.r.download(ctx, u.chatID, p)
				if err != nil {
					logger.Warn("album part dropped: media download failed",
						zap.String("route", route.Name), zap.Int("msg_id", p.ID), zap.Error(err))
					continue
				}
				um.MediaPath = path
			}
			msgs = append(msgs, um)
		}

		if len(msgs) == 0 {
			logger.Warn("album dropped: no parts left",
				zap.String("route", route.Name), zap.Int64("grouped_id", b.groupID))
			continue
		}

		item := relay.Outbound{Route: route, Messages: msgs, Album: true}
		first := msgs[0].SourceMessageID
		if err := u.r.queue.Enqueue(ctx, item); err != nil {
			u.r.remove(item.MediaPaths()...)
			u.r.report(route, first, relay.Failed(errors.Wrap(err, "enqueue album")))
			continue
		}
		logger.Debug("album enqueued",
			zap.String("route", route.Name),
			zap.Int64("grouped_id", b.groupID),
			zap.Int("parts", len(msgs)))
		u.r.report(route, first, relay.Enqueued())
	}
}
