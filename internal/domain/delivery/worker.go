package delivery

import (
	"context"
	"sync"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"telegram-relay/internal/domain/relay"
	"telegram-relay/internal/infra/logger"
	"telegram-relay/internal/infra/storage"
)

// SendRequest — одиночная отправка в чат ChatID (маркированный id).
// TopicID и ReplyTo равны 0, если не заданы.
type SendRequest struct {
	Route   string
	ChatID  int64
	TopicID int
	ReplyTo int
	Message relay.UnifiedMessage
}

// AlbumRequest — отправка медиагруппы; Messages уже отфильтрованы и упорядочены.
type AlbumRequest struct {
	Route    string
	ChatID   int64
	TopicID  int
	ReplyTo  int
	Messages []relay.UnifiedMessage
}

// Sender — транспорт целевой стороны (Bot API или MTProto).
// Ошибка, несущая серверную паузу, должна быть *relay.RateLimitedError;
// прочие — *relay.SendError.
type Sender interface {
	SendSingle(ctx context.Context, req SendRequest) (int, error)
	SendAlbum(ctx context.Context, req AlbumRequest) ([]int, error)
}

// Store — часть журнала доставок, нужная воркеру.
type Store interface {
	GetTargetID(ctx context.Context, routeName string, chatID int64, msgID int) (int, bool, error)
	SetTargetID(ctx context.Context, routeName string, chatID int64, msgID, targetID int) error
}

// Throttler ограничивает скорость и повторяет отправку при серверной паузе.
type Throttler interface {
	Do(ctx context.Context, fn func() error) error
}

// WorkerOptions — зависимости воркера.
type WorkerOptions struct {
	Queue     *Queue
	Store     Store
	Sender    Sender
	Throttler Throttler
	Remove    func(paths ...string) // по умолчанию storage.Remove

	// OnDone вызывается после обработки элемента (для тестов и метрик).
	OnDone func(item relay.Outbound, targetIDs []int, err error)
}

// Worker — единственный потребитель очереди: элементы отправляются строго
// в порядке постановки.
type Worker struct {
	queue     *Queue
	store     Store
	sender    Sender
	throttler Throttler
	remove    func(paths ...string)
	onDone    func(item relay.Outbound, targetIDs []int, err error)

	// ctx не зависит от контекста приложения: при остановке воркер
	// дорабатывает очередь до конца или до истечения контекста Stop.
	ctx      context.Context
	cancel   context.CancelFunc
	stopping chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewWorker проверяет зависимости и создаёт воркер. Запуск — Start.
func NewWorker(opts WorkerOptions) (*Worker, error) {
	switch {
	case opts.Queue == nil:
		return nil, errors.New("delivery worker: queue is nil")
	case opts.Store == nil:
		return nil, errors.New("delivery worker: store is nil")
	case opts.Sender == nil:
		return nil, errors.New("delivery worker: sender is nil")
	case opts.Throttler == nil:
		return nil, errors.New("delivery worker: throttler is nil")
	}
	w := &Worker{
		queue:     opts.Queue,
		store:     opts.Store,
		sender:    opts.Sender,
		throttler: opts.Throttler,
		remove:    opts.Remove,
		onDone:    opts.OnDone,
		stopping:  make(chan struct{}),
	}
	if w.remove == nil {
		w.remove = storage.Remove
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())
	return w, nil
}

// Start запускает цикл обработки. Повторные вызовы игнорируются.
func (w *Worker) Start() {
	w.startOnce.Do(func() {
		w.wg.Go(w.loop)
	})
}

// Stop просит воркер дообработать очередь и ждёт его завершения. Если ctx
// истекает раньше, текущая отправка отменяется, а оставшиеся элементы
// остаются в очереди (их временные файлы подберёт очистка при следующем запуске).
func (w *Worker) Stop(ctx context.Context) error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopping)
		done := make(chan struct{})
		go func() {
			w.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
			w.cancel()
			<-done
		}
		w.cancel()
	})
	return err
}

func (w *Worker) loop() {
	logger.Debug("delivery worker started")
	defer logger.Debug("delivery worker stopped")

	for {
		select {
		case item := <-w.queue.ch:
			w.process(w.ctx, item)
		case <-w.stopping:
			for {
				select {
				case item := <-w.queue.ch:
					w.process(w.ctx, item)
				default:
					return
				}
			}
		case <-w.ctx.Done():
			return
		}
	}
}

// process отправляет элемент и записывает id получателя. Временные файлы
// удаляются при любом исходе.
func (w *Worker) process(ctx context.Context, item relay.Outbound) {
	ids, err := w.deliver(ctx, item)
	w.remove(item.MediaPaths()...)
	if w.onDone != nil {
		w.onDone(item, ids, err)
	}
}

func (w *Worker) deliver(ctx context.Context, item relay.Outbound) ([]int, error) {
	route := item.Route
	batches := plan(item)
	if len(batches) == 0 {
		logger.Debug("nothing to send, item skipped",
			zap.String("route", route.Name), zap.Int("msg_id", item.Messages[0].SourceMessageID))
		return nil, nil
	}

	replyTo := w.replyTarget(ctx, route, item.Messages[0])

	var all []int
	for i, b := range batches {
		reply := replyTo
		if i > 0 {
			reply = 0
		}
		ids, err := w.send(ctx, route, b, reply)
		if err != nil {
			logger.Error("send failed, item dropped",
				zap.String("route", route.Name),
				zap.Int64("target", route.TargetID),
				zap.Int("msg_id", b.Messages[0].SourceMessageID),
				zap.Bool("album", b.Album),
				zap.Error(err))
			return all, err
		}
		w.recordTargets(ctx, route, b.Messages, ids)
		all = append(all, ids...)
	}

	logger.Debug("item delivered",
		zap.String("route", route.Name),
		zap.Int("msg_id", item.Messages[0].SourceMessageID),
		zap.Ints("target_ids", all))
	return all, nil
}

// send выполняет одну отправку через троттлер. Повторяется только ошибка с
// серверной паузой; любая другая возвращается сразу.
func (w *Worker) send(ctx context.Context, route relay.Route, b batch, replyTo int) ([]int, error) {
	var ids []int
	err := w.throttler.Do(ctx, func() error {
		got, err := w.attempt(ctx, route, b, replyTo)
		if err != nil {
			if rl, ok := relay.AsRateLimited(err); ok {
				logger.Warn("rate limited, waiting",
					zap.String("route", route.Name), zap.Duration("retry_after", rl.RetryAfter))
			}
			return err
		}
		ids = got
		return nil
	})
	return ids, err
}

func (w *Worker) attempt(ctx context.Context, route relay.Route, b batch, replyTo int) ([]int, error) {
	if b.Album {
		return w.sender.SendAlbum(ctx, AlbumRequest{
			Route:    route.Name,
			ChatID:   route.TargetID,
			TopicID:  route.TargetTopicID,
			ReplyTo:  replyTo,
			Messages: b.Messages,
		})
	}
	id, err := w.sender.SendSingle(ctx, SendRequest{
		Route:   route.Name,
		ChatID:  route.TargetID,
		TopicID: route.TargetTopicID,
		ReplyTo: replyTo,
		Message: b.Messages[0],
	})
	if err != nil {
		return nil, err
	}
	return []int{id}, nil
}

// replyTarget ищет id сообщения у получателя, на которое нужно ответить.
// Отсутствие соответствия (или ошибка журнала) означает отправку без ответа.
func (w *Worker) replyTarget(ctx context.Context, route relay.Route, first relay.UnifiedMessage) int {
	if first.ReplyToMsgID == 0 {
		return 0
	}
	id, ok, err := w.store.GetTargetID(ctx, route.Name, first.SourceChatID, first.ReplyToMsgID)
	if err != nil {
		logger.Warn("reply lookup failed, sending without reply",
			zap.String("route", route.Name), zap.Int("reply_to", first.ReplyToMsgID), zap.Error(err))
		return 0
	}
	if !ok {
		return 0
	}
	return id
}

// recordTargets сопоставляет id позиционно: i-е отправленное сообщение
// получает i-й id ответа.
func (w *Worker) recordTargets(ctx context.Context, route relay.Route, msgs []relay.UnifiedMessage, ids []int) {
	if len(ids) != len(msgs) {
		logger.Warn("target ids count mismatch",
			zap.String("route", route.Name), zap.Int("sent", len(msgs)), zap.Int("ids", len(ids)))
	}
	for i, m := range msgs {
		if i >= len(ids) || ids[i] == 0 {
			continue
		}
		if err := w.store.SetTargetID(ctx, route.Name, m.SourceChatID, m.SourceMessageID, ids[i]); err != nil {
			logger.Warn("store target id failed",
				zap.String("route", route.Name), zap.Int("msg_id", m.SourceMessageID), zap.Error(err))
		}
	}
}
