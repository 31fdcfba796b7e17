// Package ingest — приём сообщений из чатов-источников и маршрутизация их в
// исходящую очередь.
//
// Каждый чат-источник обслуживается своим последовательным обработчиком
// (chatUnit): сообщения одного чата проходят строго по порядку поступления,
// разные чаты не блокируют друг друга. Обработчик склеивает части альбомов
// (одинаковый grouped_id) и отдаёт альбом в очередь одним элементом, когда
// приходит сообщение вне альбома, начинается другой альбом или истекает окно
// ожидания AlbumWindow с момента последней части.
//
// Для каждого маршрута источника проверки идут в порядке age → topic →
// blacklist → журнал доставок. Части альбома помечаются в журнале сразу при
// буферизации, одиночное сообщение до постановки в очередь.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"telegram-relay/internal/domain/normalize"
	"telegram-relay/internal/domain/relay"
	"telegram-relay/internal/infra/logger"
	"telegram-relay/internal/infra/storage"
)

// Причины отклонения сообщения фильтрами маршрута.
const (
	ReasonTooOld     = "too_old"
	ReasonTopic      = "topic_mismatch"
	ReasonBlacklist  = "blacklist"
	defaultMaxAge    = 300 * time.Second
	defaultWindow    = 2 * time.Second
	defaultInboxSize = 64
)

// ErrClosed возвращается Submit после Close.
var ErrClosed = errors.New("ingest: router closed")

// Store — часть журнала доставок, нужная маршрутизатору.
type Store interface {
	IsProcessed(ctx context.Context, route relay.Route, msgID int) (bool, error)
	MarkProcessed(ctx context.Context, route relay.Route, msgID int, groupedID int64) error
}

// Enqueuer — исходящая очередь. Enqueue блокируется при заполненной очереди.
type Enqueuer interface {
	Enqueue(ctx context.Context, item relay.Outbound) error
}

// Downloader сохраняет медиа сообщения во временный файл и возвращает путь.
type Downloader interface {
	Download(ctx context.Context, chatID int64, msg *tg.Message) (string, error)
}

// Event — входящее сообщение источника. AllowOld снимает фильтр возраста
// (используется поллером, который добирает пропущенное).
type Event struct {
	ChatID   int64
	Message  *tg.Message
	AllowOld bool
}

// Options — зависимости и параметры Router.
type Options struct {
	Routes     []relay.Route
	Store      Store
	Queue      Enqueuer
	Downloader Downloader

	MaxAge      time.Duration // по умолчанию 300с
	AlbumWindow time.Duration // по умолчанию 2с
	Blacklist   []string      // уже в нижнем регистре
	InboxSize   int           // буфер входящих на один чат

	Clock  func() time.Time
	Remove func(paths ...string) // удаление временных файлов отброшенных элементов

	// OnOutcome вызывается для каждого решения (маршрут, сообщение); может быть nil.
	OnOutcome func(route relay.Route, msgID int, o relay.Outcome)
}

// Router распределяет сообщения по последовательным обработчикам чатов.
type Router struct {
	routes     map[int64][]relay.Route
	sources    []int64
	store      Store
	queue      Enqueuer
	downloader Downloader

	maxAge    time.Duration
	window    time.Duration
	blacklist []string
	inboxSize int
	now       func() time.Time
	remove    func(paths ...string)
	onOutcome func(route relay.Route, msgID int, o relay.Outcome)

	// ctx живёт дольше входящего контекста Submit: обработчики дорабатывают
	// начатое даже после его отмены. Отменяется в Close.
	ctx    context.Context
	cancel context.CancelFunc
	stop   chan struct{}

	mu     sync.Mutex
	closed bool
	units  map[int64]*chatUnit
	wg     sync.WaitGroup
}

// New валидирует опции и создаёт маршрутизатор. Обработчики чатов
// запускаются лениво, при первом сообщении из чата.
func New(opts Options) (*Router, error) {
	if opts.Store == nil {
		return nil, errors.New("ingest: store is nil")
	}
	if opts.Queue == nil {
		return nil, errors.New("ingest: queue is nil")
	}
	if opts.Downloader == nil {
		return nil, errors.New("ingest: downloader is nil")
	}

	r := &Router{
		routes:     make(map[int64][]relay.Route),
		store:      opts.Store,
		queue:      opts.Queue,
		downloader: opts.Downloader,
		maxAge:     opts.MaxAge,
		window:     opts.AlbumWindow,
		blacklist:  opts.Blacklist,
		inboxSize:  opts.InboxSize,
		now:        opts.Clock,
		remove:     opts.Remove,
		onOutcome:  opts.OnOutcome,
		stop:       make(chan struct{}),
		units:      make(map[int64]*chatUnit),
	}
	for _, route := range opts.Routes {
		if _, seen := r.routes[route.SourceID]; !seen {
			r.sources = append(r.sources, route.SourceID)
		}
		r.routes[route.SourceID] = append(r.routes[route.SourceID], route)
	}
	if r.maxAge <= 0 {
		r.maxAge = defaultMaxAge
	}
	if r.window <= 0 {
		r.window = defaultWindow
	}
	if r.inboxSize <= 0 {
		r.inboxSize = defaultInboxSize
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.remove == nil {
		r.remove = storage.Remove
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r, nil
}

// Sources возвращает id чатов-источников в порядке первого упоминания в маршрутах.
func (r *Router) Sources() []int64 {
	out := make([]int64, len(r.sources))
	copy(out, r.sources)
	return out
}

// Submit передаёт сообщение обработчику его чата. Сообщения чатов без
// маршрутов отбрасываются сразу, обработчик для них не создаётся.
// Блокируется, пока буфер обработчика заполнен.
func (r *Router) Submit(ctx context.Context, ev Event) error {
	if ev.Message == nil {
		return nil
	}
	if _, ok := r.routes[ev.ChatID]; !ok {
		logger.Debug("no route for chat", zap.Int64("chat_id", ev.ChatID), zap.Int("msg_id", ev.Message.ID))
		return nil
	}

	u, err := r.unitFor(ev.ChatID)
	if err != nil {
		return err
	}

	select {
	case u.inbox <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stop:
		return ErrClosed
	}
}

// unitFor возвращает обработчик чата, создавая и запуская его при первом
// обращении. Поиск и создание выполняются под одним мьютексом, поэтому на
// чат всегда приходится ровно один обработчик.
func (r *Router) unitFor(chatID int64) (*chatUnit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if u, ok := r.units[chatID]; ok {
		return u, nil
	}
	u := newChatUnit(r, chatID, r.routes[chatID])
	r.units[chatID] = u
	r.wg.Go(u.run)
	logger.Debug("chat unit started", zap.Int64("chat_id", chatID), zap.Int("routes", len(u.routes)))
	return u, nil
}

// Close перестаёт принимать сообщения и ждёт, пока обработчики разберут
// буферы и сбросят незавершённые альбомы. Если ctx истекает раньше,
// текущие операции обработчиков отменяются.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.stop)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}

// admit применяет фильтры маршрута. Возвращает причину отказа и false,
// если сообщение не проходит.
func (r *Router) admit(route relay.Route, ev Event) (string, bool) {
	msg := ev.Message
	if !ev.AllowOld {
		sent := time.Unix(int64(msg.Date), 0)
		if r.now().Sub(sent) > r.maxAge {
			return ReasonTooOld, false
		}
	}
	if route.HasTopic() && normalize.TopicID(msg) != route.SourceTopicID {
		return ReasonTopic, false
	}
	if len(r.blacklist) > 0 && msg.Message != "" {
		low := strings.ToLower(msg.Message)
		for _, w := range r.blacklist {
			if strings.Contains(low, w) {
				return ReasonBlacklist + ":" + w, false
			}
		}
	}
	return "", true
}

// single помечает сообщение в журнале, нормализует его, скачивает медиа и
// ставит элемент в очередь. Запись журнала появляется раньше элемента очереди:
// воркер записывает id у получателя в уже существующую строку. Сбой
// постановки в очередь после отметки означает потерю сообщения (не более
// одного раза).
func (r *Router) single(ctx context.Context, route relay.Route, chatID int64, msg *tg.Message) relay.Outcome {
	if err := r.store.MarkProcessed(ctx, route, msg.ID, 0); err != nil {
		if errors.Is(err, relay.ErrDuplicate) {
			return relay.Duplicate()
		}
		return relay.Failed(errors.Wrap(err, "mark processed"))
	}

	um := normalize.Message(chatID, msg)
	if um.HasMedia() {
		path, err := r.download(ctx, chatID, msg)
		if err != nil {
			// Медиа не скачалось: отправляем только текст.
			logger.Warn("media download failed, forwarding text only",
				zap.String("route", route.Name), zap.Int("msg_id", msg.ID), zap.Error(err))
			um.MediaType = relay.MediaNone
		} else {
			um.MediaPath = path
		}
	}

	item := relay.Outbound{Route: route, Messages: []relay.UnifiedMessage{um}}
	if err := r.queue.Enqueue(ctx, item); err != nil {
		r.remove(item.MediaPaths()...)
		logger.Error("message marked but not enqueued, dropped",
			zap.String("route", route.Name), zap.Int("msg_id", msg.ID), zap.Error(err))
		return relay.Failed(errors.Wrap(err, "enqueue"))
	}
	return relay.Enqueued()
}

// download оборачивает ошибку загрузчика в relay.ErrDownloadFailed.
func (r *Router) download(ctx context.Context, chatID int64, msg *tg.Message) (string, error) {
	path, err := r.downloader.Download(ctx, chatID, msg)
	if err != nil {
		return "", fmt.Errorf("message %d: %w: %w", msg.ID, relay.ErrDownloadFailed, err)
	}
	return path, nil
}

// report логирует решение и передаёт его наблюдателю.
func (r *Router) report(route relay.Route, msgID int, o relay.Outcome) {
	fields := []zap.Field{
		zap.String("route", route.Name),
		zap.Int64("chat_id", route.SourceID),
		zap.Int("msg_id", msgID),
		zap.Stringer("outcome", o),
	}
	if o.Kind == relay.OutcomeFailed {
		logger.Warn("message routing failed", fields...)
	} else {
		logger.Debug("message routed", fields...)
	}
	if r.onOutcome != nil {
		r.onOutcome(route, msgID, o)
	}
}
