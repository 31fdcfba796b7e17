// Package concurrency — вспомогательная инфраструктура конкурентного исполнения.
// Deduplicator — потокобезопасный кэш «недавно видели», который гасит
// повторные апдейты об одном и том же сообщении источника (после
// переподключения gotd может прислать их ещё раз) до того, как они дойдут
// до журнала доставок.
package concurrency

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"telegram-relay/internal/infra/logger"
)

const cleanupInterval = time.Minute

type dedupKey struct {
	chatID int64
	msgID  int
}

// Deduplicator хранит пары (чат, сообщение), увиденные в пределах окна.
type Deduplicator struct {
	mu     sync.Mutex
	seen   map[dedupKey]time.Time // ключ -> момент истечения
	window time.Duration
	now    func() time.Time

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDeduplicator создаёт кэш с окном window. При window <= 0 повтором
// ничего не считается.
func NewDeduplicator(window time.Duration) *Deduplicator {
	return &Deduplicator{
		seen:   make(map[dedupKey]time.Time),
		window: window,
		now:    time.Now,
	}
}

// WithClock подменяет источник времени (для тестов).
func (d *Deduplicator) WithClock(now func() time.Time) *Deduplicator {
	d.now = now
	return d
}

// Start поднимает фоновую очистку устаревших ключей. Повторные вызовы игнорируются.
func (d *Deduplicator) Start(ctx context.Context) {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.wg.Go(func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				d.Cleanup()
			}
		}
	})
}

// Stop завершает фоновую очистку и дожидается её окончания.
func (d *Deduplicator) Stop() {
	d.runMu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	d.wg.Wait()
}

// Seen сообщает, встречалась ли пара (chatID, msgID) в пределах окна.
// Первое появление регистрируется, и метод возвращает false.
func (d *Deduplicator) Seen(chatID int64, msgID int) bool {
	if d.window <= 0 {
		return false
	}
	key := dedupKey{chatID: chatID, msgID: msgID}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if exp, ok := d.seen[key]; ok && now.Before(exp) {
		logger.Debug("repeated update suppressed", zap.Int64("chat_id", chatID), zap.Int("msg_id", msgID))
		return true
	}
	d.seen[key] = now.Add(d.window)
	return false
}

// Cleanup удаляет записи с истёкшим сроком.
func (d *Deduplicator) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for k, exp := range d.seen {
		if !now.Before(exp) {
			delete(d.seen, k)
		}
	}
}

// Len возвращает число отслеживаемых ключей.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
