// Package connection отслеживает состояние MTProto-соединения.
//   - WaitOnline(ctx) блокирует, пока клиент офлайн;
//   - MarkConnected/MarkDisconnected переключают состояние явно;
//   - HandleError переводит трекер в офлайн по сетевой ошибке RPC;
//   - в офлайне фоновый монитор периодически проверяет связь лёгким RPC.
//
// Ожидатели работают со «снимком» канала текущего поколения: при каждом
// разрыве создаётся новый открытый канал, при восстановлении он закрывается.
package connection

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/pool"
	"github.com/gotd/td/rpc"
	"go.uber.org/zap"

	"telegram-relay/internal/infra/logger"
)

const (
	reconnectPingInterval = 10 * time.Second
	reconnectPingTimeout  = 5 * time.Second
)

// Pinger — лёгкий RPC, успешный только при живом соединении (обычно client.Self).
type Pinger func(ctx context.Context) error

// Tracker хранит признак online и канал ожидания текущего поколения.
type Tracker struct {
	ping     Pinger
	ctx      context.Context
	interval time.Duration

	connected atomic.Bool

	mu            sync.RWMutex
	waitCh        chan struct{}
	monitorCancel context.CancelFunc
	wg            sync.WaitGroup
}

// New создаёт трекер в состоянии online. ctx ограничивает жизнь монитора.
func New(ctx context.Context, ping Pinger) *Tracker {
	t := &Tracker{ping: ping, ctx: ctx, interval: reconnectPingInterval}
	t.connected.Store(true)
	ready := make(chan struct{})
	close(ready)
	t.waitCh = ready
	return t
}

// WithInterval меняет период проверок в офлайне (для тестов).
func (t *Tracker) WithInterval(d time.Duration) *Tracker {
	t.interval = d
	return t
}

// Online сообщает текущее состояние.
func (t *Tracker) Online() bool { return t.connected.Load() }

// MarkConnected переводит трекер в online и будит всех ожидателей.
func (t *Tracker) MarkConnected() {
	if t.connected.Swap(true) {
		return
	}

	t.mu.Lock()
	if t.monitorCancel != nil {
		t.monitorCancel()
		t.monitorCancel = nil
	}
	if t.waitCh != nil {
		select {
		case <-t.waitCh:
		default:
			close(t.waitCh)
		}
	}
	t.mu.Unlock()

	logger.Info("connection restored")
}

// MarkDisconnected переводит трекер в offline и запускает монитор.
// Повторный вызов в офлайне ничего не делает.
func (t *Tracker) MarkDisconnected() {
	if !t.connected.CompareAndSwap(true, false) {
		return
	}

	t.mu.Lock()
	if t.monitorCancel != nil {
		t.monitorCancel()
	}
	t.waitCh = make(chan struct{})
	monitorCtx, cancel := context.WithCancel(t.ctx)
	t.monitorCancel = cancel
	t.mu.Unlock()

	logger.Warn("connection lost, waiting for restore")
	t.wg.Go(func() { t.monitorLoop(monitorCtx) })
}

// WaitOnline блокирует до восстановления соединения или отмены ctx.
func (t *Tracker) WaitOnline(ctx context.Context) {
	if ctx.Err() != nil || t.connected.Load() {
		return
	}
	logger.Debug("waiting for connection")

	for {
		ch := t.currentWaitCh()
		select {
		case <-ctx.Done():
			return
		case <-ch:
			if ch == t.currentWaitCh() {
				return
			}
		}
	}
}

// HandleError переводит трекер в offline, если err похожа на разрыв связи,
// и возвращает true в этом случае.
func (t *Tracker) HandleError(err error) bool {
	if !IsNetworkError(err) {
		return false
	}
	t.MarkDisconnected()
	return true
}

// Close останавливает монитор и будит ожидателей.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.monitorCancel != nil {
		t.monitorCancel()
		t.monitorCancel = nil
	}
	wait := t.waitCh
	t.waitCh = nil
	t.mu.Unlock()

	if wait != nil {
		select {
		case <-wait:
		default:
			close(wait)
		}
	}
	t.wg.Wait()
}

func (t *Tracker) currentWaitCh() <-chan struct{} {
	t.mu.RLock()
	ch := t.waitCh
	t.mu.RUnlock()
	if ch == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return ch
}

func (t *Tracker) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return
		}

		start := time.Now()
		pingCtx, cancel := context.WithTimeout(ctx, reconnectPingTimeout)
		err := t.safePing(pingCtx)
		cancel()

		if err == nil {
			logger.Debug("connection probe ok", zap.Int("attempt", attempt), zap.Duration("took", time.Since(start)))
			t.MarkConnected()
			return
		}
		if ctx.Err() != nil {
			return
		}
		logger.Debug("connection probe failed", zap.Int("attempt", attempt), zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// safePing переводит панику клиента (он мог быть ещё не запущен) в net.ErrClosed.
func (t *Tracker) safePing(ctx context.Context) (err error) {
	if t.ping == nil {
		return net.ErrClosed
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Debug("connection probe panic recovered", zap.Any("panic", r))
			err = net.ErrClosed
		}
	}()
	return t.ping(ctx)
}

// IsNetworkError определяет, сигнализирует ли ошибка о разрыве связи.
// Отмена контекста сетевой ошибкой не считается.
func IsNetworkError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, pool.ErrConnDead) ||
		errors.Is(err, rpc.ErrEngineClosed) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) {
		return true
	}
	var retryErr *rpc.RetryLimitReachedErr
	if errors.As(err, &retryErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
