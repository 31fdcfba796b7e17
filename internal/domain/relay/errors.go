package relay

import (
	"fmt"
	"time"

	"github.com/go-faster/errors"
)

var (
	// ErrFilteredOut — штатный исход фильтрации, не ошибка.
	ErrFilteredOut = errors.New("filtered out")
	// ErrDuplicate — запись о доставке уже существует (проигранная гонка вставки).
	ErrDuplicate = errors.New("duplicate delivery")
	// ErrStoreUnavailable — журнал доставок недоступен; операция прерывается, цикл продолжает работу.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrDownloadFailed — не удалось скачать медиа исходного сообщения.
	ErrDownloadFailed = errors.New("media download failed")
)

// RateLimitedError — сервер просит повторить запрос не раньше чем через RetryAfter.
// Единственный класс ошибок отправки, который повторяется.
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
	}
	return fmt.Sprintf("rate limited: retry after %s: %v", e.RetryAfter, e.Err)
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// RetryDelay отдаёт паузу троттлеру через интерфейс retryAfterProvider.
func (e *RateLimitedError) RetryDelay() time.Duration { return e.RetryAfter }

// SendError — любая иная ошибка отправки. Элемент очереди отбрасывается.
type SendError struct {
	Op  string
	Err error
}

func (e *SendError) Error() string { return fmt.Sprintf("send failed: %s: %v", e.Op, e.Err) }

func (e *SendError) Unwrap() error { return e.Err }

// StopRetry сообщает троттлеру, что повторять не нужно.
func (e *SendError) StopRetry() bool { return true }

// AsRateLimited извлекает RateLimitedError из цепочки.
func AsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}
