// Package delivery — исходящая сторона: очередь элементов на отправку и
// единственный воркер, который отправляет их в целевые чаты через Sender,
// соблюдая лимиты скорости, и записывает соответствие id сообщений
// источника и получателя для восстановления ответов.
package delivery

import (
	"context"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"telegram-relay/internal/domain/relay"
	"telegram-relay/internal/infra/logger"
)

const defaultQueueSize = 1000

// warnIfLargeSize — порог заполнения, после которого каждое добавление
// сопровождается предупреждением.
const warnIfLargeSize = 0.9

// Queue — ограниченная FIFO-очередь элементов. Enqueue блокируется, пока
// очередь заполнена.
type Queue struct {
	ch chan relay.Outbound
}

// NewQueue создаёт очередь ёмкостью size (по умолчанию 1000).
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Queue{ch: make(chan relay.Outbound, size)}
}

// Enqueue добавляет элемент в конец очереди. Пустые элементы отвергаются.
func (q *Queue) Enqueue(ctx context.Context, item relay.Outbound) error {
	if len(item.Messages) == 0 {
		return errors.New("delivery: empty item")
	}
	if n := len(q.ch); float64(n) >= float64(cap(q.ch))*warnIfLargeSize {
		logger.Warn("delivery queue is almost full", zap.Int("len", n), zap.Int("cap", cap(q.ch)))
	}
	select {
	case q.ch <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len возвращает текущее число элементов.
func (q *Queue) Len() int { return len(q.ch) }
