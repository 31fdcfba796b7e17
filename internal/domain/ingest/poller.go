package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"telegram-relay/internal/infra/logger"
)

// HistorySource — чтение истории чата-источника.
type HistorySource interface {
	// Latest возвращает id последнего сообщения чата (0 — чат пуст).
	Latest(ctx context.Context, chatID int64) (int, error)
	// Since возвращает сообщения с id > minID от старых к новым.
	Since(ctx context.Context, chatID int64, minID int) ([]*tg.Message, error)
}

// Submitter принимает сообщения на маршрутизацию (реализуется Router).
type Submitter interface {
	Submit(ctx context.Context, ev Event) error
}

// Poller периодически добирает сообщения, пропущенные живым потоком
// обновлений. Для каждого источника хранится watermark — наибольший
// увиденный id (и из опроса, и из живых обновлений через Observe). Watermark
// только растёт.
type Poller struct {
	history  HistorySource
	router   Submitter
	sources  []int64
	interval time.Duration

	mu        sync.Mutex
	watermark map[int64]int
}

// NewPoller создаёт поллер для источников sources с периодом interval.
func NewPoller(history HistorySource, router Submitter, sources []int64, interval time.Duration) *Poller {
	return &Poller{
		history:   history,
		router:    router,
		sources:   sources,
		interval:  interval,
		watermark: make(map[int64]int, len(sources)),
	}
}

// Init выставляет watermark каждого источника на его последнее сообщение.
// Ошибки по отдельным источникам логируются: такой источник будет
// инициализирован на следующем тике.
func (p *Poller) Init(ctx context.Context) {
	for _, chatID := range p.sources {
		if err := p.initSource(ctx, chatID); err != nil {
			logger.Warn("poller: init watermark failed", zap.Int64("chat_id", chatID), zap.Error(err))
		}
	}
}

func (p *Poller) initSource(ctx context.Context, chatID int64) error {
	latest, err := p.history.Latest(ctx, chatID)
	if err != nil {
		return err
	}
	p.Observe(chatID, latest)
	return nil
}

// Observe сдвигает watermark чата вперёд; меньшие id игнорируются.
func (p *Poller) Observe(chatID int64, msgID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if msgID > p.watermark[chatID] {
		p.watermark[chatID] = msgID
	}
}

// Watermark возвращает текущий watermark чата.
func (p *Poller) Watermark(chatID int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.watermark[chatID]
}

// Tick выполняет один проход по всем источникам. Источник без watermark не
// опрашивается (иначе был бы перечитан весь чат): для него повторяется Init.
func (p *Poller) Tick(ctx context.Context) error {
	for _, chatID := range p.sources {
		minID := p.Watermark(chatID)
		if minID == 0 {
			if err := p.initSource(ctx, chatID); err != nil {
				logger.Warn("poller: init watermark failed", zap.Int64("chat_id", chatID), zap.Error(err))
			}
			continue
		}

		msgs, err := p.history.Since(ctx, chatID, minID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("poller: fetch history failed", zap.Int64("chat_id", chatID), zap.Error(err))
			continue
		}

		for _, m := range msgs {
			p.Observe(chatID, m.ID)
			if err := p.router.Submit(ctx, Event{ChatID: chatID, Message: m, AllowOld: true}); err != nil {
				return err
			}
		}
		if len(msgs) > 0 {
			logger.Debug("poller: fetched missed messages",
				zap.Int64("chat_id", chatID), zap.Int("count", len(msgs)), zap.Int("watermark", p.Watermark(chatID)))
		}
	}
	return nil
}

// Run инициализирует watermark и опрашивает источники каждые interval до
// отмены ctx или закрытия маршрутизатора.
func (p *Poller) Run(ctx context.Context) error {
	if p.interval <= 0 {
		return nil
	}
	p.Init(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.Tick(ctx); err != nil {
				if errors.Is(err, ErrClosed) || ctx.Err() != nil {
					return nil
				}
				logger.Warn("poller: tick failed", zap.Error(err))
			}
		}
	}
}
