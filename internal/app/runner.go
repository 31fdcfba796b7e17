// Файл runner.go — оркестрация жизненного цикла: вход аккаунта, прогрев
// пиров, запуск сервисов в порядке зависимостей и остановка в обратном.
// MTProto-движок гасится последним, чтобы воркер успел дослать очередь.
package app

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/td/telegram"
	tgupdates "github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"telegram-relay/internal/adapters/telegram/auth"
	"telegram-relay/internal/domain/delivery"
	"telegram-relay/internal/domain/ingest"
	"telegram-relay/internal/infra/concurrency"
	"telegram-relay/internal/infra/config"
	"telegram-relay/internal/infra/ledger"
	"telegram-relay/internal/infra/logger"
	"telegram-relay/internal/infra/telegram/connection"
	"telegram-relay/internal/infra/telegram/peersmgr"
	"telegram-relay/internal/infra/throttle"
)

const (
	routerDrainTimeout = 10 * time.Second
	queueDrainTimeout  = 30 * time.Second
)

// Services — собранные компоненты, которыми управляет Runner.
type Services struct {
	Ledger   *ledger.Store
	StateDB  *bbolt.DB
	Peers    *peersmgr.Service
	Conn     *connection.Tracker
	Dedup    *concurrency.Deduplicator
	Throttle *throttle.Throttler
	Worker   *delivery.Worker
	Queue    *delivery.Queue
	Router   *ingest.Router
	Poller   *ingest.Poller
}

// Runner запускает и останавливает сервисы ретранслятора.
type Runner struct {
	cfg        *config.Config
	client     *telegram.Client
	svc        Services
	mainCtx    context.Context
	mainCancel context.CancelFunc

	updatesCancel context.CancelFunc
	updatesWG     sync.WaitGroup
	pollerCancel  context.CancelFunc
	pollerWG      sync.WaitGroup
	stopOnce      sync.Once
}

// NewRunner подготавливает Runner; запуск — Run.
func NewRunner(
	mainCtx context.Context,
	mainCancel context.CancelFunc,
	cfg *config.Config,
	client *telegram.Client,
	svc Services,
) *Runner {
	return &Runner{
		cfg:        cfg,
		client:     client,
		svc:        svc,
		mainCtx:    mainCtx,
		mainCancel: mainCancel,
	}
}

// Run выполняет вход, запускает сервисы и блокируется до отмены mainCtx.
// Для MTProto-движка используется отдельный контекст: он отменяется только
// после остановки сервисов.
func (r *Runner) Run(waiter *floodwait.Waiter, updmgr *tgupdates.Manager) error {
	clientCtx, clientCancel := context.WithCancel(context.Background())
	defer clientCancel()

	var shutdownWG sync.WaitGroup
	shutdownWG.Go(func() {
		<-r.mainCtx.Done()
		logger.Debug("Shutdown signal received, stopping runner...")
		r.stopAllServices()
		clientCancel()
	})

	err := waiter.Run(clientCtx, func(ctx context.Context) error {
		return r.client.Run(ctx, func(ctx context.Context) error {
			self, loginErr := r.loginSelf(ctx)
			if loginErr != nil {
				return loginErr
			}
			r.svc.Conn.MarkConnected()

			if err := r.initPeers(ctx); err != nil {
				return err
			}

			r.startAllServices(ctx, updmgr, self.ID)
			logger.Info("Relay running...")

			<-ctx.Done()
			return ctx.Err()
		})
	})

	// Ошибка запуска: снимаем сервисы тем же путём, что и по сигналу.
	r.mainCancel()
	shutdownWG.Wait()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) loginSelf(ctx context.Context) (*tg.User, error) {
	if err := r.client.Auth().IfNecessary(ctx, auth.NewFlow(r.cfg.PhoneNumber)); err != nil {
		return nil, errors.Wrap(err, "auth")
	}
	self, err := r.client.Self(ctx)
	if err != nil {
		return nil, err
	}
	logger.Info("Logged in as:",
		zap.String("FirstName", self.FirstName),
		zap.String("Username", self.Username),
		zap.Int64("ID", self.ID),
	)
	return self, nil
}

// initPeers прогревает кэш пиров. Клиентскому отправителю без пиров не
// разрешить чаты-получатели, поэтому для него ошибки фатальны.
func (r *Runner) initPeers(ctx context.Context) error {
	peers := r.svc.Peers
	strict := r.cfg.Notifier == config.NotifierClient

	if err := peers.Mgr.Init(ctx); err != nil {
		logger.Error("failed to init peers manager", zap.Error(err))
		if strict {
			return err
		}
	}
	if err := peers.LoadFromStorage(ctx); err != nil {
		logger.Error("failed to load peers from storage", zap.Error(err))
	}
	if err := peers.WarmupIfEmpty(ctx, r.client.API()); err != nil {
		logger.Error("failed to warm up peers", zap.Error(err))
		if strict {
			return err
		}
	}
	logger.Debug("Peers warmup complete")
	return nil
}

// startAllServices: дедупликатор → троттлер → воркер → поллер → апдейты.
// Маршрутизатор готов с момента создания (обработчики чатов ленивые).
func (r *Runner) startAllServices(ctx context.Context, updmgr *tgupdates.Manager, selfID int64) {
	logger.Debug("starting service deduplicator")
	r.svc.Dedup.Start(ctx)

	logger.Debug("starting service throttler")
	r.svc.Throttle.Start(ctx)

	logger.Debug("starting service delivery_worker")
	r.svc.Worker.Start()

	pollerCtx, pollerCancel := context.WithCancel(ctx)
	r.pollerCancel = pollerCancel
	r.pollerWG.Go(func() {
		if err := r.svc.Poller.Run(pollerCtx); err != nil {
			logger.Warn("poller stopped", zap.Error(err))
		}
	})

	logger.Debug("starting service updates_manager")
	updatesCtx, updatesCancel := context.WithCancel(ctx)
	r.updatesCancel = updatesCancel
	r.updatesWG.Go(func() {
		mgrErr := updmgr.Run(updatesCtx, r.client.API(), selfID, tgupdates.AuthOptions{
			OnStart: func(context.Context) { logger.Debug("Updates manager started") },
		})
		if mgrErr != nil && !errors.Is(mgrErr, context.Canceled) {
			logger.Error("updates manager stopped", zap.Error(mgrErr))
			r.mainCancel()
		}
	})
}

// stopAllServices останавливает сервисы в обратном порядке. Безопасен для
// повторного вызова и для частично запущенного набора.
func (r *Runner) stopAllServices() {
	r.stopOnce.Do(func() {
		logger.Debug("stopping service updates_manager")
		if r.updatesCancel != nil {
			r.updatesCancel()
		}
		r.updatesWG.Wait()

		logger.Debug("stopping service poller")
		if r.pollerCancel != nil {
			r.pollerCancel()
		}
		r.pollerWG.Wait()

		logger.Debug("stopping service router")
		routerCtx, cancelRouter := context.WithTimeout(context.Background(), routerDrainTimeout)
		if err := r.svc.Router.Close(routerCtx); err != nil {
			logger.Warn("router drain interrupted", zap.Error(err))
		}
		cancelRouter()

		logger.Debug("stopping service delivery_worker", zap.Int("queued", r.svc.Queue.Len()))
		workerCtx, cancelWorker := context.WithTimeout(context.Background(), queueDrainTimeout)
		if err := r.svc.Worker.Stop(workerCtx); err != nil {
			logger.Warn("delivery queue not drained", zap.Int("left", r.svc.Queue.Len()), zap.Error(err))
		}
		cancelWorker()

		logger.Debug("stopping service throttler")
		r.svc.Throttle.Stop()

		logger.Debug("stopping service deduplicator")
		r.svc.Dedup.Stop()

		logger.Debug("stopping service connection_tracker")
		r.svc.Conn.Close()

		if err := r.svc.Ledger.Close(); err != nil {
			logger.Error("failed to close ledger", zap.Error(err))
		}
		if err := r.svc.Peers.Close(); err != nil {
			logger.Error("failed to close peers storage", zap.Error(err))
		}
		if err := r.svc.StateDB.Close(); err != nil {
			logger.Error("failed to close state storage", zap.Error(err))
		}
		logger.Debug("all services stopped")
	})
}
