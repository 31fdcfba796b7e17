// Package app — верхний уровень сборки ретранслятора. Здесь связываются
// конфигурация, MTProto-клиент (gotd), диспетчер апдейтов, журнал доставок,
// маршрутизатор, исходящая очередь и выбранный транспорт отправки.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-faster/errors"
	boltstor "github.com/gotd/contrib/bbolt"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/contrib/middleware/ratelimit"
	contribstorage "github.com/gotd/contrib/storage"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/dcs"
	tgupdates "github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	botapisender "telegram-relay/internal/adapters/botapi/sender"
	telegramsender "telegram-relay/internal/adapters/telegram/sender"
	"telegram-relay/internal/adapters/telegram/source"
	"telegram-relay/internal/domain/delivery"
	"telegram-relay/internal/domain/ingest"
	"telegram-relay/internal/infra/concurrency"
	"telegram-relay/internal/infra/config"
	"telegram-relay/internal/infra/ledger"
	"telegram-relay/internal/infra/logger"
	"telegram-relay/internal/infra/pr"
	"telegram-relay/internal/infra/storage"
	"telegram-relay/internal/infra/telegram/connection"
	"telegram-relay/internal/infra/telegram/peersmgr"
	"telegram-relay/internal/infra/telegram/session"
	"telegram-relay/internal/infra/throttle"
)

const (
	stateFileMode    = 0o600
	stateOpenTimeout = time.Second
	appVersion       = "1.0.0"
)

// lazyUpdateHandler откладывает установку реального обработчика апдейтов:
// клиенту он нужен при создании, а менеджер апдейтов собирается позже.
type lazyUpdateHandler struct {
	mu      sync.RWMutex
	handler telegram.UpdateHandler
}

func (h *lazyUpdateHandler) Handle(ctx context.Context, u tg.UpdatesClass) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.handler != nil {
		return h.handler.Handle(ctx, u)
	}
	return nil
}

func (h *lazyUpdateHandler) set(realHandler telegram.UpdateHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = realHandler
}

// App агрегирует зависимости ретранслятора.
type App struct {
	cfg        *config.Config
	mainCtx    context.Context
	mainCancel context.CancelFunc
}

// NewApp создаёт каркас приложения. Сборка и запуск — в Run.
func NewApp(mainCtx context.Context, mainCancel context.CancelFunc, cfg *config.Config) *App {
	return &App{cfg: cfg, mainCtx: mainCtx, mainCancel: mainCancel}
}

// Run собирает компоненты и передаёт их Runner. Блокируется до остановки.
// Фатальны только ошибки журнала доставок, локальных файлов состояния и
// выбора транспорта; прочие сбои логируются и переживаются.
func (a *App) Run() error {
	cfg := a.cfg
	logger.Info("Relay initializing...", zap.Int("routes", len(cfg.Routes)), zap.String("notifier", cfg.Notifier))
	if logger.IsDebugEnabled() {
		pr.PP(cfg.Routes)
	}

	mediaDir, err := storage.NewMediaDir(cfg.TmpDir)
	if err != nil {
		return err
	}
	if n, sweepErr := mediaDir.Sweep(); sweepErr != nil {
		logger.Warn("media dir sweep failed", zap.Error(sweepErr))
	} else if n > 0 {
		logger.Info("removed stale media files", zap.Int("count", n))
	}

	store, err := ledger.Open(cfg.DBName)
	if err != nil {
		return fmt.Errorf("init ledger: %w", err)
	}

	dispatcher := tg.NewUpdateDispatcher()
	lazyHandler := &lazyUpdateHandler{}
	waiter := floodwait.NewWaiter()

	var client *telegram.Client
	conn := connection.New(a.mainCtx, func(ctx context.Context) error { return client.Ping(ctx) })

	options := telegram.Options{
		SessionStorage: &session.FileStorage{Path: cfg.SessionFile, OnStore: conn.MarkConnected},
		UpdateHandler:  lazyHandler,
		Middlewares: []telegram.Middleware{
			waiter,
			ratelimit.New(rate.Limit(cfg.ThrottleRPS), cfg.ThrottleRPS*2), //nolint:mnd // burst = 2*rate
		},
		OnDead: conn.MarkDisconnected,
		Device: telegram.DeviceConfig{
			DeviceModel:   "telegram-relay",
			SystemVersion: "linux",
			AppVersion:    appVersion,
		},
	}
	if cfg.TestDC {
		options.DCList = dcs.Test()
	}
	client = telegram.NewClient(cfg.APIID, cfg.APIHash, options)

	peersSvc, err := peersmgr.New(client.API(), cfg.PeersCacheFile)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("init peers manager: %w", err)
	}
	if err := peersSvc.LoadFromStorage(a.mainCtx); err != nil {
		logger.Warn("load peers storage failed", zap.Error(err))
	}

	if err := storage.EnsureDir(cfg.StateFile); err != nil {
		_ = store.Close()
		_ = peersSvc.Close()
		return fmt.Errorf("ensure state file dir: %w", err)
	}
	stateDB, err := bbolt.Open(cfg.StateFile, stateFileMode, &bbolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		_ = store.Close()
		_ = peersSvc.Close()
		return errors.Wrap(err, "create bolt storage")
	}

	updMgr := tgupdates.New(tgupdates.Config{
		Handler:      dispatcher,
		Storage:      boltstor.NewStateStorage(stateDB),
		AccessHasher: peersSvc.Mgr,
	})
	lazyHandler.set(contribstorage.UpdateHook(peersSvc.Mgr.UpdateHook(updMgr), peersSvc.Store()))

	closeAll := func() {
		_ = store.Close()
		_ = peersSvc.Close()
		_ = stateDB.Close()
	}

	var sender delivery.Sender
	switch cfg.Notifier {
	case config.NotifierClient:
		sender = telegramsender.New(client.API(), peersSvc, conn)
	case config.NotifierBot:
		bot, botErr := botapisender.New(cfg.BotToken, cfg.TestDC)
		if botErr != nil {
			closeAll()
			return fmt.Errorf("init bot sender: %w", botErr)
		}
		logger.Info("bot sender ready", zap.String("username", bot.Username()))
		sender = bot
	default:
		closeAll()
		return errors.New(`invalid NOTIFIER option (must be "client" or "bot")`)
	}

	queue := delivery.NewQueue(cfg.QueueSize)
	thr := throttle.New(cfg.ThrottleRPS,
		throttle.WithWaitExtractors(throttle.RetryDelayExtractor()),
		throttle.WithoutBackoff(),
	)
	worker, err := delivery.NewWorker(delivery.WorkerOptions{
		Queue:     queue,
		Store:     store,
		Sender:    sender,
		Throttler: thr,
	})
	if err != nil {
		closeAll()
		return err
	}

	router, err := ingest.New(ingest.Options{
		Routes:      cfg.Routes,
		Store:       store,
		Queue:       queue,
		Downloader:  source.NewDownloader(client.API(), mediaDir),
		MaxAge:      cfg.MaxMessageAge,
		AlbumWindow: cfg.AlbumWindow,
		Blacklist:   cfg.Blacklist,
	})
	if err != nil {
		closeAll()
		return err
	}

	poller := ingest.NewPoller(source.NewHistory(client.API(), peersSvc), router, router.Sources(), cfg.PollingInterval)
	dedup := concurrency.NewDeduplicator(time.Duration(cfg.DedupWindowSec) * time.Second)
	source.NewFeed(router, poller, dedup).Register(dispatcher)

	runner := NewRunner(a.mainCtx, a.mainCancel, cfg, client, Services{
		Ledger:   store,
		StateDB:  stateDB,
		Peers:    peersSvc,
		Conn:     conn,
		Dedup:    dedup,
		Throttle: thr,
		Worker:   worker,
		Queue:    queue,
		Router:   router,
		Poller:   poller,
	})
	return runner.Run(waiter, updMgr)
}
