// Package ledger — журнал доставок (идемпотентное хранилище) на GORM + SQLite.
// Каждая строка processed_messages фиксирует, что сообщение источника принято
// маршрутом, и (после успешной отправки) какой id получило сообщение у получателя.
// Уникальный индекс (route_name, source_chat_id, source_message_id) обеспечивает
// гарантию «не более одного раза»: повторная вставка возвращает relay.ErrDuplicate.
//
// Схема эволюционирует вперёд: AutoMigrate добавляет недостающие колонки
// (например, target_message_id в базе старой версии), ничего не удаляя.
package ledger

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"telegram-relay/internal/domain/relay"
	"telegram-relay/internal/infra/logger"
	"telegram-relay/internal/infra/storage"
)

const (
	busyTimeoutMS   = 5000
	maxOpenConns    = 4
	connMaxIdleTime = 5 * time.Minute
	connMaxLifetime = 30 * time.Minute
)

// ProcessedMessage — строка журнала доставок.
type ProcessedMessage struct {
	ID              uint      `gorm:"primaryKey"`
	RouteName       string    `gorm:"not null;uniqueIndex:idx_unique_message,priority:1"`
	SourceChatID    int64     `gorm:"not null;uniqueIndex:idx_unique_message,priority:2"`
	SourceMessageID int       `gorm:"not null;uniqueIndex:idx_unique_message,priority:3"`
	GroupedID       *int64    `gorm:"default:null"`
	TargetMessageID *int      `gorm:"default:null"`
	CreatedAt       time.Time `gorm:"autoCreateTime"`
}

// TableName фиксирует имя таблицы, совместимое с базами прежних версий.
func (ProcessedMessage) TableName() string { return "processed_messages" }

// Store — потокобезопасный доступ к журналу. Все мутации — одиночные
// INSERT/UPDATE, внешние блокировки не нужны.
type Store struct {
	db *gorm.DB
}

// Open открывает (или создаёт) базу по пути path и применяет миграции.
// Для DSN вида "file:...?mode=memory" каталог не создаётся.
func Open(path string) (*Store, error) {
	if !strings.HasPrefix(path, "file:") && path != ":memory:" {
		if err := storage.EnsureDir(path); err != nil {
			return nil, fmt.Errorf("ledger: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "ledger: open sqlite")
	}

	if pragmaErr := applyPragmas(db); pragmaErr != nil {
		logger.Warn("ledger: sqlite pragmas not applied", zap.Error(pragmaErr))
	}

	if sqlDB, dbErr := db.DB(); dbErr == nil {
		sqlDB.SetMaxOpenConns(maxOpenConns)
		sqlDB.SetMaxIdleConns(maxOpenConns)
		sqlDB.SetConnMaxIdleTime(connMaxIdleTime)
		sqlDB.SetConnMaxLifetime(connMaxLifetime)
	}

	return New(db)
}

// applyPragmas включает WAL и busy_timeout; возвращает все ошибки сразу.
func applyPragmas(db *gorm.DB) error {
	var errs []error
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		fmt.Sprintf("PRAGMA busy_timeout=%d;", busyTimeoutMS),
	} {
		if err := db.Exec(pragma).Error; err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", strings.TrimSuffix(pragma, ";"), err))
		}
	}
	return stderrors.Join(errs...)
}

// New оборачивает уже открытый *gorm.DB и выполняет AutoMigrate.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("ledger: db is nil")
	}
	if err := db.AutoMigrate(&ProcessedMessage{}); err != nil {
		return nil, errors.Wrap(err, "ledger: migrate")
	}
	return &Store{db: db}, nil
}

// Close закрывает пул соединений.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// IsProcessed сообщает, есть ли запись для (route.Name, route.SourceID, msgID).
func (s *Store) IsProcessed(ctx context.Context, route relay.Route, msgID int) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&ProcessedMessage{}).
		Where("route_name = ? AND source_chat_id = ? AND source_message_id = ?", route.Name, route.SourceID, msgID).
		Limit(1).
		Count(&count).Error
	if err != nil {
		return false, unavailable("is processed", err)
	}
	return count > 0, nil
}

// MarkProcessed вставляет новую запись. При нарушении уникальности возвращает
// relay.ErrDuplicate: вызывающий код трактует это как проигранную гонку.
func (s *Store) MarkProcessed(ctx context.Context, route relay.Route, msgID int, groupedID int64) error {
	rec := &ProcessedMessage{
		RouteName:       route.Name,
		SourceChatID:    route.SourceID,
		SourceMessageID: msgID,
	}
	if groupedID != 0 {
		gid := groupedID
		rec.GroupedID = &gid
	}

	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return relay.ErrDuplicate
		}
		return unavailable("mark processed", err)
	}
	return nil
}

// GetTargetID возвращает id сообщения у получателя; ok=false, если записи нет
// или отправка ещё не завершилась.
func (s *Store) GetTargetID(ctx context.Context, routeName string, chatID int64, msgID int) (int, bool, error) {
	var rec ProcessedMessage
	res := s.db.WithContext(ctx).
		Where("route_name = ? AND source_chat_id = ? AND source_message_id = ?", routeName, chatID, msgID).
		Limit(1).
		Find(&rec)
	if res.Error != nil {
		return 0, false, unavailable("get target id", res.Error)
	}
	if res.RowsAffected == 0 || rec.TargetMessageID == nil {
		return 0, false, nil
	}
	return *rec.TargetMessageID, true, nil
}

// SetTargetID записывает id сообщения у получателя. Отсутствие строки — не ошибка.
func (s *Store) SetTargetID(ctx context.Context, routeName string, chatID int64, msgID, targetID int) error {
	err := s.db.WithContext(ctx).
		Model(&ProcessedMessage{}).
		Where("route_name = ? AND source_chat_id = ? AND source_message_id = ?", routeName, chatID, msgID).
		Update("target_message_id", targetID).Error
	if err != nil {
		return unavailable("set target id", err)
	}
	return nil
}

// isUniqueViolation распознаёт нарушение уникального индекса. glebarez/sqlite
// нередко отдаёт его текстом, без gorm.ErrDuplicatedKey.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}

func unavailable(op string, err error) error {
	return fmt.Errorf("ledger: %s: %w: %w", op, relay.ErrStoreUnavailable, err)
}
