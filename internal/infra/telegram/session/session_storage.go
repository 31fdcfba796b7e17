// Package session — файловое хранилище MTProto-сессии для gotd.
// Запись атомарна: файл либо старый, либо полностью новый. Успешное
// сохранение сессии означает живое соединение, поэтому FileStorage умеет
// сообщать об этом через OnStore (трекер соединения снимает офлайн).
package session

import (
	"context"
	"os"
	"sync"

	"github.com/go-faster/errors"
	tdsession "github.com/gotd/td/session"

	"telegram-relay/internal/infra/storage"
)

// FileStorage реализует tdsession.Storage поверх файла Path.
type FileStorage struct {
	Path    string
	OnStore func()

	mux sync.Mutex
}

var _ tdsession.Storage = (*FileStorage)(nil)

// LoadSession читает файл сессии; отсутствие файла — tdsession.ErrNotFound.
func (f *FileStorage) LoadSession(_ context.Context) ([]byte, error) {
	if f == nil {
		return nil, errors.New("nil session storage is invalid")
	}
	f.mux.Lock()
	defer f.mux.Unlock()

	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return nil, tdsession.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "read session")
	}
	return data, nil
}

// StoreSession атомарно сохраняет данные сессии.
func (f *FileStorage) StoreSession(_ context.Context, data []byte) error {
	if f == nil {
		return errors.New("nil session storage is invalid")
	}
	f.mux.Lock()
	err := storage.AtomicWriteFile(f.Path, data)
	f.mux.Unlock()
	if err != nil {
		return errors.Wrap(err, "atomic write session")
	}

	if f.OnStore != nil {
		f.OnStore()
	}
	return nil
}
