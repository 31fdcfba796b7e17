// Package storage — утилиты работы с локальным диском:
//   - EnsureDir — гарантирует наличие каталога для целевого пути;
//   - AtomicWriteFile — атомарная запись файла (сессия MTProto);
//   - MediaDir — каталог временных файлов медиа, скачанных из источников.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"telegram-relay/internal/infra/logger"
)

// defaultFilePerm — права итогового файла при атомарной записи.
const defaultFilePerm = 0o600

// EnsureDir гарантирует наличие каталога для указанного файла.
// Если путь не содержит директорию ("." или пустая строка), ничего не делает.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	return nil
}

// AtomicWriteFile атомарно записывает байты в файл path.
//
// temp в той же директории → write → fsync → chmod → close → rename → fsync(dir).
// Либо старый файл остаётся цел, либо новый записан полностью. rename атомарен
// только в пределах одного тома, поэтому temp создаётся рядом с целевым файлом.
func AtomicWriteFile(path string, data []byte) error {
	clean := filepath.Clean(path)
	if err := EnsureDir(clean); err != nil {
		return err
	}
	dir := filepath.Dir(clean)

	tmp, err := os.CreateTemp(dir, "atomic-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Chmod(defaultFilePerm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, clean); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	if dirFile, err := os.Open(dir); err == nil {
		if errSync := dirFile.Sync(); errSync != nil {
			logger.Warn("AtomicWriteFile: dir sync error", zap.Error(errSync)) // best-effort
		}
		_ = dirFile.Close()
	}
	return nil
}

// MediaDir — каталог для временных файлов медиа. Файлы живут от скачивания
// до завершения доставки (успешной или нет) и затем удаляются.
type MediaDir struct {
	root string
}

// NewMediaDir создаёт каталог root (если его нет) и возвращает обёртку над ним.
func NewMediaDir(root string) (*MediaDir, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("media dir: empty path")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create media dir %s: %w", root, err)
	}
	return &MediaDir{root: root}, nil
}

// Root возвращает путь каталога.
func (d *MediaDir) Root() string { return d.root }

// Create создаёт новый файл для медиа сообщения msgID из чата chatID.
// Имя уникально: одно сообщение, разосланное по нескольким маршрутам,
// получает по отдельному файлу на маршрут, и удаление одного не задевает другие.
func (d *MediaDir) Create(chatID int64, msgID int, ext string) (*os.File, error) {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	f, err := os.CreateTemp(d.root, fmt.Sprintf("%d_%d_*%s", chatID, msgID, ext))
	if err != nil {
		return nil, fmt.Errorf("create media file: %w", err)
	}
	return f, nil
}

// Remove удаляет переданные файлы. Пустые пути и уже отсутствующие файлы
// пропускаются, прочие ошибки логируются и не прерывают обход.
func Remove(paths ...string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			logger.Warn("remove temp media failed", zap.String("path", p), zap.Error(err))
		}
	}
}

// Sweep очищает каталог от файлов, оставшихся после аварийного завершения.
// Возвращает число удалённых файлов.
func (d *MediaDir) Sweep() (int, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return 0, fmt.Errorf("read media dir %s: %w", d.root, err)
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(d.root, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}
