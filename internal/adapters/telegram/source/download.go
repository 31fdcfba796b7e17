package source

import (
	"context"
	"mime"
	"path/filepath"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"telegram-relay/internal/domain/ingest"
	"telegram-relay/internal/infra/logger"
	"telegram-relay/internal/infra/storage"
)

// ErrUnsupportedMedia — у сообщения нет скачиваемого фото или документа.
var ErrUnsupportedMedia = errors.New("unsupported media")

// Downloader сохраняет медиа сообщений во временный каталог.
type Downloader struct {
	api *tg.Client
	dl  *downloader.Downloader
	dir *storage.MediaDir
}

var _ ingest.Downloader = (*Downloader)(nil)

// NewDownloader создаёт загрузчик поверх каталога dir.
func NewDownloader(api *tg.Client, dir *storage.MediaDir) *Downloader {
	return &Downloader{api: api, dl: downloader.NewDownloader(), dir: dir}
}

// Download скачивает медиа msg и возвращает путь к файлу. Недокачанный
// файл удаляется.
func (d *Downloader) Download(ctx context.Context, chatID int64, msg *tg.Message) (string, error) {
	loc, ext, err := fileLocation(msg.Media)
	if err != nil {
		return "", err
	}
	f, err := d.dir.Create(chatID, msg.ID, ext)
	if err != nil {
		return "", err
	}
	path := f.Name()

	_, err = d.dl.Download(d.api, loc).Stream(ctx, f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		storage.Remove(path)
		return "", errors.Wrap(err, "download")
	}
	logger.Debug("media downloaded", zap.Int64("chat_id", chatID), zap.Int("msg_id", msg.ID), zap.String("path", path))
	return path, nil
}

// fileLocation находит файл медиа и расширение для временного файла.
func fileLocation(media tg.MessageMediaClass) (tg.InputFileLocationClass, string, error) {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := m.Photo.AsNotEmpty()
		if !ok {
			return nil, "", ErrUnsupportedMedia
		}
		return &tg.InputPhotoFileLocation{
			ID:            photo.ID,
			AccessHash:    photo.AccessHash,
			FileReference: photo.FileReference,
			ThumbSize:     largestSize(photo.Sizes),
		}, ".jpg", nil
	case *tg.MessageMediaDocument:
		doc, ok := m.Document.AsNotEmpty()
		if !ok {
			return nil, "", ErrUnsupportedMedia
		}
		return &tg.InputDocumentFileLocation{
			ID:            doc.ID,
			AccessHash:    doc.AccessHash,
			FileReference: doc.FileReference,
		}, documentExt(doc), nil
	default:
		return nil, "", ErrUnsupportedMedia
	}
}

// largestSize выбирает тип самого большого размера фото.
func largestSize(sizes []tg.PhotoSizeClass) string {
	best, bestArea := "", -1
	for _, s := range sizes {
		var typ string
		var area int
		switch v := s.(type) {
		case *tg.PhotoSize:
			typ, area = v.Type, v.W*v.H
		case *tg.PhotoSizeProgressive:
			typ, area = v.Type, v.W*v.H
		default:
			continue
		}
		if area > bestArea {
			best, bestArea = typ, area
		}
	}
	if best == "" {
		return "y"
	}
	return best
}

// documentExt берёт расширение из имени файла, иначе выводит из MIME.
func documentExt(doc *tg.Document) string {
	for _, attr := range doc.Attributes {
		if fn, ok := attr.(*tg.DocumentAttributeFilename); ok {
			if ext := filepath.Ext(fn.FileName); ext != "" {
				return ext
			}
		}
	}
	exts, err := mime.ExtensionsByType(doc.MimeType)
	if err != nil || len(exts) == 0 {
		return ""
	}
	return exts[0]
}
