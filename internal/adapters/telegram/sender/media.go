package telegramsender

import (
	"mime"
	"path/filepath"
	"strconv"

	"github.com/gotd/td/tg"

	"telegram-relay/internal/domain/relay"
)

const defaultMIME = "application/octet-stream"

// inputMedia строит загруженное медиа нужного вида поверх файла file.
// Фото уходит как photo, остальное — документом с атрибутами вида.
func inputMedia(kind relay.MediaType, file tg.InputFileClass, path string) tg.InputMediaClass {
	if kind == relay.MediaPhoto {
		return &tg.InputMediaUploadedPhoto{File: file}
	}

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = defaultMIME
	}
	attrs := []tg.DocumentAttributeClass{
		&tg.DocumentAttributeFilename{FileName: filepath.Base(path)},
	}
	doc := &tg.InputMediaUploadedDocument{File: file, MimeType: mimeType}

	switch kind {
	case relay.MediaVideo:
		attrs = append(attrs, &tg.DocumentAttributeVideo{SupportsStreaming: true})
	case relay.MediaAnimation:
		attrs = append(attrs, &tg.DocumentAttributeAnimated{}, &tg.DocumentAttributeVideo{})
	case relay.MediaAudio:
		attrs = append(attrs, &tg.DocumentAttributeAudio{})
	case relay.MediaVoice:
		attrs = append(attrs, &tg.DocumentAttributeAudio{Voice: true})
	case relay.MediaSticker:
		attrs = append(attrs, &tg.DocumentAttributeSticker{Stickerset: &tg.InputStickerSetEmpty{}})
	default:
		doc.ForceFile = true
	}
	doc.Attributes = attrs
	return doc
}

// uploadedToInput превращает результат messages.uploadMedia в ссылку для альбома.
func uploadedToInput(media tg.MessageMediaClass) (tg.InputMediaClass, bool) {
	switch v := media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := v.Photo.AsNotEmpty()
		if !ok {
			return nil, false
		}
		return &tg.InputMediaPhoto{ID: photo.AsInput()}, true
	case *tg.MessageMediaDocument:
		doc, ok := v.Document.AsNotEmpty()
		if !ok {
			return nil, false
		}
		return &tg.InputMediaDocument{ID: doc.AsInput()}, true
	default:
		return nil, false
	}
}

// entities переводит сущности в MTProto. Неизвестные типы отбрасываются.
func entities(src []relay.Entity) []tg.MessageEntityClass {
	if len(src) == 0 {
		return nil
	}
	out := make([]tg.MessageEntityClass, 0, len(src))
	for _, e := range src {
		switch e.Type {
		case relay.EntityBold:
			out = append(out, &tg.MessageEntityBold{Offset: e.Offset, Length: e.Length})
		case relay.EntityItalic:
			out = append(out, &tg.MessageEntityItalic{Offset: e.Offset, Length: e.Length})
		case relay.EntityUnderline:
			out = append(out, &tg.MessageEntityUnderline{Offset: e.Offset, Length: e.Length})
		case relay.EntityStrikethrough:
			out = append(out, &tg.MessageEntityStrike{Offset: e.Offset, Length: e.Length})
		case relay.EntitySpoiler:
			out = append(out, &tg.MessageEntitySpoiler{Offset: e.Offset, Length: e.Length})
		case relay.EntityCode:
			out = append(out, &tg.MessageEntityCode{Offset: e.Offset, Length: e.Length})
		case relay.EntityPre:
			out = append(out, &tg.MessageEntityPre{Offset: e.Offset, Length: e.Length, Language: e.Language})
		case relay.EntityURL:
			out = append(out, &tg.MessageEntityURL{Offset: e.Offset, Length: e.Length})
		case relay.EntityTextLink:
			out = append(out, &tg.MessageEntityTextURL{Offset: e.Offset, Length: e.Length, URL: e.URL})
		case relay.EntityMention:
			out = append(out, &tg.MessageEntityMention{Offset: e.Offset, Length: e.Length})
		case relay.EntityCustomEmoji:
			id, err := strconv.ParseInt(e.CustomEmojiID, 10, 64)
			if err != nil {
				continue
			}
			out = append(out, &tg.MessageEntityCustomEmoji{Offset: e.Offset, Length: e.Length, DocumentID: id})
		}
	}
	return out
}

// replyTo собирает ReplyTo: ответ внутри темы или просто публикация в тему.
func replyTo(topicID, replyToID int) tg.InputReplyToClass {
	switch {
	case replyToID != 0:
		r := &tg.InputReplyToMessage{ReplyToMsgID: replyToID}
		if topicID != 0 {
			r.SetTopMsgID(topicID)
		}
		return r
	case topicID != 0:
		return &tg.InputReplyToMessage{ReplyToMsgID: topicID}
	default:
		return nil
	}
}
