// Package normalize переводит сообщения MTProto (tg.Message) в платформенно-
// независимый relay.UnifiedMessage:
//   - текст берётся как есть, индексы сущностей остаются в UTF-16 кодовых единицах,
//     как их прислал сервер и как ожидает Bot API;
//   - сущности отображаются 1:1 на фиксированный набор типов, прочие отбрасываются;
//   - вид медиа определяется одной упорядоченной цепочкой предикатов;
//   - последним шагом добавляется подпись-упоминание канала.
//
// Пакет чистый: сетевых вызовов нет, загрузку медиа выполняет вызывающий код.
package normalize

import (
	"strconv"
	"time"
	"unicode/utf16"

	"github.com/gotd/td/tg"

	"telegram-relay/internal/domain/relay"
)

const (
	// FooterMention — подпись, которой помечается каждое пересланное сообщение.
	FooterMention = "@mirors_sliv"
	// FooterSeparator отделяет подпись от непустого текста.
	FooterSeparator = "\n\n"
	// footerOffsetShift — сдвиг смещения подписи относительно длины исходного текста.
	footerOffsetShift = 1
)

// MIME-типы документов, которые считаются стикерами даже без атрибута стикера.
var stickerMIMETypes = map[string]struct{}{
	"image/webp":              {},
	"application/x-tgsticker": {},
	"video/webm":              {},
}

// Message строит UnifiedMessage для сообщения m из чата chatID (маркированный id).
// Медиа не скачивается: MediaPath остаётся пустым.
func Message(chatID int64, m *tg.Message) relay.UnifiedMessage {
	if m == nil {
		return relay.UnifiedMessage{SourceChatID: chatID}
	}

	out := relay.UnifiedMessage{
		Text:            m.Message,
		Entities:        Entities(m.Entities),
		MediaType:       ClassifyMedia(m.Media),
		SourceChatID:    chatID,
		SourceTopicID:   TopicID(m),
		ReplyToMsgID:    ReplyToID(m),
		SourceMessageID: m.ID,
		Date:            time.Unix(int64(m.Date), 0).UTC(),
	}
	if m.GroupedID != 0 {
		out.GroupedID = m.GroupedID
	}

	AppendFooter(&out)
	return out
}

// Entities отображает сущности MTProto на сущности Bot API. Неизвестные и
// неподдерживаемые типы (hashtag, email, text_mention и т.п.) опускаются без ошибки.
func Entities(src []tg.MessageEntityClass) []relay.Entity {
	out := make([]relay.Entity, 0, len(src))
	for _, ent := range src {
		switch v := ent.(type) {
		case *tg.MessageEntityBold:
			out = append(out, relay.Entity{Type: relay.EntityBold, Offset: v.Offset, Length: v.Length})
		case *tg.MessageEntityItalic:
			out = append(out, relay.Entity{Type: relay.EntityItalic, Offset: v.Offset, Length: v.Length})
		case *tg.MessageEntityUnderline:
			out = append(out, relay.Entity{Type: relay.EntityUnderline, Offset: v.Offset, Length: v.Length})
		case *tg.MessageEntityStrike:
			out = append(out, relay.Entity{Type: relay.EntityStrikethrough, Offset: v.Offset, Length: v.Length})
		case *tg.MessageEntitySpoiler:
			out = append(out, relay.Entity{Type: relay.EntitySpoiler, Offset: v.Offset, Length: v.Length})
		case *tg.MessageEntityCode:
			out = append(out, relay.Entity{Type: relay.EntityCode, Offset: v.Offset, Length: v.Length})
		case *tg.MessageEntityPre:
			out = append(out, relay.Entity{
				Type: relay.EntityPre, Offset: v.Offset, Length: v.Length, Language: v.Language,
			})
		case *tg.MessageEntityURL:
			out = append(out, relay.Entity{Type: relay.EntityURL, Offset: v.Offset, Length: v.Length})
		case *tg.MessageEntityTextURL:
			out = append(out, relay.Entity{Type: relay.EntityTextLink, Offset: v.Offset, Length: v.Length, URL: v.URL})
		case *tg.MessageEntityMention:
			out = append(out, relay.Entity{Type: relay.EntityMention, Offset: v.Offset, Length: v.Length})
		case *tg.MessageEntityCustomEmoji:
			out = append(out, relay.Entity{
				Type: relay.EntityCustomEmoji, Offset: v.Offset, Length: v.Length,
				CustomEmojiID: strconv.FormatInt(v.DocumentID, 10),
			})
		default:
			// Остальные типы Bot API либо не поддерживает, либо распознаёт сам.
		}
	}
	return out
}

// ClassifyMedia определяет вид медиа. Порядок проверок фиксирован, первый
// совпавший предикат побеждает: sticker > stickerMIME > photo > animation >
// video > voice > audio > document > none.
func ClassifyMedia(media tg.MessageMediaClass) relay.MediaType {
	var (
		photo bool
		doc   *tg.Document
	)
	switch v := media.(type) {
	case *tg.MessageMediaPhoto:
		_, photo = v.Photo.(*tg.Photo)
	case *tg.MessageMediaDocument:
		doc, _ = v.Document.(*tg.Document)
	}

	attrs := documentAttrs(doc)
	switch {
	case attrs.sticker:
		return relay.MediaSticker
	case doc != nil && isStickerMIME(doc.MimeType):
		return relay.MediaSticker
	case photo:
		return relay.MediaPhoto
	case attrs.video && attrs.animated:
		return relay.MediaAnimation
	case attrs.video:
		return relay.MediaVideo
	case attrs.voice:
		return relay.MediaVoice
	case attrs.audio:
		return relay.MediaAudio
	case doc != nil:
		return relay.MediaDocument
	default:
		return relay.MediaNone
	}
}

// docAttrs — сводка атрибутов документа, нужная классификатору.
type docAttrs struct {
	sticker  bool
	animated bool
	video    bool
	voice    bool
	audio    bool
}

func documentAttrs(doc *tg.Document) docAttrs {
	var a docAttrs
	if doc == nil {
		return a
	}
	for _, attr := range doc.Attributes {
		switch v := attr.(type) {
		case *tg.DocumentAttributeSticker:
			a.sticker = true
		case *tg.DocumentAttributeAnimated:
			a.animated = true
		case *tg.DocumentAttributeVideo:
			// Кружки (round message) видеозаписью не считаются и уходят в document.
			a.video = !v.RoundMessage
		case *tg.DocumentAttributeAudio:
			if v.Voice {
				a.voice = true
			} else {
				a.audio = true
			}
		}
	}
	return a
}

func isStickerMIME(mime string) bool {
	_, ok := stickerMIMETypes[mime]
	return ok
}

// TopicID возвращает id темы форума: reply_to_top_id, иначе reply_to_msg_id
// для ответа с флагом forum_topic. 0 — темы нет.
func TopicID(m *tg.Message) int {
	hdr, ok := replyHeader(m)
	if !ok {
		return 0
	}
	if hdr.ReplyToTopID != 0 {
		return hdr.ReplyToTopID
	}
	if hdr.ForumTopic {
		return hdr.ReplyToMsgID
	}
	return 0
}

// ReplyToID возвращает id сообщения, на которое отвечает m. Ссылка на корень
// темы форума (forum_topic без reply_to_top_id) ответом не считается.
func ReplyToID(m *tg.Message) int {
	hdr, ok := replyHeader(m)
	if !ok {
		return 0
	}
	if hdr.ForumTopic && hdr.ReplyToTopID == 0 {
		return 0
	}
	return hdr.ReplyToMsgID
}

func replyHeader(m *tg.Message) (*tg.MessageReplyHeader, bool) {
	if m == nil {
		return nil, false
	}
	hdr, ok := m.ReplyTo.(*tg.MessageReplyHeader)
	return hdr, ok && hdr != nil
}

// AppendFooter дописывает подпись FooterMention и сущность-упоминание на неё.
// Должна вызываться последней: смещения остальных сущностей при дописывании
// в конец не меняются.
func AppendFooter(m *relay.UnifiedMessage) {
	n := UTF16Len(m.Text)
	offset := 0
	if n > 0 {
		m.Text += FooterSeparator + FooterMention
		offset = n + footerOffsetShift
	} else {
		m.Text = FooterMention
	}
	m.Entities = append(m.Entities, relay.Entity{
		Type:   relay.EntityMention,
		Offset: offset,
		Length: UTF16Len(FooterMention),
	})
}

// UTF16Len возвращает длину строки в UTF-16 кодовых единицах.
// Символы вне BMP занимают две единицы (суррогатная пара).
func UTF16Len(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}
