// Package relay содержит общие доменные типы зеркалирования сообщений:
// маршрут (Route), нормализованное сообщение (UnifiedMessage), сущности
// форматирования и результат маршрутизации (Outcome). Пакет не зависит от
// транспорта: и приёмник (MTProto), и отправитель (Bot API / MTProto) работают
// только с этими структурами.
package relay

import (
	"fmt"
	"time"
)

// Route — статическое правило «источник → получатель». Name служит ключом
// партиционирования в журнале доставок, поэтому обязан быть уникальным.
// Идентификаторы чатов хранятся в «маркированном» виде Bot API
// (-100<channel>, -<chat>, <user>).
type Route struct {
	Name          string
	SourceID      int64
	TargetID      int64
	SourceTopicID int // 0 — без ограничения по теме
	TargetTopicID int // 0 — основной поток чата-получателя
}

// HasTopic сообщает, ограничен ли маршрут одной темой форума.
func (r Route) HasTopic() bool { return r.SourceTopicID != 0 }

func (r Route) String() string {
	return fmt.Sprintf("%s(%d->%d)", r.Name, r.SourceID, r.TargetID)
}

// MediaType — закрытое перечисление видов медиа.
type MediaType string

const (
	MediaNone      MediaType = ""
	MediaPhoto     MediaType = "photo"
	MediaVideo     MediaType = "video"
	MediaAnimation MediaType = "animation"
	MediaDocument  MediaType = "document"
	MediaAudio     MediaType = "audio"
	MediaVoice     MediaType = "voice"
	MediaSticker   MediaType = "sticker"
)

// Типы сущностей форматирования в терминах Bot API.
const (
	EntityBold          = "bold"
	EntityItalic        = "italic"
	EntityUnderline     = "underline"
	EntityStrikethrough = "strikethrough"
	EntitySpoiler       = "spoiler"
	EntityCode          = "code"
	EntityPre           = "pre"
	EntityURL           = "url"
	EntityTextLink      = "text_link"
	EntityMention       = "mention"
	EntityCustomEmoji   = "custom_emoji"
)

// Entity — одна сущность форматирования. Offset/Length в UTF-16 code units.
// URL, Language и CustomEmojiID заполняются только для text_link, pre и custom_emoji.
type Entity struct {
	Type          string `json:"type"`
	Offset        int    `json:"offset"`
	Length        int    `json:"length"`
	URL           string `json:"url,omitempty"`
	Language      string `json:"language,omitempty"`
	CustomEmojiID string `json:"custom_emoji_id,omitempty"`
}

// UnifiedMessage — нормализованное, не зависящее от платформы сообщение.
// MediaPath указывает на временный файл и заполняется только после загрузки медиа.
type UnifiedMessage struct {
	Text            string
	Entities        []Entity
	MediaType       MediaType
	MediaPath       string
	GroupedID       int64 // 0 — не часть альбома
	ReplyToMsgID    int   // 0 — не ответ
	SourceChatID    int64
	SourceTopicID   int // 0 — без темы
	SourceMessageID int
	Date            time.Time
}

// HasMedia сообщает, несёт ли сообщение медиа.
func (m UnifiedMessage) HasMedia() bool { return m.MediaType != MediaNone }

// Clone возвращает глубокую копию (срез сущностей не разделяется).
func (m UnifiedMessage) Clone() UnifiedMessage {
	out := m
	if m.Entities != nil {
		out.Entities = make([]Entity, len(m.Entities))
		copy(out.Entities, m.Entities)
	}
	return out
}

// Outbound — элемент исходящей очереди: одно сообщение или упорядоченный
// по возрастанию id источника альбом, адресованный маршруту Route.
type Outbound struct {
	Route    Route
	Messages []UnifiedMessage
	Album    bool
}

// MediaPaths возвращает пути временных файлов всех сообщений элемента.
func (o Outbound) MediaPaths() []string {
	var out []string
	for _, m := range o.Messages {
		if m.MediaPath != "" {
			out = append(out, m.MediaPath)
		}
	}
	return out
}
