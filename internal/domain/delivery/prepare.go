package delivery

import "telegram-relay/internal/domain/relay"

// maxAlbumSize — предел числа элементов в одной медиагруппе Telegram.
const maxAlbumSize = 10

// albumMedia — виды медиа, допустимые внутри медиагруппы.
var albumMedia = map[relay.MediaType]bool{
	relay.MediaPhoto:    true,
	relay.MediaVideo:    true,
	relay.MediaDocument: true,
	relay.MediaAudio:    true,
}

// batch — одна отправка: одиночное сообщение (len == 1) или медиагруппа.
// Messages совпадают по порядку с id, которые вернёт отправитель.
type batch struct {
	Messages []relay.UnifiedMessage
	Album    bool
}

// plan разбивает элемент очереди на отправки.
//   - Одиночное сообщение без медиа и без текста пропускается.
//   - Медиа без файла отправляется как текст.
//   - В альбом попадают только части с файлом и допустимым видом медиа;
//     альбом режется по maxAlbumSize, остаток из одной части уходит одиночным.
func plan(item relay.Outbound) []batch {
	if !item.Album {
		m := sendable(item.Messages[0])
		if !m.HasMedia() && m.Text == "" {
			return nil
		}
		return []batch{{Messages: []relay.UnifiedMessage{m}}}
	}

	parts := make([]relay.UnifiedMessage, 0, len(item.Messages))
	for _, m := range item.Messages {
		if m.MediaPath == "" || !albumMedia[m.MediaType] {
			continue
		}
		parts = append(parts, m)
	}

	var out []batch
	for len(parts) > 0 {
		n := min(len(parts), maxAlbumSize)
		chunk := parts[:n]
		parts = parts[n:]
		out = append(out, batch{Messages: chunk, Album: len(chunk) > 1})
	}
	return out
}

// sendable сбрасывает вид медиа, если файла нет.
func sendable(m relay.UnifiedMessage) relay.UnifiedMessage {
	if m.HasMedia() && m.MediaPath == "" {
		m.MediaType = relay.MediaNone
	}
	return m
}
