// Package tgutil переводит идентификаторы MTProto в маркированные id в стиле
// Bot API и обратно: пользователь > 0, обычная группа -id, канал или
// супергруппа -100<id>. Маршруты и журнал доставок хранят только такие id.
package tgutil

import "github.com/gotd/td/tg"

// channelPrefix — смещение маркированных id каналов: -1000000000000 - id.
const channelPrefix int64 = -1000000000000

// PeerKind — тип сущности за маркированным id.
type PeerKind int

const (
	KindUnknown PeerKind = iota
	KindUser
	KindChat
	KindChannel
)

func (k PeerKind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindChat:
		return "chat"
	case KindChannel:
		return "channel"
	default:
		return "unknown"
	}
}

// GetPeerID возвращает «голый» идентификатор peer (user/chat/channel).
// Для неизвестного типа возвращает 0.
func GetPeerID(peer tg.PeerClass) int64 {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return p.UserID
	case *tg.PeerChat:
		return p.ChatID
	case *tg.PeerChannel:
		return p.ChannelID
	default:
		return 0
	}
}

// MarkedPeerID возвращает маркированный id peer. Для неизвестного типа — 0.
func MarkedPeerID(peer tg.PeerClass) int64 {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return p.UserID
	case *tg.PeerChat:
		return -p.ChatID
	case *tg.PeerChannel:
		return channelPrefix - p.ChannelID
	default:
		return 0
	}
}

// Unmark разбирает маркированный id на тип и «голый» идентификатор.
func Unmark(id int64) (PeerKind, int64) {
	switch {
	case id > 0:
		return KindUser, id
	case id < channelPrefix:
		return KindChannel, channelPrefix - id
	case id < 0:
		return KindChat, -id
	default:
		return KindUnknown, 0
	}
}

// Mark — обратная к Unmark операция.
func Mark(kind PeerKind, id int64) int64 {
	switch kind {
	case KindUser:
		return id
	case KindChat:
		return -id
	case KindChannel:
		return channelPrefix - id
	default:
		return 0
	}
}
