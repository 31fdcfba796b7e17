package telegramsender

import (
	"encoding/binary"
	"hash/fnv"
)

// randomIDMask ограничивает значение до int63: random_id ∈ [1, 2^63-1].
const randomIDMask = (1 << 63) - 1

// randomID детерминированно выводит random_id из маршрута, адресата и
// исходного сообщения. Telegram дедуплицирует отправки по random_id в пределах
// peer, поэтому повтор после обрыва связи не создаёт дубль, а два маршрута с
// общим адресатом не гасят друг друга.
func randomID(route string, targetChatID, sourceChatID int64, sourceMsgID, position int) int64 {
	return randomIDFromParts(
		routeKey(route),
		uint64(targetChatID), // #nosec G115
		uint64(sourceChatID), // #nosec G115
		uint64(sourceMsgID),  // #nosec G115
		uint64(position),     // #nosec G115
	)
}

// routeKey сворачивает имя маршрута в 64 бита.
func routeKey(route string) uint64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(route))
	return hasher.Sum64()
}

// randomIDFromParts хэширует части FNV-1a (64 бита) и проецирует результат в [1, 2^63-1].
func randomIDFromParts(parts ...uint64) int64 {
	hasher := fnv.New64a()
	var buf [8]byte
	for _, part := range parts {
		binary.LittleEndian.PutUint64(buf[:], part)
		_, _ = hasher.Write(buf[:])
	}
	value := hasher.Sum64() & randomIDMask
	if value == 0 {
		value = 1
	}
	return int64(value) // #nosec G115
}
