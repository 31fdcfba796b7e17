package source

import (
	"context"
	"slices"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"

	"telegram-relay/internal/domain/ingest"
)

const (
	defaultPageSize = 100
	// defaultMaxPages ограничивает догрузку за один тик; следующий тик
	// продолжит с последнего отданного id.
	defaultMaxPages = 10
)

// PeerResolver разрешает маркированный id чата в InputPeer.
type PeerResolver interface {
	InputPeer(ctx context.Context, markedID int64) (tg.InputPeerClass, error)
}

// History читает историю чатов через messages.getHistory.
type History struct {
	api      *tg.Client
	peers    PeerResolver
	pageSize int
	maxPages int
}

var _ ingest.HistorySource = (*History)(nil)

// NewHistory создаёт источник истории.
func NewHistory(api *tg.Client, peers PeerResolver) *History {
	return &History{api: api, peers: peers, pageSize: defaultPageSize, maxPages: defaultMaxPages}
}

// Latest возвращает id последнего сообщения чата, 0 для пустого чата.
func (h *History) Latest(ctx context.Context, chatID int64) (int, error) {
	peer, err := h.peers.InputPeer(ctx, chatID)
	if err != nil {
		return 0, errors.Wrap(err, "resolve peer")
	}
	msgs, err := h.page(ctx, &tg.MessagesGetHistoryRequest{Peer: peer, Limit: 1})
	if err != nil {
		return 0, err
	}
	latest := 0
	for _, m := range msgs {
		latest = max(latest, m.GetID())
	}
	return latest, nil
}

// Since возвращает обычные сообщения с id > minID от старых к новым.
// Страницы идут вверх от minID (add_offset = -limit), поэтому при упоре в
// maxPages возвращается самый старый непрерывный отрезок и watermark не
// перескакивает через недочитанное.
func (h *History) Since(ctx context.Context, chatID int64, minID int) ([]*tg.Message, error) {
	peer, err := h.peers.InputPeer(ctx, chatID)
	if err != nil {
		return nil, errors.Wrap(err, "resolve peer")
	}

	var out []*tg.Message
	// Сервер может включить сообщение offset_id в окно; лишнее отсекается по minID.
	offsetID := minID
	for range h.maxPages {
		raw, err := h.page(ctx, &tg.MessagesGetHistoryRequest{
			Peer:      peer,
			OffsetID:  offsetID,
			AddOffset: -h.pageSize,
			Limit:     h.pageSize,
		})
		if err != nil {
			return nil, err
		}
		top := offsetID
		for _, m := range raw {
			top = max(top, m.GetID())
			if msg, ok := m.(*tg.Message); ok && msg.ID > minID {
				out = append(out, msg)
			}
		}
		if len(raw) < h.pageSize || top <= offsetID {
			break
		}
		offsetID = top
	}

	slices.SortFunc(out, func(a, b *tg.Message) int { return a.ID - b.ID })
	return slices.CompactFunc(out, func(a, b *tg.Message) bool { return a.ID == b.ID }), nil
}

func (h *History) page(ctx context.Context, req *tg.MessagesGetHistoryRequest) ([]tg.MessageClass, error) {
	res, err := h.api.MessagesGetHistory(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "get history")
	}
	switch v := res.(type) {
	case *tg.MessagesMessages:
		return v.Messages, nil
	case *tg.MessagesMessagesSlice:
		return v.Messages, nil
	case *tg.MessagesChannelMessages:
		return v.Messages, nil
	default:
		return nil, nil
	}
}
