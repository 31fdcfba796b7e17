package source

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/bin"
	"github.com/gotd/td/tg"
	"github.com/stretchr/testify/require"

	"telegram-relay/internal/domain/ingest"
	"telegram-relay/internal/infra/concurrency"
)

type recordingRouter struct {
	mu     sync.Mutex
	events []ingest.Event
	err    error
}

func (r *recordingRouter) Submit(_ context.Context, ev ingest.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

type observed struct {
	chatID int64
	msgID  int
}

type recordingObserver struct {
	seen []observed
}

func (o *recordingObserver) Observe(chatID int64, msgID int) {
	o.seen = append(o.seen, observed{chatID, msgID})
}

func TestFeedHandle(t *testing.T) {
	router := &recordingRouter{}
	obs := &recordingObserver{}
	feed := NewFeed(router, obs, concurrency.NewDeduplicator(time.Minute))
	ctx := context.Background()

	channelMsg := &tg.Message{ID: 10, PeerID: &tg.PeerChannel{ChannelID: 123}}
	feed.Handle(ctx, channelMsg)
	feed.Handle(ctx, channelMsg) // повтор гасится
	feed.Handle(ctx, &tg.MessageService{ID: 11, PeerID: &tg.PeerChannel{ChannelID: 123}})
	feed.Handle(ctx, &tg.MessageEmpty{ID: 12})
	feed.Handle(ctx, &tg.Message{ID: 5, PeerID: &tg.PeerChat{ChatID: 77}})

	require.Len(t, router.events, 2)
	require.Equal(t, int64(-1000000000123), router.events[0].ChatID)
	require.Same(t, channelMsg, router.events[0].Message)
	require.False(t, router.events[0].AllowOld)
	require.Equal(t, int64(-77), router.events[1].ChatID)
	require.Equal(t, []observed{{-1000000000123, 10}, {-77, 5}}, obs.seen)
}

func TestFeedSurvivesRouterErrors(t *testing.T) {
	router := &recordingRouter{err: errors.New("boom")}
	feed := NewFeed(router, nil, nil)

	feed.Handle(context.Background(), &tg.Message{ID: 1, PeerID: &tg.PeerUser{UserID: 9}})
	feed.Handle(context.Background(), &tg.Message{ID: 1, PeerID: &tg.PeerUser{UserID: 9}})

	// Без дедупликатора оба апдейта доходят до маршрутизатора.
	require.Len(t, router.events, 2)
}

func TestFeedRegister(t *testing.T) {
	router := &recordingRouter{}
	feed := NewFeed(router, nil, nil)
	d := tg.NewUpdateDispatcher()
	feed.Register(d)

	err := d.Handle(context.Background(), &tg.Updates{Updates: []tg.UpdateClass{
		&tg.UpdateNewChannelMessage{Message: &tg.Message{ID: 3, PeerID: &tg.PeerChannel{ChannelID: 1}}},
		&tg.UpdateNewMessage{Message: &tg.Message{ID: 4, PeerID: &tg.PeerUser{UserID: 2}}},
	}})
	require.NoError(t, err)
	require.Len(t, router.events, 2)
}

// historyInvoker отдаёт историю чата как сервер: без add_offset страница
// идёт вниз от offset_id, с отрицательным add_offset окно начинается с
// offset_id включительно и идёт вверх. Внутри страницы id убывают.
type historyInvoker struct {
	ids      []int // по убыванию
	requests []*tg.MessagesGetHistoryRequest
}

func (h *historyInvoker) Invoke(_ context.Context, input bin.Encoder, output bin.Decoder) error {
	req, ok := input.(*tg.MessagesGetHistoryRequest)
	if !ok {
		return errors.Errorf("unexpected %T", input)
	}
	h.requests = append(h.requests, req)

	var window []int
	if req.AddOffset < 0 {
		for i := len(h.ids) - 1; i >= 0 && len(window) < req.Limit; i-- {
			if h.ids[i] >= req.OffsetID {
				window = append(window, h.ids[i])
			}
		}
		slices.Reverse(window)
	} else {
		for _, id := range h.ids {
			if req.OffsetID != 0 && id >= req.OffsetID {
				continue
			}
			if len(window) == req.Limit {
				break
			}
			window = append(window, id)
		}
	}

	msgs := make([]tg.MessageClass, 0, len(window))
	for _, id := range window {
		if id%7 == 0 {
			msgs = append(msgs, &tg.MessageService{ID: id, PeerID: &tg.PeerChannel{ChannelID: 1}, Action: &tg.MessageActionPinMessage{}})
			continue
		}
		msgs = append(msgs, &tg.Message{ID: id, PeerID: &tg.PeerChannel{ChannelID: 1}})
	}

	var buf bin.Buffer
	if err := (&tg.MessagesChannelMessages{Messages: msgs}).Encode(&buf); err != nil {
		return err
	}
	return output.Decode(&buf)
}

func descendingIDs(from, to int) []int {
	var ids []int
	for id := to; id >= from; id-- {
		ids = append(ids, id)
	}
	return ids
}

func messageIDs(msgs []*tg.Message) []int {
	var got []int
	for _, m := range msgs {
		got = append(got, m.ID)
	}
	return got
}

type staticPeers struct{}

func (staticPeers) InputPeer(context.Context, int64) (tg.InputPeerClass, error) {
	return &tg.InputPeerChannel{ChannelID: 1, AccessHash: 1}, nil
}

func newHistory(inv *historyInvoker, pageSize int) *History {
	h := NewHistory(tg.NewClient(inv), staticPeers{})
	h.pageSize = pageSize
	return h
}

func TestHistoryLatest(t *testing.T) {
	inv := &historyInvoker{ids: []int{42, 41, 40}}
	latest, err := newHistory(inv, 100).Latest(context.Background(), -1000000000001)
	require.NoError(t, err)
	require.Equal(t, 42, latest)
	require.Equal(t, 1, inv.requests[0].Limit)
}

func TestHistoryLatestEmptyChat(t *testing.T) {
	latest, err := newHistory(&historyInvoker{}, 100).Latest(context.Background(), -1000000000001)
	require.NoError(t, err)
	require.Zero(t, latest)
}

func TestHistorySincePagesOldestFirst(t *testing.T) {
	inv := &historyInvoker{ids: descendingIDs(1, 30)}

	msgs, err := newHistory(inv, 4).Since(context.Background(), -1000000000001, 18)
	require.NoError(t, err)

	// 21 и 28 — служебные.
	require.Equal(t, []int{19, 20, 22, 23, 24, 25, 26, 27, 29, 30}, messageIDs(msgs))
	require.Equal(t, 18, inv.requests[0].OffsetID)
	for _, r := range inv.requests {
		require.Equal(t, -4, r.AddOffset)
	}
	require.Greater(t, len(inv.requests), 1)
}

func TestHistorySinceCappedReturnsOldestContiguous(t *testing.T) {
	inv := &historyInvoker{ids: descendingIDs(1, 60)}
	h := newHistory(inv, 4)
	h.maxPages = 2
	ctx := context.Background()

	msgs, err := h.Since(ctx, -1000000000001, 10)
	require.NoError(t, err)
	require.Equal(t, []int{11, 12, 13, 15, 16}, messageIDs(msgs))

	// Следующий тик продолжает без разрыва.
	msgs, err = h.Since(ctx, -1000000000001, 16)
	require.NoError(t, err)
	require.Equal(t, []int{17, 18, 19, 20, 22}, messageIDs(msgs))
}

func TestFileLocation(t *testing.T) {
	photo := &tg.MessageMediaPhoto{Photo: &tg.Photo{
		ID: 1, AccessHash: 2, FileReference: []byte{3},
		Sizes: []tg.PhotoSizeClass{
			&tg.PhotoStrippedSize{Type: "i"},
			&tg.PhotoSize{Type: "m", W: 320, H: 240},
			&tg.PhotoSizeProgressive{Type: "y", W: 1280, H: 960},
			&tg.PhotoSize{Type: "x", W: 800, H: 600},
		},
	}}
	loc, ext, err := fileLocation(photo)
	require.NoError(t, err)
	require.Equal(t, ".jpg", ext)
	require.Equal(t, "y", loc.(*tg.InputPhotoFileLocation).ThumbSize)

	doc := &tg.MessageMediaDocument{Document: &tg.Document{
		ID: 5, AccessHash: 6, MimeType: "application/pdf",
		Attributes: []tg.DocumentAttributeClass{&tg.DocumentAttributeFilename{FileName: "report.pdf"}},
	}}
	loc, ext, err = fileLocation(doc)
	require.NoError(t, err)
	require.Equal(t, ".pdf", ext)
	require.Equal(t, int64(5), loc.(*tg.InputDocumentFileLocation).ID)

	_, _, err = fileLocation(&tg.MessageMediaGeo{})
	require.ErrorIs(t, err, ErrUnsupportedMedia)
	_, _, err = fileLocation(&tg.MessageMediaPhoto{Photo: &tg.PhotoEmpty{ID: 1}})
	require.ErrorIs(t, err, ErrUnsupportedMedia)
}

func TestDocumentExtFromMIME(t *testing.T) {
	ext := documentExt(&tg.Document{MimeType: "application/pdf"})
	require.Equal(t, ".pdf", ext)
	require.Empty(t, documentExt(&tg.Document{MimeType: "application/x-unknown-relay"}))
}
