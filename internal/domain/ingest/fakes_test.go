package ingest_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"

	"telegram-relay/internal/domain/ingest"
	"telegram-relay/internal/domain/relay"
)

type key struct {
	route string
	msgID int
}

// memStore — журнал доставок в памяти.
type memStore struct {
	mu      sync.Mutex
	marked  map[key]int64
	failAll error
}

func newMemStore() *memStore { return &memStore{marked: make(map[key]int64)} }

func (s *memStore) IsProcessed(_ context.Context, route relay.Route, msgID int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll != nil {
		return false, s.failAll
	}
	_, ok := s.marked[key{route.Name, msgID}]
	return ok, nil
}

func (s *memStore) MarkProcessed(_ context.Context, route relay.Route, msgID int, groupedID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll != nil {
		return s.failAll
	}
	k := key{route.Name, msgID}
	if _, ok := s.marked[k]; ok {
		return relay.ErrDuplicate
	}
	s.marked[k] = groupedID
	return nil
}

func (s *memStore) isMarked(route string, msgID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.marked[key{route, msgID}]
	return ok
}

// chanQueue — исходящая очередь на канале.
type chanQueue struct {
	items chan relay.Outbound
}

func newChanQueue() *chanQueue { return &chanQueue{items: make(chan relay.Outbound, 32)} }

func (q *chanQueue) Enqueue(ctx context.Context, item relay.Outbound) error {
	select {
	case q.items <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *chanQueue) next(t *testing.T) relay.Outbound {
	t.Helper()
	select {
	case it := <-q.items:
		return it
	case <-time.After(3 * time.Second):
		t.Fatalf("no item enqueued")
		return relay.Outbound{}
	}
}

func (q *chanQueue) empty(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case it := <-q.items:
		t.Fatalf("unexpected item enqueued: %#v", it)
	case <-time.After(wait):
	}
}

// fakeDownloader выдаёт фиктивные пути; для id из fail возвращает ошибку.
type fakeDownloader struct {
	mu    sync.Mutex
	fail  map[int]bool
	calls int
}

func (d *fakeDownloader) Download(_ context.Context, chatID int64, msg *tg.Message) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.fail[msg.ID] {
		return "", errors.New("file reference expired")
	}
	return fmt.Sprintf("/tmp/media/%d_%d_%d.jpg", chatID, msg.ID, d.calls), nil
}

// outcomes собирает решения маршрутизатора.
type outcomes struct {
	mu   sync.Mutex
	list []outcomeRec
	ch   chan outcomeRec
}

type outcomeRec struct {
	route string
	msgID int
	o     relay.Outcome
}

func newOutcomes() *outcomes { return &outcomes{ch: make(chan outcomeRec, 128)} }

func (o *outcomes) record(route relay.Route, msgID int, out relay.Outcome) {
	rec := outcomeRec{route: route.Name, msgID: msgID, o: out}
	o.mu.Lock()
	o.list = append(o.list, rec)
	o.mu.Unlock()
	o.ch <- rec
}

// wait ждёт решение для (route, msgID).
func (o *outcomes) wait(t *testing.T, route string, msgID int) relay.Outcome {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case rec := <-o.ch:
			if rec.route == route && rec.msgID == msgID {
				return rec.o
			}
		case <-deadline:
			t.Fatalf("no outcome for route=%s msg=%d", route, msgID)
			return relay.Outcome{}
		}
	}
}

var t0 = time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return t0 }

func textMsg(id int, text string) *tg.Message {
	return &tg.Message{ID: id, Date: int(t0.Unix()), Message: text}
}

func photoMsg(id int, group int64) *tg.Message {
	return &tg.Message{
		ID:        id,
		Date:      int(t0.Unix()),
		GroupedID: group,
		Media:     &tg.MessageMediaPhoto{Photo: &tg.Photo{ID: int64(id)}},
	}
}

type harness struct {
	router *ingest.Router
	store  *memStore
	queue  *chanQueue
	dl     *fakeDownloader
	out    *outcomes

	removedMu sync.Mutex
	removed   []string
}

func newHarness(t *testing.T, routes []relay.Route, tweak func(*ingest.Options)) *harness {
	t.Helper()
	h := &harness{
		store: newMemStore(),
		queue: newChanQueue(),
		dl:    &fakeDownloader{fail: map[int]bool{}},
		out:   newOutcomes(),
	}
	opts := ingest.Options{
		Routes:      routes,
		Store:       h.store,
		Queue:       h.queue,
		Downloader:  h.dl,
		AlbumWindow: 50 * time.Millisecond,
		Clock:       fixedClock,
		OnOutcome:   h.out.record,
		Remove: func(paths ...string) {
			h.removedMu.Lock()
			h.removed = append(h.removed, paths...)
			h.removedMu.Unlock()
		},
	}
	if tweak != nil {
		tweak(&opts)
	}
	r, err := ingest.New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.router = r
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = r.Close(ctx)
	})
	return h
}

func (h *harness) submit(t *testing.T, chatID int64, msg *tg.Message, allowOld bool) {
	t.Helper()
	if err := h.router.Submit(context.Background(), ingest.Event{ChatID: chatID, Message: msg, AllowOld: allowOld}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
}

func ids(item relay.Outbound) []int {
	out := make([]int, 0, len(item.Messages))
	for _, m := range item.Messages {
		out = append(out, m.SourceMessageID)
	}
	return out
}
