package telegramsender

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/bin"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/stretchr/testify/require"

	"telegram-relay/internal/domain/delivery"
	"telegram-relay/internal/domain/relay"
)

const targetChat = int64(-1001234567890)

// fakeInvoker отвечает на запросы клиента по типу запроса.
type fakeInvoker struct {
	mu       sync.Mutex
	requests []bin.Encoder
	reply    func(input bin.Encoder) (bin.Encoder, error)
}

func (f *fakeInvoker) Invoke(_ context.Context, input bin.Encoder, output bin.Decoder) error {
	f.mu.Lock()
	f.requests = append(f.requests, input)
	f.mu.Unlock()

	if _, ok := input.(*tg.UploadSaveFilePartRequest); ok {
		return encodeInto(&tg.BoolTrue{}, output)
	}
	res, err := f.reply(input)
	if err != nil {
		return err
	}
	return encodeInto(res, output)
}

func (f *fakeInvoker) find(match func(bin.Encoder) bool) bin.Encoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.requests {
		if match(r) {
			return r
		}
	}
	return nil
}

func encodeInto(res bin.Encoder, output bin.Decoder) error {
	var buf bin.Buffer
	if err := res.Encode(&buf); err != nil {
		return err
	}
	return output.Decode(&buf)
}

type staticPeers struct{}

func (staticPeers) InputPeer(_ context.Context, id int64) (tg.InputPeerClass, error) {
	if id != targetChat {
		return nil, errors.Errorf("unknown peer %d", id)
	}
	return &tg.InputPeerChannel{ChannelID: 1234567890, AccessHash: 42}, nil
}

type fakeConn struct {
	waited int
}

func (c *fakeConn) HandleError(err error) bool {
	return errors.Is(err, errNetwork)
}

func (c *fakeConn) WaitOnline(context.Context) { c.waited++ }

var errNetwork = errors.New("connection reset")

func newSender(t *testing.T, reply func(bin.Encoder) (bin.Encoder, error)) (*Sender, *fakeInvoker, *fakeConn) {
	t.Helper()
	inv := &fakeInvoker{reply: reply}
	conn := &fakeConn{}
	return New(tg.NewClient(inv), staticPeers{}, conn), inv, conn
}

func tempMedia(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("media bytes"), 0o600))
	return path
}

func TestSendSingleText(t *testing.T) {
	msg := relay.UnifiedMessage{
		Text:            "hello",
		Entities:        []relay.Entity{{Type: relay.EntityBold, Offset: 0, Length: 5}},
		SourceChatID:    -100777,
		SourceMessageID: 15,
	}
	rid := randomID("r1", targetChat, msg.SourceChatID, msg.SourceMessageID, 0)

	s, inv, _ := newSender(t, func(in bin.Encoder) (bin.Encoder, error) {
		return &tg.Updates{Updates: []tg.UpdateClass{
			&tg.UpdateMessageID{ID: 501, RandomID: rid},
		}}, nil
	})

	id, err := s.SendSingle(context.Background(), delivery.SendRequest{
		Route: "r1", ChatID: targetChat, TopicID: 9, ReplyTo: 300, Message: msg,
	})
	require.NoError(t, err)
	require.Equal(t, 501, id)

	req, ok := inv.find(func(e bin.Encoder) bool {
		_, ok := e.(*tg.MessagesSendMessageRequest)
		return ok
	}).(*tg.MessagesSendMessageRequest)
	require.True(t, ok)
	require.Equal(t, "hello", req.Message)
	require.Equal(t, rid, req.RandomID)
	require.Len(t, req.Entities, 1)

	reply, ok := req.ReplyTo.(*tg.InputReplyToMessage)
	require.True(t, ok)
	require.Equal(t, 300, reply.ReplyToMsgID)
	top, ok := reply.GetTopMsgID()
	require.True(t, ok)
	require.Equal(t, 9, top)
}

func TestSendSingleShortSent(t *testing.T) {
	s, _, _ := newSender(t, func(bin.Encoder) (bin.Encoder, error) {
		return &tg.UpdateShortSentMessage{ID: 77, Date: 1}, nil
	})

	id, err := s.SendSingle(context.Background(), delivery.SendRequest{
		ChatID:  targetChat,
		Message: relay.UnifiedMessage{Text: "x", SourceChatID: -1, SourceMessageID: 1},
	})
	require.NoError(t, err)
	require.Equal(t, 77, id)
}

func TestSendSinglePhoto(t *testing.T) {
	path := tempMedia(t, "pic.jpg")
	s, inv, _ := newSender(t, func(bin.Encoder) (bin.Encoder, error) {
		return &tg.UpdateShortSentMessage{ID: 10, Date: 1}, nil
	})

	_, err := s.SendSingle(context.Background(), delivery.SendRequest{
		ChatID: targetChat,
		Message: relay.UnifiedMessage{
			Text: "caption", MediaType: relay.MediaPhoto, MediaPath: path,
			SourceChatID: -1, SourceMessageID: 2,
		},
	})
	require.NoError(t, err)

	req, ok := inv.find(func(e bin.Encoder) bool {
		_, ok := e.(*tg.MessagesSendMediaRequest)
		return ok
	}).(*tg.MessagesSendMediaRequest)
	require.True(t, ok)
	require.Equal(t, "caption", req.Message)
	_, isPhoto := req.Media.(*tg.InputMediaUploadedPhoto)
	require.True(t, isPhoto)
	require.NotNil(t, inv.find(func(e bin.Encoder) bool {
		_, ok := e.(*tg.UploadSaveFilePartRequest)
		return ok
	}))
}

func TestSendAlbumKeepsOrder(t *testing.T) {
	msgs := []relay.UnifiedMessage{
		{Text: "first", MediaType: relay.MediaPhoto, MediaPath: tempMedia(t, "a.jpg"), SourceChatID: -5, SourceMessageID: 20},
		{MediaType: relay.MediaDocument, MediaPath: tempMedia(t, "b.pdf"), SourceChatID: -5, SourceMessageID: 21},
	}
	rid0 := randomID("album", targetChat, -5, 20, 0)
	rid1 := randomID("album", targetChat, -5, 21, 1)

	s, inv, _ := newSender(t, func(in bin.Encoder) (bin.Encoder, error) {
		switch v := in.(type) {
		case *tg.MessagesUploadMediaRequest:
			if _, ok := v.Media.(*tg.InputMediaUploadedPhoto); ok {
				return &tg.MessageMediaPhoto{Photo: &tg.Photo{ID: 1, AccessHash: 2, FileReference: []byte{1}}}, nil
			}
			return &tg.MessageMediaDocument{Document: &tg.Document{ID: 3, AccessHash: 4, FileReference: []byte{2}}}, nil
		case *tg.MessagesSendMultiMediaRequest:
			// Сервер может вернуть обновления в любом порядке.
			return &tg.Updates{Updates: []tg.UpdateClass{
				&tg.UpdateMessageID{ID: 902, RandomID: rid1},
				&tg.UpdateMessageID{ID: 901, RandomID: rid0},
			}}, nil
		}
		return nil, errors.Errorf("unexpected %T", in)
	})

	ids, err := s.SendAlbum(context.Background(), delivery.AlbumRequest{Route: "album", ChatID: targetChat, Messages: msgs})
	require.NoError(t, err)
	require.Equal(t, []int{901, 902}, ids)

	req, ok := inv.find(func(e bin.Encoder) bool {
		_, ok := e.(*tg.MessagesSendMultiMediaRequest)
		return ok
	}).(*tg.MessagesSendMultiMediaRequest)
	require.True(t, ok)
	require.Len(t, req.MultiMedia, 2)
	require.Equal(t, "first", req.MultiMedia[0].Message)
	_, isPhoto := req.MultiMedia[0].Media.(*tg.InputMediaPhoto)
	require.True(t, isPhoto)
	_, isDoc := req.MultiMedia[1].Media.(*tg.InputMediaDocument)
	require.True(t, isDoc)
}

func TestSendErrorClassification(t *testing.T) {
	msg := relay.UnifiedMessage{Text: "x", SourceChatID: -1, SourceMessageID: 1}

	tests := []struct {
		name      string
		err       error
		retry     bool
		after     time.Duration
		waitCalls int
	}{
		{name: "flood wait", err: tgerr.New(420, "FLOOD_WAIT_3"), retry: true, after: 3 * time.Second},
		{name: "slow mode", err: tgerr.New(420, "SLOWMODE_WAIT_7"), retry: true, after: 7 * time.Second},
		{name: "network", err: errNetwork, retry: true, waitCalls: 1},
		{name: "forbidden", err: tgerr.New(403, "CHAT_WRITE_FORBIDDEN")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, conn := newSender(t, func(bin.Encoder) (bin.Encoder, error) {
				return nil, tt.err
			})

			_, err := s.SendSingle(context.Background(), delivery.SendRequest{ChatID: targetChat, Message: msg})
			require.Error(t, err)
			require.Equal(t, tt.waitCalls, conn.waited)

			rl, ok := relay.AsRateLimited(err)
			require.Equal(t, tt.retry, ok)
			if tt.retry {
				require.Equal(t, tt.after, rl.RetryAfter)
				return
			}
			var sendErr *relay.SendError
			require.ErrorAs(t, err, &sendErr)
			require.Equal(t, "sendMessage", sendErr.Op)
		})
	}
}

func TestUnknownPeerIsSendError(t *testing.T) {
	s, _, _ := newSender(t, func(bin.Encoder) (bin.Encoder, error) {
		return nil, errors.New("must not be called")
	})

	_, err := s.SendSingle(context.Background(), delivery.SendRequest{
		ChatID:  -100999,
		Message: relay.UnifiedMessage{Text: "x"},
	})
	var sendErr *relay.SendError
	require.ErrorAs(t, err, &sendErr)
	require.Equal(t, "resolvePeer", sendErr.Op)
}

func TestRandomIDStable(t *testing.T) {
	a := randomID("r1", targetChat, -1001, 5, 0)
	require.Equal(t, a, randomID("r1", targetChat, -1001, 5, 0))
	require.NotEqual(t, a, randomID("r1", targetChat, -1001, 5, 1))
	require.NotEqual(t, a, randomID("r1", targetChat+1, -1001, 5, 0))
	require.Positive(t, a)
}

func TestRandomIDDistinctPerRoute(t *testing.T) {
	// Два маршрута из одного источника в одного адресата.
	plain := randomID("all", targetChat, -1001, 5, 0)
	topic := randomID("topic-7", targetChat, -1001, 5, 0)
	require.NotEqual(t, plain, topic)

	var rids []int64
	s, _, _ := newSender(t, func(in bin.Encoder) (bin.Encoder, error) {
		req, ok := in.(*tg.MessagesSendMessageRequest)
		if !ok {
			return nil, errors.Errorf("unexpected %T", in)
		}
		rids = append(rids, req.RandomID)
		return &tg.Updates{Updates: []tg.UpdateClass{
			&tg.UpdateMessageID{ID: len(rids), RandomID: req.RandomID},
		}}, nil
	})
	msg := relay.UnifiedMessage{Text: "x", SourceChatID: -1001, SourceMessageID: 5}
	for _, route := range []string{"all", "topic-7"} {
		_, err := s.SendSingle(context.Background(), delivery.SendRequest{Route: route, ChatID: targetChat, Message: msg})
		require.NoError(t, err)
	}
	require.Equal(t, []int64{plain, topic}, rids)
}
