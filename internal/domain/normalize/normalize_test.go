package normalize_test

import (
	"reflect"
	"testing"
	"time"

	"github.com/gotd/td/tg"

	"telegram-relay/internal/domain/normalize"
	"telegram-relay/internal/domain/relay"
)

func TestAppendFooterOffsets(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		text       string
		wantText   string
		wantOffset int
	}{
		{name: "ascii", text: "hi", wantText: "hi\n\n@mirors_sliv", wantOffset: 3},
		{name: "empty", text: "", wantText: "@mirors_sliv", wantOffset: 0},
		{name: "cyrillic", text: "привет", wantText: "привет\n\n@mirors_sliv", wantOffset: 7},
		// Эмодзи вне BMP занимает две UTF-16 единицы.
		{name: "astral", text: "a😀", wantText: "a😀\n\n@mirors_sliv", wantOffset: 4},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			msg := relay.UnifiedMessage{Text: tc.text}
			normalize.AppendFooter(&msg)

			if msg.Text != tc.wantText {
				t.Fatalf("Text = %q, want %q", msg.Text, tc.wantText)
			}
			last := msg.Entities[len(msg.Entities)-1]
			want := relay.Entity{Type: relay.EntityMention, Offset: tc.wantOffset, Length: 12}
			if last != want {
				t.Fatalf("footer entity = %#v, want %#v", last, want)
			}
		})
	}
}

func TestUTF16Len(t *testing.T) {
	t.Parallel()

	cases := map[string]int{
		"":             0,
		"abc":          3,
		"ёжик":         4,
		"😀😀":           4,
		"@mirors_sliv": 12,
		"a😀b":          4,
		"\xffx":        2,
	}
	for in, want := range cases {
		if got := normalize.UTF16Len(in); got != want {
			t.Fatalf("UTF16Len(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestEntitiesMappingDropsUnknown(t *testing.T) {
	t.Parallel()

	src := []tg.MessageEntityClass{
		&tg.MessageEntityBold{Offset: 0, Length: 2},
		&tg.MessageEntityHashtag{Offset: 3, Length: 4},
		&tg.MessageEntityPre{Offset: 8, Length: 5, Language: "go"},
		&tg.MessageEntityTextURL{Offset: 14, Length: 3, URL: "https://example.org"},
		&tg.MessageEntityCustomEmoji{Offset: 18, Length: 2, DocumentID: 5368324170671202286},
		&tg.MessageEntityEmail{Offset: 21, Length: 6},
		&tg.MessageEntityStrike{Offset: 28, Length: 1},
	}

	got := normalize.Entities(src)
	want := []relay.Entity{
		{Type: "bold", Offset: 0, Length: 2},
		{Type: "pre", Offset: 8, Length: 5, Language: "go"},
		{Type: "text_link", Offset: 14, Length: 3, URL: "https://example.org"},
		{Type: "custom_emoji", Offset: 18, Length: 2, CustomEmojiID: "5368324170671202286"},
		{Type: "strikethrough", Offset: 28, Length: 1},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Entities() = %#v, want %#v", got, want)
	}
}

func docMedia(mime string, attrs ...tg.DocumentAttributeClass) tg.MessageMediaClass {
	return &tg.MessageMediaDocument{Document: &tg.Document{ID: 1, MimeType: mime, Attributes: attrs}}
}

func TestClassifyMediaPrecedence(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		media tg.MessageMediaClass
		want  relay.MediaType
	}{
		{name: "none", media: nil, want: relay.MediaNone},
		{name: "webpage", media: &tg.MessageMediaWebPage{}, want: relay.MediaNone},
		{name: "photo", media: &tg.MessageMediaPhoto{Photo: &tg.Photo{ID: 1}}, want: relay.MediaPhoto},
		{name: "empty photo", media: &tg.MessageMediaPhoto{Photo: &tg.PhotoEmpty{ID: 1}}, want: relay.MediaNone},
		{
			name:  "sticker attribute wins over video",
			media: docMedia("video/mp4", &tg.DocumentAttributeVideo{}, &tg.DocumentAttributeSticker{}),
			want:  relay.MediaSticker,
		},
		{name: "webp mime", media: docMedia("image/webp"), want: relay.MediaSticker},
		{name: "tgs mime", media: docMedia("application/x-tgsticker"), want: relay.MediaSticker},
		{name: "webm mime with video", media: docMedia("video/webm", &tg.DocumentAttributeVideo{}), want: relay.MediaSticker},
		{
			name:  "animation",
			media: docMedia("video/mp4", &tg.DocumentAttributeVideo{}, &tg.DocumentAttributeAnimated{}),
			want:  relay.MediaAnimation,
		},
		{name: "video", media: docMedia("video/mp4", &tg.DocumentAttributeVideo{}), want: relay.MediaVideo},
		{name: "round video", media: docMedia("video/mp4", &tg.DocumentAttributeVideo{RoundMessage: true}), want: relay.MediaDocument},
		{name: "voice", media: docMedia("audio/ogg", &tg.DocumentAttributeAudio{Voice: true}), want: relay.MediaVoice},
		{name: "audio", media: docMedia("audio/mpeg", &tg.DocumentAttributeAudio{}), want: relay.MediaAudio},
		{name: "document", media: docMedia("application/pdf", &tg.DocumentAttributeFilename{FileName: "a.pdf"}), want: relay.MediaDocument},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := normalize.ClassifyMedia(tc.media); got != tc.want {
				t.Fatalf("ClassifyMedia() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestTopicAndReply(t *testing.T) {
	t.Parallel()

	withTop := &tg.MessageReplyHeader{ForumTopic: true, ReplyToMsgID: 55, ReplyToTopID: 42}
	topicRoot := &tg.MessageReplyHeader{ForumTopic: true, ReplyToMsgID: 42}
	plain := &tg.MessageReplyHeader{ReplyToMsgID: 7}

	cases := []struct {
		name      string
		hdr       *tg.MessageReplyHeader
		wantTopic int
		wantReply int
	}{
		{name: "no reply", hdr: nil, wantTopic: 0, wantReply: 0},
		{name: "reply inside topic", hdr: withTop, wantTopic: 42, wantReply: 55},
		{name: "topic root only", hdr: topicRoot, wantTopic: 42, wantReply: 0},
		{name: "plain reply", hdr: plain, wantTopic: 0, wantReply: 7},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			msg := &tg.Message{ID: 100}
			if tc.hdr != nil {
				msg.ReplyTo = tc.hdr
			}
			if got := normalize.TopicID(msg); got != tc.wantTopic {
				t.Fatalf("TopicID() = %d, want %d", got, tc.wantTopic)
			}
			if got := normalize.ReplyToID(msg); got != tc.wantReply {
				t.Fatalf("ReplyToID() = %d, want %d", got, tc.wantReply)
			}
		})
	}
}

func TestMessageBuildsUnified(t *testing.T) {
	t.Parallel()

	date := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := &tg.Message{
		ID:        10,
		Date:      int(date.Unix()),
		Message:   "hi",
		Entities:  []tg.MessageEntityClass{&tg.MessageEntityItalic{Offset: 0, Length: 2}},
		Media:     &tg.MessageMediaPhoto{Photo: &tg.Photo{ID: 3}},
		GroupedID: 7,
	}

	got := normalize.Message(-100123, msg)
	want := relay.UnifiedMessage{
		Text: "hi\n\n@mirors_sliv",
		Entities: []relay.Entity{
			{Type: "italic", Offset: 0, Length: 2},
			{Type: "mention", Offset: 3, Length: 12},
		},
		MediaType:       relay.MediaPhoto,
		GroupedID:       7,
		SourceChatID:    -100123,
		SourceMessageID: 10,
		Date:            date,
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Message() = %#v, want %#v", got, want)
	}
}
