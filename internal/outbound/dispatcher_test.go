package outbound

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/types"
)

var chat = types.NewJID("15551234567", types.DefaultUserServer)

type call struct {
	Kind     Kind
	URL      string
	Text     string
	Mimetype string
	PTT      bool
}

type recordingSender struct {
	mu    sync.Mutex
	calls []call
	fail  map[string]error
}

func (s *recordingSender) record(c call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
	return s.fail[c.URL+c.Text]
}

func (s *recordingSender) SendText(ctx context.Context, to types.JID, text string) error {
	return s.record(call{Kind: KindText, Text: text})
}

func (s *recordingSender) SendImage(ctx context.Context, to types.JID, url string, caption string) error {
	return s.record(call{Kind: KindImage, URL: url, Text: caption})
}

func (s *recordingSender) SendAudio(ctx context.Context, to types.JID, url string, mimetype string, ptt bool) error {
	return s.record(call{Kind: KindAudio, URL: url, Mimetype: mimetype, PTT: ptt})
}

func TestDispatch(t *testing.T) {
	t.Run("sends in plan order", func(t *testing.T) {
		sender := &recordingSender{}
		d := NewDispatcher(sender, 0, 1)

		sent, err := d.Dispatch(context.Background(), chat, Content{Text: "look", Images: []string{"a.png", "b.png"}, VoiceURL: "v.ogg"})
		require.NoError(t, err)
		assert.Equal(t, 3, sent)
		assert.Equal(t, []call{
			{Kind: KindImage, URL: "a.png", Text: "look"},
			{Kind: KindImage, URL: "b.png"},
			{Kind: KindAudio, URL: "v.ogg", Mimetype: "audio/ogg; codecs=opus", PTT: true},
		}, sender.calls)
	})

	t.Run("continues after a failed send", func(t *testing.T) {
		boom := errors.New("upload failed")
		sender := &recordingSender{fail: map[string]error{"a.png" + "look": boom}}
		d := NewDispatcher(sender, 0, 1)

		sent, err := d.Dispatch(context.Background(), chat, Content{Text: "look", Images: []string{"a.png", "b.png"}})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, sent)
		assert.Len(t, sender.calls, 2)
	})

	t.Run("nothing to send", func(t *testing.T) {
		sender := &recordingSender{}
		sent, err := NewDispatcher(sender, 0, 1).Dispatch(context.Background(), chat, Content{})
		assert.NoError(t, err)
		assert.Zero(t, sent)
		assert.Empty(t, sender.calls)
	})

	t.Run("audio carries the extension metadata", func(t *testing.T) {
		sender := &recordingSender{}
		sent, err := NewDispatcher(sender, 0, 1).Dispatch(context.Background(), chat, Content{VoiceURL: "https://cdn/x/reply.m4a"})
		require.NoError(t, err)
		assert.Equal(t, 1, sent)
		assert.Equal(t, []call{{Kind: KindAudio, URL: "https://cdn/x/reply.m4a", Mimetype: "audio/mp4"}}, sender.calls)
	})

	t.Run("cancelled context stops pacing", func(t *testing.T) {
		sender := &recordingSender{}
		d := NewDispatcher(sender, 0.001, 1)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		sent, err := d.Dispatch(ctx, chat, Content{Images: []string{"a.png", "b.png"}})
		assert.Error(t, err)
		assert.Zero(t, sent)
	})
}
