package whatsapp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sunshineplan/imgconv"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"github.com/gdbrns/whatsapp-companion-bridge/pkg/log"
)

const thumbnailWidth = 72

var ErrMediaTooLarge = errors.New("media exceeds the configured size limit")

// ClientSource resolves the live client at send time.
type ClientSource interface {
	Client() (Client, error)
}

// MediaSender turns text and media URLs into WhatsApp messages on the live connection.
type MediaSender struct {
	source     ClientSource
	httpClient *http.Client
	maxBytes   int64
}

func NewMediaSender(source ClientSource, fetchTimeout time.Duration, maxBytes int64) *MediaSender {
	if fetchTimeout <= 0 {
		fetchTimeout = 60 * time.Second
	}
	return &MediaSender{
		source:     source,
		httpClient: &http.Client{Timeout: fetchTimeout},
		maxBytes:   maxBytes,
	}
}

func (s *MediaSender) SendText(ctx context.Context, to types.JID, text string) error {
	client, err := s.source.Client()
	if err != nil {
		return err
	}
	_, err = client.SendMessage(ctx, to, &waE2E.Message{Conversation: proto.String(text)})
	return err
}

func (s *MediaSender) SendImage(ctx context.Context, to types.JID, url string, caption string) error {
	client, err := s.source.Client()
	if err != nil {
		return err
	}

	data, mimetype, err := s.fetch(ctx, url)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(mimetype, "image/") {
		mimetype = http.DetectContentType(data)
	}

	uploaded, err := client.Upload(ctx, data, whatsmeow.MediaImage)
	if err != nil {
		return fmt.Errorf("upload image: %w", err)
	}

	image := &waE2E.ImageMessage{
		URL:           proto.String(uploaded.URL),
		DirectPath:    proto.String(uploaded.DirectPath),
		Mimetype:      proto.String(mimetype),
		FileLength:    proto.Uint64(uploaded.FileLength),
		FileSHA256:    uploaded.FileSHA256,
		FileEncSHA256: uploaded.FileEncSHA256,
		MediaKey:      uploaded.MediaKey,
	}
	if caption != "" {
		image.Caption = proto.String(caption)
	}

	if thumb, err := thumbnail(data); err != nil {
		log.Print(nil).WithError(err).Debug("Skipping image thumbnail")
	} else {
		image.JPEGThumbnail = thumb
		if thumbUploaded, err := client.Upload(ctx, thumb, whatsmeow.MediaLinkThumbnail); err == nil {
			image.ThumbnailDirectPath = proto.String(thumbUploaded.DirectPath)
			image.ThumbnailSHA256 = thumbUploaded.FileSHA256
			image.ThumbnailEncSHA256 = thumbUploaded.FileEncSHA256
		}
	}

	_, err = client.SendMessage(ctx, to, &waE2E.Message{ImageMessage: image})
	return err
}

func (s *MediaSender) SendAudio(ctx context.Context, to types.JID, url string, mimetype string, ptt bool) error {
	client, err := s.source.Client()
	if err != nil {
		return err
	}

	data, _, err := s.fetch(ctx, url)
	if err != nil {
		return err
	}

	uploaded, err := client.Upload(ctx, data, whatsmeow.MediaAudio)
	if err != nil {
		return fmt.Errorf("upload audio: %w", err)
	}

	_, err = client.SendMessage(ctx, to, &waE2E.Message{
		AudioMessage: &waE2E.AudioMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			Mimetype:      proto.String(mimetype),
			FileLength:    proto.Uint64(uploaded.FileLength),
			FileSHA256:    uploaded.FileSHA256,
			FileEncSHA256: uploaded.FileEncSHA256,
			MediaKey:      uploaded.MediaKey,
			PTT:           proto.Bool(ptt),
		},
	})
	return err
}

func (s *MediaSender) fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("invalid media URL: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("fetch media: HTTP %d", resp.StatusCode)
	}

	reader := io.Reader(resp.Body)
	if s.maxBytes > 0 {
		reader = io.LimitReader(resp.Body, s.maxBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, "", fmt.Errorf("read media: %w", err)
	}
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		return nil, "", ErrMediaTooLarge
	}
	if len(data) == 0 {
		return nil, "", errors.New("fetched media is empty")
	}

	mimetype, _, _ := strings.Cut(resp.Header.Get("Content-Type"), ";")
	return data, strings.TrimSpace(mimetype), nil
}

func thumbnail(data []byte) ([]byte, error) {
	decoded, err := imgconv.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	encoded := new(bytes.Buffer)
	err = imgconv.Write(encoded,
		imgconv.Resize(decoded, &imgconv.ResizeOption{Width: thumbnailWidth}),
		&imgconv.FormatOption{Format: imgconv.JPEG})
	if err != nil {
		return nil, err
	}
	return encoded.Bytes(), nil
}
