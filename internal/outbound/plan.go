package outbound

import (
	"net/url"
	"path"
	"strings"
)

type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindAudio Kind = "audio"
)

// Content is what should reach one chat: reply text, ordered image URLs and an optional voice note.
type Content struct {
	Text     string
	Images   []string
	VoiceURL string
}

// Directive is a single send.
type Directive struct {
	Kind    Kind
	Text    string
	URL     string
	Caption string
	Audio   AudioMeta
}

type AudioMeta struct {
	Mimetype string
	PTT      bool
}

var audioByExtension = map[string]AudioMeta{
	".ogg":  {Mimetype: "audio/ogg; codecs=opus", PTT: true},
	".opus": {Mimetype: "audio/ogg; codecs=opus", PTT: true},
	".m4a":  {Mimetype: "audio/mp4"},
	".wav":  {Mimetype: "audio/wav"},
}

// defaultAudio covers .mp3, unknown and missing extensions.
var defaultAudio = AudioMeta{Mimetype: "audio/mpeg"}

// AudioMetaFor derives the audio mimetype and voice-note flag from the URL's extension.
func AudioMetaFor(rawURL string) AudioMeta {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	if meta, ok := audioByExtension[strings.ToLower(path.Ext(p))]; ok {
		return meta
	}
	return defaultAudio
}

// Plan orders the sends for content. Text rides as the caption of the first image only,
// and is sent on its own only when there is no media at all.
func Plan(content Content) []Directive {
	var directives []Directive
	text := content.Text
	if strings.TrimSpace(text) == "" {
		text = ""
	}

	images := 0
	for _, raw := range content.Images {
		u := strings.TrimSpace(raw)
		if u == "" {
			continue
		}
		d := Directive{Kind: KindImage, URL: u}
		if images == 0 {
			d.Caption = text
		}
		directives = append(directives, d)
		images++
	}

	if voice := strings.TrimSpace(content.VoiceURL); voice != "" {
		directives = append(directives, Directive{Kind: KindAudio, URL: voice, Audio: AudioMetaFor(voice)})
	}

	if len(directives) == 0 && text != "" {
		directives = append(directives, Directive{Kind: KindText, Text: text})
	}
	return directives
}
