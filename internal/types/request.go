package types

type RequestSend struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

type RequestSendMedia struct {
	To          string   `json:"to"`
	ImageURL    string   `json:"image_url"`
	Attachments []string `json:"attachments"`
	Caption     string   `json:"caption"`
	VoiceURL    string   `json:"voice_url"`
}

// Images returns attachments followed by image_url, blanks dropped.
func (r *RequestSendMedia) Images() []string {
	images := make([]string, 0, len(r.Attachments)+1)
	for _, url := range r.Attachments {
		if url != "" {
			images = append(images, url)
		}
	}
	if r.ImageURL != "" {
		images = append(images, r.ImageURL)
	}
	return images
}
