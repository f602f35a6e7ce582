package contract

import "time"

// InboundMessage is one message delivered by the chat transport.
type InboundMessage struct {
	SenderID string // phone number, without the JID server suffix
	IsGroup  bool
	Text     string
	Media    *MediaPayload
	At       time.Time
}

// MediaPayload is a downloaded attachment.
type MediaPayload struct {
	Data     []byte
	MimeType string
	FileName string
}

func (m InboundMessage) HasMedia() bool {
	return m.Media != nil && len(m.Media.Data) > 0
}
