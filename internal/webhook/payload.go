package webhook

import (
	"time"

	"github.com/xaenox/pagebot/internal/attachment"
	"github.com/xaenox/pagebot/internal/models"
	"github.com/xaenox/pagebot/internal/pipeline"
)

// Payload is a Messenger/Instagram messaging webhook body.
type Payload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID        string      `json:"id"`
	Time      int64       `json:"time"`
	Messaging []Messaging `json:"messaging"`
}

type Messaging struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Timestamp int64    `json:"timestamp"`
	Message   *Message `json:"message"`
}

type Message struct {
	Mid         string       `json:"mid"`
	Text        string       `json:"text"`
	IsEcho      bool         `json:"is_echo"`
	Attachments []Attachment `json:"attachments"`
}

type Attachment struct {
	Type    string `json:"type"`
	Payload *struct {
		URL string `json:"url"`
	} `json:"payload"`
}

func platformFor(object string) (models.Platform, bool) {
	switch object {
	case "page":
		return models.PlatformFacebook, true
	case "instagram":
		return models.PlatformInstagram, true
	}
	return "", false
}

// Events flattens the payload into pipeline events in delivery order.
// Unknown objects and non-message callbacks (reads, deliveries) yield nothing.
func (p Payload) Events() []pipeline.Event {
	platform, ok := platformFor(p.Object)
	if !ok {
		return nil
	}

	var events []pipeline.Event
	for _, entry := range p.Entry {
		for _, m := range entry.Messaging {
			if m.Message == nil {
				continue
			}
			pageID := entry.ID
			if pageID == "" {
				pageID = m.Recipient.ID
			}

			ev := pipeline.Event{
				Platform:    platform,
				PageID:      pageID,
				SenderID:    m.Sender.ID,
				RecipientID: m.Recipient.ID,
				MessageID:   m.Message.Mid,
				Text:        m.Message.Text,
				IsEcho:      m.Message.IsEcho,
			}
			if m.Timestamp > 0 {
				ev.Timestamp = time.UnixMilli(m.Timestamp)
			}
			for _, a := range m.Message.Attachments {
				raw := attachment.Raw{Type: a.Type}
				if a.Payload != nil {
					raw.URL = a.Payload.URL
				}
				ev.Attachments = append(ev.Attachments, raw)
			}
			events = append(events, ev)
		}
	}
	return events
}
