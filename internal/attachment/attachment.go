package attachment

import "fmt"

// Kind is the closed set of attachment types understood downstream.
type Kind string

const (
	Image    Kind = "image"
	Audio    Kind = "audio"
	Video    Kind = "video"
	File     Kind = "file"
	Location Kind = "location"
	Fallback Kind = "fallback"
)

// ParseKind decodes a provider attachment type. Types outside the closed set
// are returned as-is with ok=false.
func ParseKind(raw string) (Kind, bool) {
	switch k := Kind(raw); k {
	case Image, Audio, Video, File, Location, Fallback:
		return k, true
	default:
		return k, false
	}
}

// Unsupported reports whether messages of this kind cannot be answered by the model.
func (k Kind) Unsupported() bool {
	switch k {
	case Audio, Video, File, Location, Fallback:
		return true
	}
	return false
}

// Raw is one attachment as decoded from a provider payload.
type Raw struct {
	Type string
	URL  string
}

// Classification is the outcome of inspecting an inbound message.
type Classification struct {
	Text        string
	ImageURLs   []string
	Unsupported Kind // empty when none present

	// StorageType and StorageURL are the single attachment recorded on the message row.
	StorageType string
	StorageURL  string
}

// Empty reports a message with no text, no images and no attachment at all.
func (c Classification) Empty() bool {
	return c.Text == "" && len(c.ImageURLs) == 0 && c.StorageType == ""
}

// UnsupportedOnly reports a message carrying only attachments the model can't handle.
func (c Classification) UnsupportedOnly() bool {
	return c.Text == "" && len(c.ImageURLs) == 0 && c.Unsupported != ""
}

// Classify collects images in payload order, records the first unsupported
// kind, and picks the attachment to store: image, then unsupported kind, then
// whatever the first raw attachment was.
func Classify(text string, attachments []Raw) Classification {
	c := Classification{Text: text}

	for _, a := range attachments {
		kind, _ := ParseKind(a.Type)
		switch {
		case kind == Image:
			if a.URL != "" {
				c.ImageURLs = append(c.ImageURLs, a.URL)
			}
		case kind.Unsupported():
			if c.Unsupported == "" {
				c.Unsupported = kind
			}
		}
	}

	switch {
	case len(c.ImageURLs) > 0:
		c.StorageType = string(Image)
		c.StorageURL = c.ImageURLs[0]
	case c.Unsupported != "":
		c.StorageType = string(c.Unsupported)
		c.StorageURL = urlOfFirst(attachments, string(c.Unsupported))
	case len(attachments) > 0:
		c.StorageType = attachments[0].Type
		c.StorageURL = attachments[0].URL
	}
	return c
}

func urlOfFirst(attachments []Raw, typ string) string {
	for _, a := range attachments {
		if a.Type == typ {
			return a.URL
		}
	}
	return ""
}

var labels = map[Kind]string{
	Audio:    "audio messages",
	Video:    "videos",
	File:     "files",
	Location: "locations",
	Fallback: "this type of message",
}

// CannedReply is the apology sent for unsupported-only messages.
func CannedReply(kind Kind) string {
	label, ok := labels[kind]
	if !ok {
		label = "this type of content"
	}
	return fmt.Sprintf("Sorry, I can't process %s yet. Please send me a text message and I'll be happy to help! 😊", label)
}
