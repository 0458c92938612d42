// Package mailmsg parses raw RFC 5322 messages into the parts the extraction
// pipeline reads.
package mailmsg

import (
	"bytes"
	"net/mail"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"
	"github.com/rotisserie/eris"
)

// ErrMalformed is returned when the bytes are not a parseable message.
var ErrMalformed = eris.New("mailmsg: malformed message")

// Message is a decoded email.
type Message struct {
	From      []string
	To        []string
	Subject   string
	Date      *time.Time
	MessageID string
	Text      string
	HTML      string
}

// Parse decodes raw message bytes. The header block must be well formed;
// MIME structure and transfer encodings are decoded by enmime.
func Parse(data []byte) (*Message, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, eris.Wrap(ErrMalformed, "empty input")
	}

	hdr, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return nil, eris.Wrapf(ErrMalformed, "read header: %v", err)
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(data))
	if err != nil {
		return nil, eris.Wrapf(ErrMalformed, "decode mime: %v", err)
	}

	msg := &Message{
		From:      addresses(env, hdr.Header, "From"),
		To:        addresses(env, hdr.Header, "To"),
		Subject:   strings.TrimSpace(env.GetHeader("Subject")),
		MessageID: strings.TrimSpace(env.GetHeader("Message-Id")),
		Text:      env.Text,
		HTML:      env.HTML,
	}
	if d, err := hdr.Header.Date(); err == nil {
		d = d.UTC()
		msg.Date = &d
	}
	return msg, nil
}

// addresses prefers enmime's decoded list and falls back to net/mail, which
// handles a few legacy forms enmime rejects. Unparseable headers yield nil.
func addresses(env *enmime.Envelope, h mail.Header, key string) []string {
	list, err := env.AddressList(key)
	if err != nil || len(list) == 0 {
		list, err = h.AddressList(key)
		if err != nil {
			return nil
		}
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		if a == nil || strings.TrimSpace(a.Address) == "" {
			continue
		}
		out = append(out, strings.TrimSpace(a.Address))
	}
	return out
}

// Sender is the first From address, or "" when there is none.
func (m *Message) Sender() string {
	if len(m.From) == 0 {
		return ""
	}
	return m.From[0]
}

// Body is the plain-text part, falling back to the HTML part.
func (m *Message) Body() string {
	if strings.TrimSpace(m.Text) != "" {
		return m.Text
	}
	return m.HTML
}
