package ingest

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/jhillyerd/enmime"

	"github.com/brandon/inboxd/internal/imapconn"
	"github.com/brandon/inboxd/pkg/types"
)

// Normalize turns a fetched raw message into the typed Message the store
// accepts: absent subject and body become empty strings, absent cc becomes
// nil, flags become a tag array (never nil), and identifiers are rendered
// as opaque text. Validation happens here, once, at the ingress boundary.
func Normalize(raw *imapconn.RawMessage, ingestedAt time.Time) (*types.Message, error) {
	if raw == nil {
		return nil, fmt.Errorf("nil message")
	}
	if raw.UID == 0 {
		return nil, fmt.Errorf("message has no uid")
	}
	env := raw.Envelope
	if env == nil {
		return nil, fmt.Errorf("message has no envelope")
	}

	msg := &types.Message{
		ID:             strconv.FormatUint(uint64(raw.UID), 10),
		ConversationID: strings.TrimSpace(env.InReplyTo),
		Subject:        env.Subject,
		IngestedAt:     ingestedAt,
		Tags:           flagTags(raw.Flags),
	}

	// The envelope date is the origin's own timestamp; the server's
	// internal date is only a fallback
	switch {
	case !env.Date.IsZero():
		msg.ReceivedAt = env.Date
	case !raw.InternalDate.IsZero():
		msg.ReceivedAt = raw.InternalDate
	default:
		msg.ReceivedAt = ingestedAt
	}

	if len(env.From) > 0 {
		msg.Sender = env.From[0].Address()
	}

	msg.Recipients = joinAddresses(env.To)
	if len(env.Cc) > 0 {
		cc := joinAddresses(env.Cc)
		msg.CC = &cc
	}

	msg.Body = parseBody(raw.Raw)

	return msg, nil
}

// parseBody extracts the text body from raw RFC 822 content, falling back
// to the raw bytes when MIME parsing fails
func parseBody(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return string(raw)
	}
	if env.Text != "" {
		return env.Text
	}
	return env.HTML
}

// joinAddresses renders an address list as a comma-delimited string
func joinAddresses(addrs []*imap.Address) string {
	parts := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		parts = append(parts, addr.Address())
	}
	return strings.Join(parts, ", ")
}

// flagTags maps IMAP flags to short labels: "\Seen" becomes "seen"
func flagTags(flags []string) []string {
	tags := make([]string, 0, len(flags))
	for _, flag := range flags {
		tag := strings.ToLower(strings.TrimPrefix(flag, "\\"))
		if tag == "" {
			continue
		}
		tags = append(tags, tag)
	}
	return tags
}
