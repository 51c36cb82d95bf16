package ingest

import (
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/inboxd/internal/imapconn"
)

func rawFixture() *imapconn.RawMessage {
	return &imapconn.RawMessage{
		UID: 42,
		Envelope: &imap.Envelope{
			Date:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
			Subject:   "quarterly report",
			InReplyTo: "<root-7@example.com>",
			From: []*imap.Address{
				{PersonalName: "Alice", MailboxName: "alice", HostName: "example.com"},
			},
			To: []*imap.Address{
				{MailboxName: "bob", HostName: "example.com"},
				{MailboxName: "carol", HostName: "example.com"},
			},
		},
		Flags:        []string{"\\Seen", "\\Answered"},
		InternalDate: time.Date(2024, 5, 1, 12, 0, 30, 0, time.UTC),
		Raw:          []byte("From: alice@example.com\r\nSubject: quarterly report\r\nContent-Type: text/plain\r\n\r\nHello Bob\r\n"),
	}
}

func TestNormalize(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 1, 0, 0, time.UTC)

	msg, err := Normalize(rawFixture(), now)
	require.NoError(t, err)

	assert.Equal(t, "42", msg.ID)
	assert.Equal(t, "<root-7@example.com>", msg.ConversationID)
	assert.Equal(t, "quarterly report", msg.Subject)
	assert.Equal(t, "alice@example.com", msg.Sender)
	assert.Equal(t, "bob@example.com, carol@example.com", msg.Recipients)
	assert.Nil(t, msg.CC)
	assert.True(t, msg.ReceivedAt.Equal(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)))
	assert.True(t, msg.IngestedAt.Equal(now))
	assert.Equal(t, []string{"seen", "answered"}, msg.Tags)
	assert.Contains(t, msg.Body, "Hello Bob")
}

func TestNormalizeDefaults(t *testing.T) {
	raw := rawFixture()
	raw.Envelope.Subject = ""
	raw.Envelope.InReplyTo = ""
	raw.Envelope.Date = time.Time{}
	raw.Flags = nil
	raw.Raw = nil

	msg, err := Normalize(raw, time.Now().UTC())
	require.NoError(t, err)

	assert.Equal(t, "", msg.Subject)
	assert.Equal(t, "", msg.ConversationID)
	assert.Equal(t, "", msg.Body)
	assert.NotNil(t, msg.Tags)
	assert.Empty(t, msg.Tags)
	// Envelope date absent: the server's internal date stands in
	assert.True(t, msg.ReceivedAt.Equal(raw.InternalDate))
}

func TestNormalizeCC(t *testing.T) {
	raw := rawFixture()
	raw.Envelope.Cc = []*imap.Address{
		{MailboxName: "dave", HostName: "example.com"},
	}

	msg, err := Normalize(raw, time.Now().UTC())
	require.NoError(t, err)
	require.NotNil(t, msg.CC)
	assert.Equal(t, "dave@example.com", *msg.CC)
}

func TestNormalizeRejectsMalformed(t *testing.T) {
	_, err := Normalize(nil, time.Now().UTC())
	assert.Error(t, err)

	raw := rawFixture()
	raw.Envelope = nil
	_, err = Normalize(raw, time.Now().UTC())
	assert.Error(t, err)

	raw = rawFixture()
	raw.UID = 0
	_, err = Normalize(raw, time.Now().UTC())
	assert.Error(t, err)
}

func TestNormalizePlainBody(t *testing.T) {
	raw := rawFixture()
	raw.Raw = []byte("Subject: x\r\n\r\nplain body")

	msg, err := Normalize(raw, time.Now().UTC())
	require.NoError(t, err)
	assert.Contains(t, msg.Body, "plain body")
}
