package email

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const plainMessage = "From: Alice Example <alice@example.com>\r\n" +
	"Reply-To: alice+replies@example.com\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: =?UTF-8?Q?Quarterly_r=C3=A9view?=\r\n" +
	"Date: Mon, 13 Jan 2025 09:30:00 +0000\r\n" +
	"Message-ID: <q1@example.com>\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Hi Bob,\r\n\r\n\r\n\r\nPlease send the numbers by Friday.   \r\n"

const htmlMessage = "From: news@example.com\r\n" +
	"Subject: Weekly news\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/alternative; boundary=BOUNDARY\r\n" +
	"\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<html><head><style>p{color:red}</style></head><body><h1>Top   stories</h1><p>First item</p><ul><li>one</li><li>two</li></ul><script>alert(1)</script></body></html>\r\n" +
	"--BOUNDARY--\r\n"

func TestNormalizePlainText(t *testing.T) {
	n := NewNormalizer(0)
	internal := time.Date(2025, 1, 13, 9, 31, 0, 0, time.UTC)

	msg, err := n.Normalize(RawMessage{
		ID:           "12",
		Folder:       "INBOX",
		InternalDate: internal,
		From:         "envelope@example.com",
		Subject:      "envelope subject",
		Body:         []byte(plainMessage),
	})
	require.NoError(t, err)

	assert.Equal(t, "12", msg.ID)
	assert.Equal(t, "INBOX", msg.Folder)
	assert.Equal(t, "Alice Example <alice@example.com>", msg.Sender)
	assert.Equal(t, "alice+replies@example.com", msg.ReplyTo)
	assert.Equal(t, "Quarterly réview", msg.Subject)
	assert.Equal(t, "q1@example.com", msg.MessageID)
	assert.Equal(t, internal, msg.ReceivedAt)
	assert.Equal(t, "Hi Bob,\n\nPlease send the numbers by Friday.", msg.BodyText)
	assert.Equal(t, SizeSmall, msg.SizeClass)
	assert.False(t, msg.Truncated)
	assert.False(t, msg.DecodeFailed)
}

func TestNormalizeHTMLOnly(t *testing.T) {
	msg, err := NewNormalizer(0).Normalize(RawMessage{ID: "3", Body: []byte(htmlMessage)})
	require.NoError(t, err)

	assert.Equal(t, "Top stories\n\nFirst item\n\n- one\n\n- two", msg.BodyText)
	assert.NotContains(t, msg.BodyText, "alert")
	assert.NotContains(t, msg.BodyText, "color")
	assert.False(t, msg.DecodeFailed)
}

func TestNormalizeFallsBackToHeaderDate(t *testing.T) {
	msg, err := NewNormalizer(0).Normalize(RawMessage{ID: "5", Body: []byte(plainMessage)})
	require.NoError(t, err)
	assert.True(t, msg.ReceivedAt.Equal(time.Date(2025, 1, 13, 9, 30, 0, 0, time.UTC)))
}

func TestNormalizeTruncates(t *testing.T) {
	body := strings.Repeat("a", 1500)
	raw := "Subject: long\r\nContent-Type: text/plain\r\n\r\n" + body

	msg, err := NewNormalizer(1000).Normalize(RawMessage{ID: "9", Body: []byte(raw)})
	require.NoError(t, err)

	assert.True(t, msg.Truncated)
	assert.Equal(t, SizeMedium, msg.SizeClass)
	assert.True(t, strings.HasPrefix(msg.BodyText, strings.Repeat("a", 1000)))
	assert.True(t, strings.HasSuffix(msg.BodyText, "[truncated: 500 more characters]"))
}

func TestNormalizeDecodeFailure(t *testing.T) {
	raw := "From: broken@example.com\r\n" +
		"Subject: broken\r\n" +
		"Content-Type: multipart/mixed; boundary=XYZ\r\n" +
		"\r\n" +
		"--XYZ\r\n" +
		"Content-Type: text/plain\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		"!!!! not base64 !!!!\r\n" +
		"--XYZ--\r\n"

	msg, err := NewNormalizer(0).Normalize(RawMessage{ID: "8", Subject: "envelope", Body: []byte(raw)})
	require.NoError(t, err)

	assert.True(t, msg.DecodeFailed)
	assert.Empty(t, msg.BodyText)
	assert.Equal(t, "broken", msg.Subject)
}

func TestNormalizeBodyUnavailable(t *testing.T) {
	msg, err := NewNormalizer(0).Normalize(RawMessage{
		ID:      "9",
		From:    "carol@example.com",
		Subject: "envelope only",
		BodyErr: errors.New("connection reset"),
	})
	require.NoError(t, err)

	assert.True(t, msg.DecodeFailed)
	assert.Empty(t, msg.BodyText)
	assert.Equal(t, "envelope only", msg.Subject)
	assert.Equal(t, "carol@example.com", msg.Sender)
}

func TestNormalizeMissingID(t *testing.T) {
	_, err := NewNormalizer(0).Normalize(RawMessage{Body: []byte(plainMessage)})
	assert.ErrorIs(t, err, ErrMissingID)
}

func TestNormalizeDeterministic(t *testing.T) {
	n := NewNormalizer(100)
	raw := RawMessage{ID: "1", Body: []byte(htmlMessage)}

	a, err := n.Normalize(raw)
	require.NoError(t, err)
	b, err := n.Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestClassifySize(t *testing.T) {
	assert.Equal(t, SizeSmall, ClassifySize(0))
	assert.Equal(t, SizeSmall, ClassifySize(999))
	assert.Equal(t, SizeMedium, ClassifySize(1000))
	assert.Equal(t, SizeLarge, ClassifySize(8000))
}

func TestMessageReplyHelpers(t *testing.T) {
	m := Message{Subject: "Lunch", Sender: "a@example.com"}
	assert.Equal(t, "Re: Lunch", m.ReplySubject())
	assert.Equal(t, "a@example.com", m.ReplyAddress())

	m = Message{Subject: "RE: Lunch", Sender: "a@example.com", ReplyTo: "b@example.com"}
	assert.Equal(t, "RE: Lunch", m.ReplySubject())
	assert.Equal(t, "b@example.com", m.ReplyAddress())
}
