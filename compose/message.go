// Package compose builds outbound multipart MIME messages: one text body
// plus any number of binary attachments.
package compose

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"os"
	"path/filepath"
	"time"
)

const base64LineLength = 76

type Attachment struct {
	Filename string
	Content  []byte
}

// Message is an outbound mail message. The address and subject headers are
// fixed at construction and rendered exactly once on serialization.
type Message struct {
	subject     string
	from        string
	to          string
	body        string
	attachments []Attachment
	now         func() time.Time
}

func NewMessage(subject, from, to, body string) *Message {
	return &Message{
		subject: subject,
		from:    from,
		to:      to,
		body:    body,
		now:     time.Now,
	}
}

func (m *Message) From() string {
	return m.from
}

func (m *Message) To() string {
	return m.to
}

// Attach appends one binary part. Attaching the same content under the same
// name twice produces two identical parts; nothing deduplicates them.
func (m *Message) Attach(filename string, content []byte) {
	m.attachments = append(m.attachments, Attachment{Filename: filename, Content: content})
}

// AttachFile reads path and attaches its contents under the path's base name.
func (m *Message) AttachFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read attachment: %w", err)
	}
	m.Attach(filepath.Base(path), content)
	return nil
}

// Bytes serializes the message as multipart/mixed with CRLF line endings,
// suitable for submission in an SMTP DATA phase.
func (m *Message) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s\r\n", m.from)
	fmt.Fprintf(&buf, "To: %s\r\n", m.to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", m.subject))
	fmt.Fprintf(&buf, "Date: %s\r\n", m.now().Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n", mw.Boundary())
	fmt.Fprintf(&buf, "\r\n")

	textHeader := textproto.MIMEHeader{}
	textHeader.Set("Content-Type", `text/plain; charset="utf-8"`)
	pw, err := mw.CreatePart(textHeader)
	if err != nil {
		return nil, err
	}
	if _, err := pw.Write([]byte(m.body)); err != nil {
		return nil, err
	}

	for _, a := range m.attachments {
		partHeader := textproto.MIMEHeader{}
		partHeader.Set("Content-Type", fmt.Sprintf("application/octet-stream; name=%q", a.Filename))
		partHeader.Set("Content-Transfer-Encoding", "base64")
		partHeader.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", a.Filename))
		pw, err := mw.CreatePart(partHeader)
		if err != nil {
			return nil, err
		}
		if err := writeBase64(pw, a.Content); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeBase64 encodes content as base64 wrapped at 76 columns with CRLF,
// per RFC 2045.
func writeBase64(w io.Writer, content []byte) error {
	encoded := base64.StdEncoding.EncodeToString(content)
	for len(encoded) > 0 {
		n := min(len(encoded), base64LineLength)
		if _, err := fmt.Fprintf(w, "%s\r\n", encoded[:n]); err != nil {
			return err
		}
		encoded = encoded[n:]
	}
	return nil
}
