// Package mailtext extracts the subject and a best-effort plain text body
// from a raw RFC 5322 message.
package mailtext

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
)

var wordDecoder = mime.WordDecoder{}

// Extract parses raw mail bytes and returns the decoded subject and the
// message's plain text body. Multipart messages are walked recursively; a
// text/plain part wins over text/html, and an HTML-only message falls back
// to the raw HTML text.
func Extract(raw []byte) (subject, body string, err error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return "", "", fmt.Errorf("failed to parse mail: %w", err)
	}
	subject = msg.Header.Get("Subject")
	if decoded, err := wordDecoder.DecodeHeader(subject); err == nil {
		subject = decoded
	}
	plain, html := extractBody(msg.Header.Get("Content-Type"), msg.Header.Get("Content-Transfer-Encoding"), msg.Body)
	if plain == "" {
		plain = html
	}
	return subject, plain, nil
}

// extractBody returns the first text/plain and text/html payloads found
// under the given content type, descending into multipart containers.
func extractBody(contentType, transferEncoding string, r io.Reader) (plain, html string) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// No or malformed Content-Type: treat the payload as plain text.
		b, _ := io.ReadAll(r)
		return decodeBody(b, transferEncoding), ""
	}

	switch {
	case strings.HasPrefix(mediaType, "multipart/"):
		mr := multipart.NewReader(r, params["boundary"])
		for {
			p, err := mr.NextPart()
			if err != nil {
				break
			}
			subPlain, subHTML := extractBody(p.Header.Get("Content-Type"), p.Header.Get("Content-Transfer-Encoding"), p)
			if plain == "" {
				plain = subPlain
			}
			if html == "" {
				html = subHTML
			}
			if plain != "" {
				break
			}
		}
	case strings.HasPrefix(mediaType, "text/html"):
		b, _ := io.ReadAll(r)
		html = decodeBody(b, transferEncoding)
	case strings.HasPrefix(mediaType, "text/"):
		b, _ := io.ReadAll(r)
		plain = decodeBody(b, transferEncoding)
	}
	return plain, html
}

func decodeBody(body []byte, transferEncoding string) string {
	switch strings.ToLower(strings.TrimSpace(transferEncoding)) {
	case "quoted-printable":
		decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(body)))
		if err != nil {
			return string(body)
		}
		return string(decoded)
	case "base64":
		compact := strings.Map(func(r rune) rune {
			if r == '\r' || r == '\n' {
				return -1
			}
			return r
		}, string(body))
		decoded, err := base64.StdEncoding.DecodeString(compact)
		if err != nil {
			return string(body)
		}
		return string(decoded)
	default:
		return string(body)
	}
}
