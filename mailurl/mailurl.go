// Package mailurl generates and verifies signed download URLs for stored
// raw mail.
package mailurl

import (
	"crypto/md5"
	"crypto/subtle"
	"fmt"
	"strconv"
	"time"
)

// Generator signs mail download URLs with md5(id + ts + secret). The scheme
// ties a link to the shared secret without making the store reachable
// unauthenticated.
type Generator struct {
	domain string
	secret string
	now    func() time.Time
}

func NewGenerator(domain, secret string) *Generator {
	return &Generator{
		domain: domain,
		secret: secret,
		now:    time.Now,
	}
}

// URL returns the signed download URL for a stored mail id.
func (g *Generator) URL(id string) string {
	ts := strconv.FormatInt(g.now().Unix(), 10)
	return fmt.Sprintf("http://%s/mail/%s?ts=%s&sign=%s", g.domain, id, ts, g.sign(id, ts))
}

// Verify reports whether sign matches the signature for id and ts.
func (g *Generator) Verify(id, ts, sign string) bool {
	expected := g.sign(id, ts)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(sign)) == 1
}

func (g *Generator) sign(id, ts string) string {
	digest := md5.Sum([]byte(id + ts + g.secret))
	return fmt.Sprintf("%x", digest)
}
