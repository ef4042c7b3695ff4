// Package hook implements the delivery pipeline for accepted mail: archive
// the raw message, then notify the Feishu chats addressed by it.
package hook

import (
	"context"
	"log/slog"
	"net/mail"
	"strings"

	"github.com/google/uuid"

	"github.com/gfreezy/mailhook/feishu"
	"github.com/gfreezy/mailhook/internal/logging"
	"github.com/gfreezy/mailhook/internal/mailtext"
	"github.com/gfreezy/mailhook/types"
)

// Store is the persistence surface the hook needs.
type Store interface {
	SaveMail(ctx context.Context, id string, data []byte) error
	ChatExists(ctx context.Context, chatID string) bool
	MailDomain() string
}

// Notifier delivers chat notifications.
type Notifier interface {
	SendMessage(ctx context.Context, receiver feishu.ReceiverID, msg feishu.Message) error
}

// URLSigner produces the signed download link for a stored mail id.
type URLSigner interface {
	URL(id string) string
}

type Hook struct {
	store    Store
	notifier Notifier
	signer   URLSigner
	logger   *slog.Logger
	newID    func() string
}

var _ types.Hook = (*Hook)(nil)

type OptionFunc func(*Hook) error

func WithLogger(logger *slog.Logger) OptionFunc {
	return func(h *Hook) error {
		if logger == nil {
			logger = logging.Discard()
		}
		h.logger = logger
		return nil
	}
}

func New(store Store, notifier Notifier, signer URLSigner, options ...OptionFunc) (*Hook, error) {
	h := &Hook{
		store:    store,
		notifier: notifier,
		signer:   signer,
		logger:   logging.Discard(),
		newID:    uuid.NewString,
	}
	for _, option := range options {
		if err := option(h); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// AcceptRecipient accepts recipients of the form <anything>@<mail domain>.
// Unknown chat ids are still accepted; whether a notification goes out is
// decided at delivery time, and the mail is archived either way.
func (h *Hook) AcceptRecipient(rcpt string) bool {
	_, domain, ok := splitAddress(rcpt)
	return ok && strings.EqualFold(domain, h.store.MailDomain())
}

// HandleMail archives the mail and notifies every addressed chat that is
// registered. Failures are logged and never fail the SMTP transaction; the
// sender is not the party that can fix them.
func (h *Hook) HandleMail(ctx context.Context, m types.Mail, delivery *types.Delivery) error {
	logger := h.logger.With(slog.String("from", m.Sender()), slog.Any("to", m.Recipients()))
	if delivery != nil {
		logger = logger.With(slog.String("origin", delivery.RemoteAddr))
	}

	id := h.newID()
	var rawURL string
	if err := h.store.SaveMail(ctx, id, m.Data()); err != nil {
		logger.Error("failed to store mail", slog.Any("error", err))
	} else {
		rawURL = h.signer.URL(id)
		logger.Debug("stored mail", slog.String("mail_id", id))
	}

	subject, body, err := mailtext.Extract(m.Data())
	if err != nil {
		logger.Error("failed to extract text from mail", slog.Any("error", err))
		return nil
	}

	msg := buildNotification(subject, body, rawURL)
	for _, rcpt := range m.Recipients() {
		chatID, _, ok := splitAddress(rcpt)
		if !ok || !h.store.ChatExists(ctx, chatID) {
			logger.Debug("no chat for recipient", slog.String("rcpt", rcpt))
			continue
		}
		logger.Debug("notify", slog.String("chat_id", chatID))
		if err := h.notifier.SendMessage(ctx, feishu.ChatID(chatID), msg); err != nil {
			logger.Error("failed to notify chat", slog.String("chat_id", chatID), slog.Any("error", err))
		}
	}
	return nil
}

func buildNotification(subject, body, rawURL string) feishu.PostMessage {
	if subject == "" {
		subject = "(no subject)"
	}
	post := feishu.NewPost(subject)
	for _, line := range strings.Split(strings.TrimRight(body, "\r\n"), "\n") {
		post.Text(strings.TrimRight(line, "\r")).Line()
	}
	if rawURL != "" {
		post.Link("raw mail", rawURL)
	}
	return post.Build()
}

// splitAddress splits an SMTP recipient into local part and domain,
// tolerating the "Name <addr>" form.
func splitAddress(rcpt string) (local, domain string, ok bool) {
	addr := rcpt
	if parsed, err := mail.ParseAddress(rcpt); err == nil {
		addr = parsed.Address
	}
	local, domain, ok = strings.Cut(addr, "@")
	if local == "" || domain == "" {
		return "", "", false
	}
	return local, domain, ok
}
