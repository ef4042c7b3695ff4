package types

import (
	"context"
)

// Hook consumes mail accepted by the SMTP server.
// AcceptRecipient is consulted at RCPT time; returning false rejects the
// recipient before any message data is transferred.
// HandleMail is invoked once per transaction with the full recipient list.
type Hook interface {
	AcceptRecipient(rcpt string) bool
	HandleMail(ctx context.Context, mail Mail, delivery *Delivery) error
}
