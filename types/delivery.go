package types

import (
	"time"
)

// Delivery carries reception metadata for a single SMTP transaction.
type Delivery struct {
	RemoteAddr string
	Host       string
	Protocol   string
	Timestamp  time.Time
}
