// Package store persists the chat registry and the raw mail archive in
// SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gfreezy/mailhook/internal/logging"
)

// ErrMailNotFound is returned by GetMail for unknown mail ids.
var ErrMailNotFound = errors.New("mail not found")

const schema = `
CREATE TABLE IF NOT EXISTS chat (
	id TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS mail (
	id TEXT PRIMARY KEY,
	data BLOB NOT NULL,
	received_at TIMESTAMP NOT NULL
);
`

type Store struct {
	db         *sql.DB
	mailDomain string
	logger     *slog.Logger
}

type OptionFunc func(*Store) error

func WithLogger(logger *slog.Logger) OptionFunc {
	return func(s *Store) error {
		if logger == nil {
			logger = logging.Discard()
		}
		s.logger = logger
		return nil
	}
}

// Open opens (creating if necessary) the SQLite database at path and
// ensures the schema exists. mailDomain is the domain appended to chat ids
// when deriving their mail addresses.
func Open(path, mailDomain string, options ...OptionFunc) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", path, err)
	}
	// modernc.org/sqlite serializes writes per connection; a single
	// connection avoids SQLITE_BUSY between the SMTP and HTTP servers.
	db.SetMaxOpenConns(1)
	s := &Store{
		db:         db,
		mailDomain: mailDomain,
		logger:     logging.Discard(),
	}
	for _, option := range options {
		if err := option(s); err != nil {
			db.Close()
			return nil, err
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize store schema: %w", err)
	}
	return s, nil
}

// OpenInMemory opens a throwaway in-memory store.
func OpenInMemory(mailDomain string, options ...OptionFunc) (*Store, error) {
	return Open(":memory:", mailDomain, options...)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) AddChat(ctx context.Context, chatID string) error {
	res, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO chat (id) VALUES (?)", chatID)
	if err != nil {
		return fmt.Errorf("failed to add chat %s: %w", chatID, err)
	}
	inserted, _ := res.RowsAffected()
	s.logger.Debug("add chat", slog.String("chat_id", chatID), slog.Int64("inserted", inserted))
	return nil
}

func (s *Store) RemoveChat(ctx context.Context, chatID string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM chat WHERE id = ?", chatID)
	if err != nil {
		return fmt.Errorf("failed to remove chat %s: %w", chatID, err)
	}
	affected, _ := res.RowsAffected()
	s.logger.Debug("remove chat", slog.String("chat_id", chatID), slog.Int64("affected", affected))
	return nil
}

func (s *Store) ChatExists(ctx context.Context, chatID string) bool {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT count(0) FROM chat WHERE id = ?", chatID).Scan(&count)
	if err != nil {
		s.logger.Error("chat lookup failed", slog.String("chat_id", chatID), slog.Any("error", err))
		return false
	}
	return count > 0
}

// MailAddress returns the mail address for a chat, registering the chat
// first if it is not known yet.
func (s *Store) MailAddress(ctx context.Context, chatID string) (string, error) {
	if !s.ChatExists(ctx, chatID) {
		if err := s.AddChat(ctx, chatID); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("%s@%s", chatID, s.mailDomain), nil
}

func (s *Store) MailDomain() string {
	return s.mailDomain
}

func (s *Store) SaveMail(ctx context.Context, id string, data []byte) error {
	_, err := s.db.ExecContext(ctx, "INSERT INTO mail (id, data, received_at) VALUES (?, ?, ?)", id, data, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save mail %s: %w", id, err)
	}
	s.logger.Debug("save mail", slog.String("mail_id", id), slog.Int("size", len(data)))
	return nil
}

func (s *Store) GetMail(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM mail WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMailNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load mail %s: %w", id, err)
	}
	return data, nil
}
