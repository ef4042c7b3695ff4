// Package botserver serves the Feishu event callbacks and raw mail
// downloads over HTTP.
package botserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gfreezy/mailhook/feishu"
	"github.com/gfreezy/mailhook/internal/logging"
	"github.com/gfreezy/mailhook/store"
)

// Store is the persistence surface the bot server needs.
type Store interface {
	AddChat(ctx context.Context, chatID string) error
	RemoveChat(ctx context.Context, chatID string) error
	MailAddress(ctx context.Context, chatID string) (string, error)
	GetMail(ctx context.Context, id string) ([]byte, error)
}

// Messenger sends and replies to chat messages.
type Messenger interface {
	SendText(ctx context.Context, chatID, text string) error
	ReplyText(ctx context.Context, messageID, text string) error
}

// Verifier checks mail download URL signatures.
type Verifier interface {
	Verify(id, ts, sign string) bool
}

const (
	replyMentionMe   = "请在群中@我"
	replyMailAddress = "邮箱地址：%s\n\n这个邮箱的邮件会自动转发到当前群"
	announceAddress  = "Email address: %s"
)

type Server struct {
	addr       string
	store      Store
	messenger  Messenger
	verifier   Verifier
	logger     *slog.Logger
	httpServer *http.Server
	listener   net.Listener
	readyChan  chan struct{}
}

type OptionFunc func(*Server) error

func WithLogger(logger *slog.Logger) OptionFunc {
	return func(s *Server) error {
		if logger == nil {
			logger = logging.Discard()
		}
		s.logger = logger
		return nil
	}
}

func NewServer(bind string, st Store, messenger Messenger, verifier Verifier, options ...OptionFunc) (*Server, error) {
	s := &Server{
		addr:      bind,
		store:     st,
		messenger: messenger,
		verifier:  verifier,
		logger:    logging.Discard(),
		readyChan: make(chan struct{}),
	}
	for _, option := range options {
		if err := option(s); err != nil {
			return nil, err
		}
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler builds the HTTP routing table.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.logRequests)
	r.Get("/", s.handleIndex)
	r.Post("/challenge", s.handleChallenge)
	r.Post("/event", s.handleEvent)
	r.Get("/mail/{id}", s.handleMail)
	return r
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.readyChan
}

// Addr returns the bound address, once Ready.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve listens on the configured address and blocks until ctx is
// cancelled or the server fails.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	close(s.readyChan)
	s.logger.Info("bot server listening", slog.String("addr", ln.Addr().String()))

	errChan := make(chan error, 1)
	go func() {
		errChan <- s.httpServer.Serve(ln)
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errChan:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)
		s.logger.Info("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	fmt.Fprint(w, "hello")
}

// handleChallenge echoes back the URL-verification challenge.
func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Challenge string `json:"challenge"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"challenge": req.Challenge})
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req feishu.EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("event", slog.String("event_type", req.EventType()))
	if req.IsChallenge() {
		writeJSON(w, http.StatusOK, map[string]string{"challenge": req.Challenge})
		return
	}

	event, err := req.DecodeEvent()
	if err == nil {
		switch e := event.(type) {
		case *feishu.BotChangeEvent:
			err = s.onBotChange(r.Context(), req.EventType(), e)
		case *feishu.MessageReceivedEvent:
			err = s.onMessage(r.Context(), e)
		}
	}
	if err != nil {
		s.logger.Error("failed to handle event", slog.String("event_type", req.EventType()), slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, "ok")
}

// onBotChange registers or unregisters a chat when the bot joins or leaves
// it. On join the chat's fresh mail address is announced in the chat;
// announcement failures do not fail the event.
func (s *Server) onBotChange(ctx context.Context, eventType string, e *feishu.BotChangeEvent) error {
	switch eventType {
	case feishu.EventTypeBotAdded:
		if err := s.store.AddChat(ctx, e.ChatID); err != nil {
			return err
		}
		addr, err := s.store.MailAddress(ctx, e.ChatID)
		if err != nil {
			return err
		}
		if err := s.messenger.SendText(ctx, e.ChatID, fmt.Sprintf(announceAddress, addr)); err != nil {
			s.logger.Error("failed to announce mail address", slog.String("chat_id", e.ChatID), slog.Any("error", err))
		}
		return nil
	case feishu.EventTypeBotRemoved:
		return s.store.RemoveChat(ctx, e.ChatID)
	default:
		return fmt.Errorf("unexpected bot change event type %q", eventType)
	}
}

// onMessage answers @mentions with the chat's mail address; direct messages
// get pointed to a group instead, since mail can only target group chats.
func (s *Server) onMessage(ctx context.Context, e *feishu.MessageReceivedEvent) error {
	var text string
	switch e.Message.ChatType {
	case feishu.ChatTypeP2P:
		text = replyMentionMe
	case feishu.ChatTypeGroup:
		addr, err := s.store.MailAddress(ctx, e.Message.ChatID)
		if err != nil {
			return err
		}
		text = fmt.Sprintf(replyMailAddress, addr)
	default:
		return fmt.Errorf("unexpected chat type %q", e.Message.ChatType)
	}
	return s.messenger.ReplyText(ctx, e.Message.MessageID, text)
}

// handleMail serves the archived raw message as an .eml download, guarded
// by the URL signature.
func (s *Server) handleMail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ts := r.URL.Query().Get("ts")
	sign := r.URL.Query().Get("sign")
	if !s.verifier.Verify(id, ts, sign) {
		http.Error(w, "invalid sign", http.StatusForbidden)
		return
	}
	data, err := s.store.GetMail(r.Context(), id)
	if errors.Is(err, store.ErrMailNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".eml"))
	w.Write(data)
}
