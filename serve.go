// Package mailhook implements an SMTP server that hands accepted mail to a
// delivery hook.
package mailhook

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"blitiri.com.ar/go/spf"
	"github.com/emersion/go-msgauth/dkim"
	"github.com/mhale/smtpd"
	"golang.org/x/sync/errgroup"

	"github.com/gfreezy/mailhook/internal/logging"
	"github.com/gfreezy/mailhook/types"
)

const appName = "mailhook"

type serverListenerPair struct {
	s         *smtpd.Server
	readyChan chan *serverListenerPair
	l         net.Listener
}

func (pair *serverListenerPair) Valid() bool {
	return pair.s != nil
}

func (pair *serverListenerPair) Ready() <-chan *serverListenerPair {
	return pair.readyChan
}

func (pair *serverListenerPair) setListener(l net.Listener) {
	pair.l = l
	pair.readyChan <- pair
}

func newServerListenerPair(s *smtpd.Server) serverListenerPair {
	return serverListenerPair{s: s, readyChan: make(chan *serverListenerPair)}
}

type Server struct {
	addr           string
	implicitAddr   string
	appname        string
	hostname       string
	resolver       spf.DNSResolver
	verifySPF      bool
	verifyDKIM     bool
	tlsConfig      *tls.Config
	logger         *slog.Logger
	server         serverListenerPair
	serverImplicit serverListenerPair
	hook           types.Hook
	readyChan      chan struct{}
}

type OptionFunc func(s *Server) error

func WithHostname(hostname string) OptionFunc {
	return func(s *Server) error {
		s.hostname = hostname
		return nil
	}
}

func WithTLSConfig(tlsConfig *tls.Config) OptionFunc {
	return func(s *Server) error {
		s.tlsConfig = tlsConfig
		return nil
	}
}

func WithResolver(r spf.DNSResolver) OptionFunc {
	return func(s *Server) error {
		s.resolver = r
		return nil
	}
}

// WithSPFVerification makes the server check the sender's SPF record at RCPT
// time and reject recipients on a hard fail.
func WithSPFVerification(enabled bool) OptionFunc {
	return func(s *Server) error {
		s.verifySPF = enabled
		return nil
	}
}

// WithDKIMVerification makes the server verify DKIM signatures at DATA time.
func WithDKIMVerification(enabled bool) OptionFunc {
	return func(s *Server) error {
		s.verifyDKIM = enabled
		return nil
	}
}

func WithLogger(logger *slog.Logger) OptionFunc {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

func (s *Server) newSmtpdServerProto(addr string, tlsListener bool) *smtpd.Server {
	return &smtpd.Server{
		Appname:     s.appname,
		Hostname:    s.hostname,
		TLSConfig:   s.tlsConfig,
		Addr:        addr,
		TLSListener: tlsListener,
	}
}

// NewServer builds an SMTP server listening on bind and, when
// bindImplicitTLS is not empty, on a second implicit-TLS listener. Accepted
// mail is handed to hook.
func NewServer(bind, bindImplicitTLS string, hook types.Hook, options ...OptionFunc) (*Server, error) {
	s := &Server{
		addr:         bind,
		implicitAddr: bindImplicitTLS,
		appname:      appName,
		hostname:     "",
		resolver:     &net.Resolver{},
		logger:       logging.Discard(),
		hook:         hook,
		readyChan:    make(chan struct{}),
	}
	for _, option := range options {
		if err := option(s); err != nil {
			return nil, err
		}
	}
	s.server = newServerListenerPair(s.newSmtpdServerProto(s.addr, false))
	if s.implicitAddr != "" {
		s.serverImplicit = newServerListenerPair(s.newSmtpdServerProto(s.implicitAddr, true))
	}
	return s, nil
}

func ipPart(addr net.Addr) net.IP {
	switch addr := addr.(type) {
	case *net.TCPAddr:
		return addr.IP
	case *net.UDPAddr:
		return addr.IP
	case *net.IPAddr:
		return addr.IP
	default:
		return nil
	}
}

func (s *Server) handlerInner(ctx context.Context, origin net.Addr, from string, to []string, data []byte) error {
	if s.verifyDKIM {
		results, err := dkim.VerifyWithOptions(
			bytes.NewReader(data),
			&dkim.VerifyOptions{
				LookupTXT: func(domain string) ([]string, error) {
					return s.resolver.LookupTXT(ctx, domain)
				},
			},
		)
		if err != nil {
			return fmt.Errorf("error occurred during DKIM verification: %w", err)
		}
		for _, v := range results {
			if v.Err != nil {
				return fmt.Errorf("DKIM verification failed: %w", v.Err)
			}
		}
	}
	err := s.hook.HandleMail(
		ctx,
		types.NewMail(from, to, data),
		&types.Delivery{
			RemoteAddr: origin.String(),
			Host:       s.hostname,
			Protocol:   "ESMTP",
			Timestamp:  time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to handle mail: %w", err)
	}
	return nil
}

func (s *Server) rcptHandlerInner(ctx context.Context, logger *slog.Logger, origin net.Addr, from string, to string) (bool, error) {
	if s.verifySPF {
		result, err := spf.CheckHostWithSender(
			ipPart(origin),
			"",
			from,
			spf.WithResolver(s.resolver),
			spf.WithContext(ctx),
			spf.WithTraceFunc(func(s string, args ...interface{}) {
				logger.Debug("spf trace", slog.String("text", fmt.Sprintf(s, args...)))
			}),
		)
		if err != nil {
			switch err {
			case spf.ErrMatchedAll, spf.ErrMatchedA, spf.ErrMatchedIP, spf.ErrMatchedMX, spf.ErrMatchedPTR, spf.ErrMatchedExists:
				break
			default:
				return false, fmt.Errorf("error occurred during verifying SPF record: %w", err)
			}
		}
		if result == spf.Fail {
			return false, fmt.Errorf("SPF fail")
		}
	}
	return s.hook.AcceptRecipient(to), nil
}

func (s *Server) handler(ctx context.Context, origin net.Addr, from string, to []string, data []byte) error {
	logger := s.logger.With(slog.String("origin", origin.String()), slog.String("from", from), slog.Any("to", to), slog.Any("size", len(data)))
	err := s.handlerInner(ctx, origin, from, to, data)
	if err != nil {
		logger.Error("failed to handle mail", slog.Any("error", err))
	}
	return err
}

func (s *Server) rcptHandler(ctx context.Context, origin net.Addr, from string, to string) bool {
	logger := s.logger.With(slog.String("origin", origin.String()), slog.String("from", from), slog.String("to", to))
	ok, err := s.rcptHandlerInner(ctx, logger, origin, from, to)
	if err != nil {
		logger.Error("failed to check recipient", slog.Any("error", err))
		return false
	}
	return ok
}

func (s *Server) Shutdown(ctx context.Context) error {
	eg, innerCtx := errgroup.WithContext(ctx)
	if s.server.Valid() {
		s.server.l.Close()
		eg.Go(func() error { return s.server.s.Shutdown(innerCtx) })
	}
	if s.serverImplicit.Valid() {
		s.serverImplicit.l.Close()
		eg.Go(func() error { return s.serverImplicit.s.Shutdown(innerCtx) })
	}
	return eg.Wait()
}

type listenerWithContext struct {
	net.Listener
	ctx    context.Context
	cancel context.CancelFunc
}

func (l *listenerWithContext) Close() error {
	err := l.Listener.Close()
	l.cancel()
	return err
}

func (l *listenerWithContext) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			l.cancel()
		}
	}
	return conn, err
}

func wrapListener(ctx context.Context, ln net.Listener) *listenerWithContext {
	ctx, cancel := context.WithCancel(ctx)
	inner := &listenerWithContext{
		Listener: ln,
		ctx:      ctx,
		cancel:   cancel,
	}
	go func() {
		<-ctx.Done()
		inner.Close()
	}()
	return inner
}

func (s *Server) listenAndServe(ctx context.Context, slp *serverListenerPair) error {
	if slp.s.Hostname == "" {
		slp.s.Hostname, _ = os.Hostname()
	}
	if slp.s.Timeout == 0 {
		slp.s.Timeout = 5 * time.Minute
	}

	// If TLSListener is enabled, listen for TLS connections only.
	ln, err := net.Listen("tcp", slp.s.Addr)
	if err != nil {
		return err
	}
	ln = wrapListener(ctx, ln)
	if slp.s.TLSConfig != nil && slp.s.TLSListener {
		ln = tls.NewListener(ln, slp.s.TLSConfig)
	}
	slp.s.Handler = func(origin net.Addr, from string, to []string, data []byte) error {
		return s.handler(ctx, origin, from, to, data)
	}
	slp.s.HandlerRcpt = func(origin net.Addr, from string, to string) bool {
		return s.rcptHandler(ctx, origin, from, to)
	}
	slp.setListener(ln)
	return slp.s.Serve(ln)
}

// Ready is closed once all configured listeners are bound.
func (s *Server) Ready() <-chan struct{} {
	return s.readyChan
}

// Addr returns the bound address of the plaintext listener, once Ready.
func (s *Server) Addr() net.Addr {
	return s.server.l.Addr()
}

func (s *Server) Serve(ctx context.Context) error {
	eg, innerCtx := errgroup.WithContext(ctx)
	readyChans := make([]<-chan *serverListenerPair, 0, 2)
	for _, slp := range []*serverListenerPair{&s.server, &s.serverImplicit} {
		if !slp.Valid() {
			continue
		}
		slp := slp
		go func() {
			<-innerCtx.Done()
			if slp.l != nil {
				slp.l.Close()
			}
		}()
		eg.Go(func() error {
			err := s.listenAndServe(innerCtx, slp)
			if err != nil && errors.Is(err, net.ErrClosed) {
				err = nil
			}
			return err
		})
		readyChans = append(readyChans, slp.Ready())
	}
	readyServers := make([]*serverListenerPair, 0, 2)
outer:
	for _, readyChan := range readyChans {
		select {
		case <-innerCtx.Done():
			for _, slp := range readyServers {
				if err := slp.l.Close(); err != nil {
					s.logger.Warn("failed to close listener", slog.Any("error", err))
				}
				if err := slp.s.Close(); err != nil {
					s.logger.Warn("failed to close server", slog.Any("error", err))
				}
			}
			break outer
		case slp := <-readyChan:
			readyServers = append(readyServers, slp)
		}
	}
	close(s.readyChan)
	return eg.Wait()
}
