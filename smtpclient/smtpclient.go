// Package smtpclient submits mail over SMTP, either to an explicitly
// configured next hop or to hosts discovered through MX resolution.
package smtpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"slices"
	"strconv"
	"time"

	"blitiri.com.ar/go/spf"

	"github.com/gfreezy/mailhook/internal/logging"
)

const (
	portSMTP            = 25
	portSMTPImplicitTLS = 465
)

var defaultPorts = [2]int{portSMTP, portSMTPImplicitTLS}

type Client struct {
	resolver                spf.DNSResolver
	connTimeout             time.Duration
	logger                  *slog.Logger
	resolutionRetryCount    int
	resolutionRetryInterval time.Duration
	ports                   []int
	hostname                string
	nextHop                 string
	nextHopImplicitTLS      bool
	tlsConfig               *tls.Config
}

type OptionFunc func(*Client) error

func WithTLSConfig(config *tls.Config) OptionFunc {
	return func(client *Client) error {
		client.tlsConfig = config
		return nil
	}
}

func WithResolver(resolver spf.DNSResolver) OptionFunc {
	return func(client *Client) error {
		client.resolver = resolver
		return nil
	}
}

func WithLogger(logger *slog.Logger) OptionFunc {
	return func(client *Client) error {
		if logger == nil {
			logger = logging.Discard()
		}
		client.logger = logger
		return nil
	}
}

func WithConnTimeout(timeout time.Duration) OptionFunc {
	return func(client *Client) error {
		client.connTimeout = timeout
		return nil
	}
}

func WithResolutionRetryCount(count int) OptionFunc {
	return func(client *Client) error {
		client.resolutionRetryCount = count
		return nil
	}
}

func WithPorts(ports ...int) OptionFunc {
	return func(client *Client) error {
		client.ports = ports
		return nil
	}
}

// WithNextHop routes all mail to the given host:port pair instead of
// resolving the recipient domain's MX records.
func WithNextHop(nextHop string) OptionFunc {
	return func(client *Client) error {
		client.nextHop = nextHop
		return nil
	}
}

func WithNextHopImplicitTLS(enabled bool) OptionFunc {
	return func(client *Client) error {
		client.nextHopImplicitTLS = enabled
		return nil
	}
}

func NewClient(hostname string, options ...OptionFunc) (*Client, error) {
	client := &Client{
		resolver:                &net.Resolver{},
		connTimeout:             5 * time.Second,
		logger:                  logging.Discard(),
		resolutionRetryCount:    3,
		resolutionRetryInterval: 1 * time.Second,
		ports:                   defaultPorts[:1],
		hostname:                hostname,
		tlsConfig:               new(tls.Config),
	}
	for _, option := range options {
		if err := option(client); err != nil {
			return nil, err
		}
	}
	return client, nil
}

func (client *Client) lookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	interval := client.resolutionRetryInterval
	for i := 0; i < client.resolutionRetryCount; i++ {
		records, err := client.resolver.LookupMX(ctx, name)
		if err == nil {
			return records, nil
		}
		if err, ok := err.(net.Error); ok && err.Temporary() {
			time.Sleep(interval)
			interval *= 2
		} else {
			return nil, err
		}
	}
	return nil, fmt.Errorf("failed to lookup MX records for %s: retry count exceeded", name)
}

func (client *Client) lookupIPAddr(ctx context.Context, name string) ([]net.IPAddr, error) {
	interval := client.resolutionRetryInterval
	for i := 0; i < client.resolutionRetryCount; i++ {
		addrs, err := client.resolver.LookupIPAddr(ctx, name)
		if err == nil {
			return addrs, nil
		}
		if err, ok := err.(net.Error); ok && err.Temporary() {
			time.Sleep(interval)
			interval *= 2
		} else {
			return nil, err
		}
	}
	return nil, fmt.Errorf("failed to lookup A/AAAA records for %s: retry count exceeded", name)
}

// connectToDomain picks an MX host for domain, preferring lower preference
// values, and dials the first address that answers on any configured port.
func (client *Client) connectToDomain(ctx context.Context, domain string) (string, net.Conn, error) {
	logger := client.logger.With(slog.String("domain", domain))

	records, err := client.lookupMX(ctx, domain)
	if err != nil {
		return "", nil, err
	}
	records = slices.Clone(records)
	slices.SortFunc(records, func(a, b *net.MX) int {
		return int(a.Pref) - int(b.Pref)
	})

	var conn net.Conn
	var selectedHost string
	var port int
	for _, record := range records {
		logger := logger.With(slog.String("host", record.Host))
		addrs, err := client.lookupIPAddr(ctx, record.Host)
		if err != nil {
			logger.WarnContext(ctx, "failed to lookup host", slog.Any("error", err))
			continue
		}
	outer:
		for _, _port := range client.ports {
			for _, addr := range addrs {
				hostPort := net.JoinHostPort(addr.String(), strconv.Itoa(_port))
				logger.Debug("connecting", slog.String("address", hostPort))
				conn, err = (&net.Dialer{Timeout: client.connTimeout}).DialContext(ctx, "tcp", hostPort)
				if err == nil {
					port = _port
					break outer
				}
				logger.WarnContext(ctx, "failed to connect", slog.String("address", hostPort), slog.Any("error", err))
			}
		}
		if err == nil && conn != nil {
			selectedHost = record.Host
			break
		}
	}
	if conn == nil {
		return "", nil, fmt.Errorf("no hosts available for %s", domain)
	}

	if port == portSMTPImplicitTLS {
		tlsConfig := client.tlsConfig.Clone()
		tlsConfig.ServerName = selectedHost
		conn = tls.Client(conn, tlsConfig)
	}
	return selectedHost, conn, nil
}

func (client *Client) connect(ctx context.Context, domain string) (string, net.Conn, error) {
	if client.nextHop == "" {
		return client.connectToDomain(ctx, domain)
	}
	conn, err := (&net.Dialer{Timeout: client.connTimeout}).DialContext(ctx, "tcp", client.nextHop)
	if err != nil {
		return "", nil, err
	}
	serverName := client.nextHop
	if host, _, err := net.SplitHostPort(client.nextHop); err == nil {
		serverName = host
	}
	if client.nextHopImplicitTLS {
		tlsConfig := client.tlsConfig.Clone()
		tlsConfig.ServerName = serverName
		conn = tls.Client(conn, tlsConfig)
	}
	return serverName, conn, nil
}

// SendMails submits mails over a single SMTP session and closes it on every
// exit path. An error leaves no partial delivery state behind in the client.
func (client *Client) SendMails(ctx context.Context, domain string, mails []Mail) error {
	logger := client.logger.With(slog.String("domain", domain))

	host, conn, err := client.connect(ctx, domain)
	if err != nil {
		return err
	}

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()
	if err := c.Hello(client.hostname); err != nil {
		return err
	}
	if ok, _ := c.Extension("STARTTLS"); ok {
		logger.Debug("starttls")
		tlsConfig := client.tlsConfig.Clone()
		tlsConfig.ServerName = host
		if err := c.StartTLS(tlsConfig); err != nil {
			return err
		}
	}
	for _, mail := range mails {
		logger := logger.With(slog.String("sender", mail.Sender()), slog.Any("recipients", mail.Recipients()))
		logger.Debug("mail from")
		if err := c.Mail(mail.Sender()); err != nil {
			return err
		}
		logger.Debug("rcpt to")
		for _, rcpt := range mail.Recipients() {
			if err := c.Rcpt(rcpt); err != nil {
				return err
			}
		}
		logger.Debug("data")
		if err := submitData(c, mail.Data()); err != nil {
			return err
		}
	}
	return c.Quit()
}

func submitData(c *smtp.Client, data []byte) error {
	w, err := c.Data()
	if err != nil {
		return err
	}
	defer w.Close()
	_, err = w.Write(data)
	return err
}
