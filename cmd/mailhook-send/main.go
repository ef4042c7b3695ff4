package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/gfreezy/mailhook/compose"
	"github.com/gfreezy/mailhook/smtpclient"
	"github.com/gfreezy/mailhook/types"
)

type CLI struct {
	Host        string        `name:"host" help:"SMTP server to submit to." default:"localhost"`
	Port        int           `name:"port" help:"SMTP server port." default:"25"`
	ImplicitTLS bool          `name:"implicit-tls" help:"Use implicit TLS for the connection." default:"false"`
	From        string        `name:"from" help:"Sender address." required:""`
	To          string        `name:"to" help:"Recipient address." required:""`
	Subject     string        `name:"subject" help:"Message subject." default:""`
	Body        string        `name:"body" help:"Plain text message body." default:""`
	Attach      []string      `name:"attach" help:"Path of a file to attach. May be repeated." optional:""`
	Hostname    string        `name:"hostname" help:"Host name to present in the SMTP greeting." optional:""`
	Timeout     time.Duration `name:"timeout" help:"Connection timeout." default:"30s"`
	LogLevel    slog.Level    `name:"log-level" help:"Log level." default:"INFO" enum:"DEBUG,INFO,WARN,ERROR"`
}

func (CLI *CLI) initLogger(*kong.Context) *slog.Logger {
	var handler slog.Handler
	if isatty.IsTerminal(os.Stdout.Fd()) {
		handler = tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{Level: CLI.LogLevel})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: CLI.LogLevel})
	}
	return slog.New(handler)
}

// buildMail assembles the message before anything touches the network, so a
// missing attachment aborts the run without a connection attempt.
func (CLI *CLI) buildMail(kongCtx *kong.Context) types.Mail {
	msg := compose.NewMessage(CLI.Subject, CLI.From, CLI.To, CLI.Body)
	for _, path := range CLI.Attach {
		if err := msg.AttachFile(path); err != nil {
			kongCtx.FatalIfErrorf(err)
		}
	}
	data, err := msg.Bytes()
	if err != nil {
		kongCtx.FatalIfErrorf(err)
	}
	return types.NewMail(CLI.From, []string{CLI.To}, data)
}

func (CLI *CLI) initSMTPClient(kongCtx *kong.Context, logger *slog.Logger) *smtpclient.Client {
	hostname := CLI.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	client, err := smtpclient.NewClient(
		hostname,
		smtpclient.WithLogger(logger),
		smtpclient.WithConnTimeout(CLI.Timeout),
		smtpclient.WithNextHop(net.JoinHostPort(CLI.Host, strconv.Itoa(CLI.Port))),
		smtpclient.WithNextHopImplicitTLS(CLI.ImplicitTLS),
	)
	if err != nil {
		kongCtx.FatalIfErrorf(err)
	}
	return client
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	var CLI CLI
	kongCtx := kong.Parse(&CLI)
	logger := CLI.initLogger(kongCtx)
	_, domain, ok := strings.Cut(CLI.To, "@")
	if !ok {
		kongCtx.FatalIfErrorf(fmt.Errorf("invalid recipient address: %s", CLI.To))
	}
	mail := CLI.buildMail(kongCtx)
	client := CLI.initSMTPClient(kongCtx, logger)
	if err := client.SendMails(ctx, domain, []smtpclient.Mail{mail}); err != nil {
		kongCtx.FatalIfErrorf(err)
	}
	logger.Info("mail submitted",
		slog.String("from", CLI.From),
		slog.String("to", CLI.To),
		slog.Int("attachments", len(CLI.Attach)),
	)
}
