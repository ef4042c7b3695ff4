package main

import (
	"context"
	"crypto/tls"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"

	mailhook "github.com/gfreezy/mailhook"
	"github.com/gfreezy/mailhook/botserver"
	"github.com/gfreezy/mailhook/feishu"
	"github.com/gfreezy/mailhook/hook"
	"github.com/gfreezy/mailhook/internal/yamlconf"
	"github.com/gfreezy/mailhook/mailurl"
	"github.com/gfreezy/mailhook/store"
)

type CLI struct {
	Bind            string          `name:"bind" help:"Address and port the SMTP server listens on." env:"MAILHOOK_BIND" default:"[::0]:25"`
	BindImplicitTLS string          `name:"bind-implicit-tls" help:"Address and port for implicit-TLS SMTP, if any." env:"MAILHOOK_BIND_IMPLICIT_TLS" optional:""`
	HTTPBind        string          `name:"http-bind" help:"Address and port the bot server listens on." env:"MAILHOOK_HTTP_BIND" default:"[::0]:8088"`
	MailDomain      string          `name:"mail-domain" help:"Domain of the chat mail addresses." env:"MAIL_DOMAIN" required:""`
	FeishuAppID     string          `name:"feishu-app-id" help:"Feishu application id." env:"FEISHU_APP_ID" required:""`
	FeishuAppSecret string          `name:"feishu-app-secret" help:"Feishu application secret." env:"FEISHU_APP_SECRET" required:""`
	URLSecret       string          `name:"url-secret" help:"Secret for signing mail download URLs. Defaults to the Feishu app secret." env:"MAILHOOK_URL_SECRET" optional:""`
	StorePath       string          `name:"store-path" help:"Path to the SQLite database." env:"MAILHOOK_STORE_PATH" default:"mailhook.sqlite"`
	Certificate     string          `name:"certificate" help:"Path to the SMTP server certificate file." env:"MAILHOOK_CERTIFICATE" optional:""`
	PrivateKey      string          `name:"private-key" help:"Path to the SMTP server private key file." env:"MAILHOOK_PRIVATE_KEY" optional:""`
	Hostname        string          `name:"hostname" help:"Host name to be used in the SMTP banner." env:"MAILHOOK_HOSTNAME" optional:""`
	VerifySpf       bool            `name:"verify-spf" help:"Verify SPF records of inbound mail." env:"MAILHOOK_VERIFY_SPF" default:"false"`
	VerifyDKIM      bool            `name:"verify-dkim" help:"Verify DKIM signatures of inbound mail." env:"MAILHOOK_VERIFY_DKIM" default:"false"`
	LogLevel        slog.Level      `name:"log-level" help:"Log level." env:"MAILHOOK_LOG_LEVEL" default:"INFO" enum:"DEBUG,INFO,WARN,ERROR"`
	Config          kong.ConfigFlag `name:"config" help:"Path to a YAML configuration file." optional:""`
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

func (CLI *CLI) initStore(kongCtx *kong.Context, logger *slog.Logger) *store.Store {
	st, err := store.Open(CLI.StorePath, CLI.MailDomain, store.WithLogger(logger))
	if err != nil {
		kongCtx.FatalIfErrorf(err)
	}
	return st
}

func (CLI *CLI) initFeishuClient(kongCtx *kong.Context, logger *slog.Logger) *feishu.Client {
	client, err := feishu.NewClient(CLI.FeishuAppID, CLI.FeishuAppSecret, feishu.WithLogger(logger))
	if err != nil {
		kongCtx.FatalIfErrorf(err)
	}
	return client
}

func (CLI *CLI) initSMTPServer(kongCtx *kong.Context, logger *slog.Logger, st *store.Store, client *feishu.Client, signer *mailurl.Generator) *mailhook.Server {
	h, err := hook.New(st, client, signer, hook.WithLogger(logger))
	if err != nil {
		kongCtx.FatalIfErrorf(err)
	}
	options := []mailhook.OptionFunc{
		mailhook.WithSPFVerification(CLI.VerifySpf),
		mailhook.WithDKIMVerification(CLI.VerifyDKIM),
		mailhook.WithLogger(logger),
	}
	if CLI.Hostname != "" {
		options = append(options, mailhook.WithHostname(CLI.Hostname))
	}
	if CLI.Certificate != "" {
		cert, err := tls.LoadX509KeyPair(CLI.Certificate, CLI.PrivateKey)
		if err != nil {
			kongCtx.FatalIfErrorf(err)
		}
		options = append(options, mailhook.WithTLSConfig(&tls.Config{Certificates: []tls.Certificate{cert}}))
	}
	server, err := mailhook.NewServer(CLI.Bind, CLI.BindImplicitTLS, h, options...)
	if err != nil {
		kongCtx.FatalIfErrorf(err)
	}
	return server
}

func (CLI *CLI) initBotServer(kongCtx *kong.Context, logger *slog.Logger, st *store.Store, client *feishu.Client, signer *mailurl.Generator) *botserver.Server {
	server, err := botserver.NewServer(CLI.HTTPBind, st, client, signer, botserver.WithLogger(logger))
	if err != nil {
		kongCtx.FatalIfErrorf(err)
	}
	return server
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer cancel()
	var CLI CLI
	kongCtx := kong.Parse(&CLI, kong.Configuration(yamlconf.Loader, "/etc/mailhook/config.yaml", "mailhook.yaml"))
	logger := CLI.initLogger(kongCtx)
	if CLI.URLSecret == "" {
		CLI.URLSecret = CLI.FeishuAppSecret
	}
	st := CLI.initStore(kongCtx, logger)
	defer st.Close()
	client := CLI.initFeishuClient(kongCtx, logger)
	signer := mailurl.NewGenerator(CLI.MailDomain, CLI.URLSecret)
	smtpServer := CLI.initSMTPServer(kongCtx, logger, st, client, signer)
	botServer := CLI.initBotServer(kongCtx, logger, st, client, signer)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT)
	go func() {
		count := 0
	outer:
		for {
			select {
			case <-ctx.Done():
				break outer
			case <-sigChan:
				count += 1
				if count == 1 {
					kongCtx.Printf("Received SIGINT, shutting down...")
					if err := smtpServer.Shutdown(ctx); err != nil {
						logger.Error("failed to shut down SMTP server", slog.Any("error", err))
					}
					if err := botServer.Shutdown(ctx); err != nil {
						logger.Error("failed to shut down bot server", slog.Any("error", err))
					}
				} else {
					kongCtx.Printf("Received SIGINT again, forcing shutdown...")
					cancel()
				}
			}
		}
	}()
	eg, innerCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return smtpServer.Serve(innerCtx) })
	eg.Go(func() error { return botServer.Serve(innerCtx) })
	kongCtx.FatalIfErrorf(eg.Wait())
}
