package main

import (
	"context"
	"errors"
	"fmt"
	golog "log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mjl-/mailverify/autotls"
	"github.com/mjl-/mailverify/buildinfo"
	"github.com/mjl-/mailverify/config"
	"github.com/mjl-/mailverify/dns"
	"github.com/mjl-/mailverify/mlog"
	"github.com/mjl-/mailverify/nsqworker"
	"github.com/mjl-/mailverify/verifyapi"
)

// newAPIServer returns the HTTP handler for the API, documentation and metrics.
func newAPIServer(conf config.Config, log mlog.Log) (*verifyapi.Server, error) {
	v, err := newVerifier(conf, log)
	if err != nil {
		return nil, fmt.Errorf("setting up verifier: %v", err)
	}
	return &verifyapi.Server{
		Verifier:      v,
		PasswordHash:  conf.HTTP.PasswordHash,
		Metrics:       !conf.HTTP.NoMetrics,
		Timeout:       conf.Timeout,
		AuthLimiter:   verifyapi.DefaultAuthLimiter(),
		VerifyLimiter: verifyapi.DefaultVerifyLimiter(),
		Log:           log.Logger,
	}, nil
}

func cmdServe(c *cmd) {
	c.help = `Start the HTTP API server.

The API is served under /api/, with documentation at /. Metrics are served at
/metrics unless disabled. With ACME configured, the API is served over HTTPS
with a certificate from the ACME provider, e.g. Let's Encrypt.

The server stops on SIGINT or SIGTERM, waiting at most 3 seconds for pending
requests.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	conf := mustLoadConfig()
	log := c.log
	if conf.HTTP == nil {
		log.Fatal("no HTTP section in config")
	}

	srv, err := newAPIServer(conf, log)
	xcheckf(err, "setting up api server")
	db := openDB(conf, log)
	if db != nil {
		defer db.Close()
		srv.DB = db
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	shutdown := make(chan struct{})

	hs := &http.Server{
		Addr:              conf.HTTP.Address,
		Handler:           srv,
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          golog.New(mlog.ErrWriter(log.WithPkg("net/http"), slog.LevelInfo, "http server error"), "", 0),
	}
	if acmeConf := conf.HTTP.ACME; acmeConf != nil {
		hostname, err := dns.ParseDomain(acmeConf.Hostname)
		xcheckf(err, "parsing acme hostname")
		m, err := autotls.Load(log.Logger, hostname, acmeConf.CacheDir, acmeConf.ContactEmail, acmeConf.DirectoryURL, shutdown)
		xcheckf(err, "loading acme manager")
		hs.TLSConfig = m.TLSConfig
	}

	errc := make(chan error, 1)
	go func() {
		log.Print("starting http server",
			slog.String("address", hs.Addr),
			slog.Bool("tls", hs.TLSConfig != nil),
			slog.String("version", buildinfo.Version))
		if hs.TLSConfig != nil {
			// Certificates come from the TLS config.
			errc <- hs.ListenAndServeTLS("", "")
		} else {
			errc <- hs.ListenAndServe()
		}
	}()

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalx("http server", err)
		}
	case <-ctx.Done():
		log.Print("shutting down, waiting max 3s for existing requests")
		close(shutdown)
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		err := hs.Shutdown(sctx)
		log.Check(err, "shutting down http server")
	}
}

func cmdNsqworker(c *cmd) {
	c.help = `Start a worker that verifies addresses from NSQ messages.

Requests are read from NSQ.RequestTopic on NSQ.Channel. A request is a JSON
object like {"email": "user@example.com"}, optionally with "sender" and
"result-topic". A JSON response is published to the result topic of the
request, or NSQ.ResultTopic:

	{"email": "user@example.com", "address-ok": true, "smtp-msg": "250 2.1.5 ok"}

The worker stops on SIGINT or SIGTERM.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	conf := mustLoadConfig()
	log := c.log
	if conf.NSQ == nil {
		log.Fatal("no NSQ section in config")
	}

	v, err := newVerifier(conf, log)
	xcheckf(err, "setting up verifier")
	w := &nsqworker.Worker{
		Verifier:    v,
		ResultTopic: conf.NSQ.ResultTopic,
		Timeout:     conf.Timeout,
		DB:          openDB(conf, log),
		Log:         log.Logger,
	}
	if w.DB != nil {
		defer w.DB.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = nsqworker.Run(ctx, log.Logger, *conf.NSQ, w)
	xcheckf(err, "running nsq worker")
}
