package verify

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/mjl-/mailverify/dns"
	"github.com/mjl-/mailverify/smtpclient"
)

// SMTPTransport connects to mail exchangers over TCP with smtpclient.
type SMTPTransport struct {
	Dialer         smtpclient.Dialer // If nil, a net.Dialer is used.
	Resolver       dns.Resolver      // For IP addresses of hosts. If nil, the dialer resolves names.
	DialTimeout    time.Duration
	CommandTimeout time.Duration
	Log            *slog.Logger
}

var _ Transport = SMTPTransport{}

// Connect dials host and reads the SMTP greeting.
func (t SMTPTransport) Connect(ctx context.Context, host string, port int) (Session, error) {
	conn, err := smtpclient.Dial(ctx, t.Log, t.Dialer, t.Resolver, host, port, t.DialTimeout)
	if err != nil {
		return nil, err
	}
	c, err := smtpclient.New(ctx, t.Log, conn, strings.TrimSuffix(host, "."), smtpclient.Opts{CommandTimeout: t.CommandTimeout})
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}
