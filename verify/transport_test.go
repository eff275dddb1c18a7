package verify

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/mjl-/mailverify/dns"
)

// serveSMTP accepts a single connection on ln, and replies to RCPT TO with
// rcptReply. Commands received are sent on the returned channel, which is
// closed when the client closes the connection.
func serveSMTP(t *testing.T, ln net.Listener, rcptReply string) <-chan string {
	t.Helper()
	commands := make(chan string, 10)
	go func() {
		defer close(commands)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(10 * time.Second))
		fmt.Fprintf(conn, "220 mx1.example.com ESMTP test\r\n")
		br := bufio.NewReader(conn)
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimSuffix(line, "\r\n")
			commands <- line
			switch {
			case strings.HasPrefix(line, "HELO "):
				fmt.Fprintf(conn, "250 mx1.example.com\r\n")
			case strings.HasPrefix(line, "MAIL FROM:"):
				fmt.Fprintf(conn, "250 2.1.0 ok\r\n")
			case strings.HasPrefix(line, "RCPT TO:"):
				fmt.Fprintf(conn, "%s\r\n", rcptReply)
			default:
				fmt.Fprintf(conn, "500 unexpected\r\n")
			}
		}
	}()
	return commands
}

func TestSMTPTransport(t *testing.T) {
	test := func(rcptReply string, expValid bool) {
		t.Helper()

		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		defer ln.Close()
		port := ln.Addr().(*net.TCPAddr).Port

		resolver := dns.MockResolver{
			MX: map[string][]*net.MX{"example.com.": {{Host: "mx1.example.com.", Pref: 10}}},
			A:  map[string][]string{"mx1.example.com.": {"127.0.0.1"}},
		}
		v := Verifier{
			Resolver: resolver,
			Transport: SMTPTransport{
				Resolver:       resolver,
				DialTimeout:    5 * time.Second,
				CommandTimeout: 5 * time.Second,
			},
			Port: port,
		}

		commands := serveSMTP(t, ln, rcptReply)
		r := v.Check(ctxbg, "user@example.com", "")
		if r.Valid != expValid {
			t.Fatalf("rcpt reply %q: got %#v, expected valid %v", rcptReply, r, expValid)
		}

		// Server sees the connection closed without QUIT.
		var got []string
		for cmd := range commands {
			got = append(got, cmd)
		}
		exp := []string{"HELO abc", "MAIL FROM:<abc@mail.qq.com>", "RCPT TO:<user@example.com>"}
		if strings.Join(got, "|") != strings.Join(exp, "|") {
			t.Fatalf("server got commands %q, expected %q", got, exp)
		}
	}

	test("250 2.1.5 ok", true)
	test("550 5.1.1 No such user", false)
	test("250-2.1.5 ok\r\n250 2.1.5 really", true)
}

func TestSMTPTransportRefused(t *testing.T) {
	// Find a port that is not listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	resolver := dns.MockResolver{
		MX: map[string][]*net.MX{"example.com.": {{Host: "mx1.example.com.", Pref: 10}}},
		A:  map[string][]string{"mx1.example.com.": {"127.0.0.1"}},
	}
	v := Verifier{
		Resolver:  resolver,
		Transport: SMTPTransport{Resolver: resolver, DialTimeout: 5 * time.Second},
		Port:      port,
	}
	r := v.Check(ctxbg, "user@example.com", "")
	if r.Valid || r.Failure != FailureConnection {
		t.Fatalf("got %#v, expected connection failure", r)
	}
}
