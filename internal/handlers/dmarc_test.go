package handlers

import (
	"net"
	"strings"
	"testing"

	"blitiri.com.ar/go/spf"

	"github.com/jawr/mailauth/internal/config"
	"github.com/jawr/mailauth/internal/dnsx"
	"github.com/jawr/mailauth/internal/pipeline"
)

func dmarcResolver(policy string) dnsx.MockResolver {
	return dnsx.MockResolver{
		TXT: map[string][]string{
			"_dmarc.example.com": {"v=DMARC1; p=" + policy},
		},
	}
}

func driveMessage(c *pipeline.Conn, fromHeader string) {
	c.Connect("client.example", net.ParseIP("192.0.2.10"))
	c.Helo("mail.example.com")
	c.MailFrom("alice@example.com")
	c.RcptTo("bob@example.net")
	c.Header("From", fromHeader)
	c.Header("Subject", "hello")
	c.EndOfHeaders()
	c.Body([]byte("test body\r\n"))
}

func TestDMARCPassViaSPFAlignment(t *testing.T) {
	cfg := config.Defaults()
	c, _ := testConn(t, cfg, dmarcResolver("none"), spf.Pass, mustLoad(t, cfg, "SPF", "DMARC")...)

	driveMessage(c, "alice@example.com")

	e := &recordingEmitter{}
	c.EndOfMessage(e)

	got := e.authResults()
	if !strings.Contains(got, "dmarc=pass header.from=example.com") {
		t.Fatalf("fragment = %q", got)
	}
}

func TestDMARCFailRejectPolicy(t *testing.T) {
	cfg := config.Defaults()
	c, _ := testConn(t, cfg, dmarcResolver("reject"), spf.Fail, mustLoad(t, cfg, "SPF", "DMARC")...)

	driveMessage(c, "alice@example.com")

	if code := c.EndOfMessage(nil); code != pipeline.Reject {
		t.Fatalf("EndOfMessage = %v, want reject under p=reject", code)
	}
	if !strings.HasPrefix(c.LastReason(), "550 5.7.1 ") {
		t.Fatalf("reason = %q", c.LastReason())
	}
}

func TestDMARCFailQuarantinePolicy(t *testing.T) {
	cfg := config.Defaults()
	c, _ := testConn(t, cfg, dmarcResolver("quarantine"), spf.Fail, mustLoad(t, cfg, "SPF", "DMARC")...)

	driveMessage(c, "alice@example.com")

	// quarantine's observable effect is continue + the quarantine header
	e := &recordingEmitter{}
	if code := c.EndOfMessage(e); code != pipeline.Continue {
		t.Fatalf("EndOfMessage = %v, want continue", code)
	}
	var found bool
	for _, h := range e.inserts {
		if strings.Contains(h, "X-Disposition-Quarantine") {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing quarantine header: %v", e.inserts)
	}
}

func TestDMARCNoPolicy(t *testing.T) {
	cfg := config.Defaults()
	c, _ := testConn(t, cfg, dnsx.MockResolver{}, spf.Pass, mustLoad(t, cfg, "SPF", "DMARC")...)

	driveMessage(c, "alice@example.com")

	e := &recordingEmitter{}
	c.EndOfMessage(e)

	if got := e.authResults(); !strings.Contains(got, "dmarc=none") {
		t.Fatalf("fragment = %q", got)
	}
}

func TestDMARCRelaxedAlignment(t *testing.T) {
	cfg := config.Defaults()
	c, _ := testConn(t, cfg, dmarcResolver("reject"), spf.Pass, mustLoad(t, cfg, "SPF", "DMARC")...)

	// envelope domain mail.example.com aligns relaxed with example.com
	c.Connect("client.example", net.ParseIP("192.0.2.10"))
	c.Helo("mail.example.com")
	c.MailFrom("bounce@mail.example.com")
	c.Header("From", "alice@example.com")
	c.EndOfHeaders()
	c.Body([]byte("x"))

	if code := c.EndOfMessage(nil); code != pipeline.Continue {
		t.Fatalf("EndOfMessage = %v, relaxed alignment should pass", code)
	}
}

func TestDomainsAligned(t *testing.T) {
	tests := []struct {
		a, b   string
		strict bool
		want   bool
	}{
		{"example.com", "example.com", true, true},
		{"mail.example.com", "example.com", false, true},
		{"mail.example.com", "example.com", true, false},
		{"example.org", "example.com", false, false},
		{"", "example.com", false, false},
	}
	for _, tc := range tests {
		if got := domainsAligned(tc.a, tc.b, tc.strict); got != tc.want {
			t.Errorf("domainsAligned(%q, %q, %v) = %v", tc.a, tc.b, tc.strict, got)
		}
	}
}
