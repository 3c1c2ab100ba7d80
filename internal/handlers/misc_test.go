package handlers

import (
	"bytes"
	"net"
	"strings"
	"testing"

	"blitiri.com.ar/go/spf"

	"github.com/jawr/mailauth/internal/config"
	"github.com/jawr/mailauth/internal/dnsx"
	"github.com/jawr/mailauth/internal/pipeline"
)

func TestSizeFragment(t *testing.T) {
	cfg := config.Defaults()
	c, _ := testConn(t, cfg, dnsx.MockResolver{}, spf.None, mustLoad(t, cfg, "Size")...)

	c.Connect("client.example", net.ParseIP("192.0.2.10"))
	c.MailFrom("alice@example.com")
	c.Body(bytes.Repeat([]byte("a"), 100))
	c.Body(bytes.Repeat([]byte("b"), 50))

	e := &recordingEmitter{}
	if code := c.EndOfMessage(e); code != pipeline.Continue {
		t.Fatalf("EndOfMessage = %v", code)
	}
	if got := e.authResults(); !strings.Contains(got, "x-size=pass policy.size=150") {
		t.Fatalf("fragment = %q", got)
	}
}

func TestSizeRejectOverLimit(t *testing.T) {
	cfg := config.Defaults()
	cfg.Handlers = map[string]map[string]interface{}{
		"Size": {"max_size": int64(10)},
	}
	c, _ := testConn(t, cfg, dnsx.MockResolver{}, spf.None, mustLoad(t, cfg, "Size")...)

	c.Connect("client.example", net.ParseIP("192.0.2.10"))
	c.MailFrom("alice@example.com")
	c.Body(bytes.Repeat([]byte("a"), 100))

	if code := c.EndOfMessage(nil); code != pipeline.Reject {
		t.Fatalf("EndOfMessage = %v, want reject", code)
	}
	if !strings.HasPrefix(c.LastReason(), "552 5.3.4 ") {
		t.Fatalf("reason = %q", c.LastReason())
	}
}

func TestAlignedFrom(t *testing.T) {
	tests := []struct {
		env, hdr string
		want     string
	}{
		{"alice@example.com", "alice@example.com", "x-aligned-from=pass"},
		{"bounce@mail.example.com", "alice@example.com", "x-aligned-from=orgdomain_pass"},
		{"alice@example.org", "alice@example.com", "x-aligned-from=fail"},
	}

	for _, tc := range tests {
		cfg := config.Defaults()
		c, _ := testConn(t, cfg, dnsx.MockResolver{}, spf.None, mustLoad(t, cfg, "AlignedFrom")...)

		c.Connect("client.example", net.ParseIP("192.0.2.10"))
		c.MailFrom(tc.env)
		c.Header("From", tc.hdr)
		c.EndOfHeaders()

		e := &recordingEmitter{}
		c.EndOfMessage(e)

		if got := e.authResults(); !strings.Contains(got, tc.want) {
			t.Errorf("env %q hdr %q: fragment = %q, want %q", tc.env, tc.hdr, got, tc.want)
		}
	}
}

func TestSanitizeDropsOurHeaders(t *testing.T) {
	cfg := config.Defaults()
	cfg.Hostname = "mx.example.com"
	c, _ := testConn(t, cfg, dnsx.MockResolver{}, spf.None, mustLoad(t, cfg, "Sanitize")...)

	c.Connect("client.example", net.ParseIP("192.0.2.10"))
	c.MailFrom("alice@example.com")
	c.Header("Authentication-Results", "mx.example.com; spf=pass smtp.mailfrom=alice@example.com")
	c.Header("Authentication-Results", "other.example.net; spf=fail smtp.mailfrom=alice@example.com")
	c.EndOfHeaders()

	e := &recordingEmitter{}
	c.EndOfMessage(e)

	if len(e.changes) != 1 || !strings.HasPrefix(e.changes[0], "1|Authentication-Results|") {
		t.Fatalf("changes = %v, want only our first header blanked", e.changes)
	}
}

func TestSanitizeHostsToRemove(t *testing.T) {
	cfg := config.Defaults()
	cfg.Hostname = "mx.example.com"
	cfg.HostsToRemove = []string{"other.example.net"}
	c, _ := testConn(t, cfg, dnsx.MockResolver{}, spf.None, mustLoad(t, cfg, "Sanitize")...)

	c.Connect("client.example", net.ParseIP("192.0.2.10"))
	c.MailFrom("alice@example.com")
	c.Header("Authentication-Results", "other.example.net; spf=fail smtp.mailfrom=alice@example.com")
	c.EndOfHeaders()

	e := &recordingEmitter{}
	c.EndOfMessage(e)

	if len(e.changes) != 1 {
		t.Fatalf("changes = %v", e.changes)
	}
}

func TestAuthMarksConnection(t *testing.T) {
	cfg := config.Defaults()
	c, _ := testConn(t, cfg, dnsx.MockResolver{}, spf.None, mustLoad(t, cfg, "Auth")...)

	c.Connect("client.example", net.ParseIP("192.0.2.10"))
	c.Symbols.Set(pipeline.StageMail, "{auth_authen}", "alice")
	c.MailFrom("alice@example.com")

	if !c.IsAuthenticated() {
		t.Fatal("authenticated connection not flagged")
	}

	e := &recordingEmitter{}
	c.EndOfMessage(e)
	if got := e.authResults(); !strings.Contains(got, "auth=pass smtp.auth=alice") {
		t.Fatalf("fragment = %q", got)
	}
}

func TestReturnOK(t *testing.T) {
	resolver := dnsx.MockResolver{
		MX: map[string][]*net.MX{
			"example.com": {{Host: "mx.example.com", Pref: 10}},
		},
	}

	cfg := config.Defaults()
	c, _ := testConn(t, cfg, resolver, spf.None, mustLoad(t, cfg, "ReturnOK")...)

	c.Connect("client.example", net.ParseIP("192.0.2.10"))
	c.MailFrom("alice@example.com")

	e := &recordingEmitter{}
	c.EndOfMessage(e)
	if got := e.authResults(); !strings.Contains(got, "x-return-mx=pass") {
		t.Fatalf("fragment = %q", got)
	}
}

func TestReturnOKFallsBackToA(t *testing.T) {
	resolver := dnsx.MockResolver{
		A: map[string][]net.IP{"example.com": {net.ParseIP("192.0.2.25")}},
	}

	cfg := config.Defaults()
	c, _ := testConn(t, cfg, resolver, spf.None, mustLoad(t, cfg, "ReturnOK")...)

	c.Connect("client.example", net.ParseIP("192.0.2.10"))
	c.MailFrom("alice@example.com")

	e := &recordingEmitter{}
	c.EndOfMessage(e)
	if got := e.authResults(); !strings.Contains(got, "x-return-mx=pass") {
		t.Fatalf("fragment = %q", got)
	}
}

func TestSenderIDMirrorsSPF(t *testing.T) {
	cfg := config.Defaults()
	c, _ := testConn(t, cfg, dnsx.MockResolver{}, spf.Pass, mustLoad(t, cfg, "SPF", "SenderID")...)

	c.Connect("client.example", net.ParseIP("192.0.2.10"))
	c.MailFrom("alice@example.com")
	c.EndOfHeaders()

	e := &recordingEmitter{}
	c.EndOfMessage(e)
	if got := e.authResults(); !strings.Contains(got, "sender-id=pass") {
		t.Fatalf("fragment = %q", got)
	}
}

func TestXGoogleDKIMNone(t *testing.T) {
	cfg := config.Defaults()
	c, _ := testConn(t, cfg, dnsx.MockResolver{}, spf.None, mustLoad(t, cfg, "DKIM", "XGoogleDKIM")...)

	c.Connect("client.example", net.ParseIP("192.0.2.10"))
	c.MailFrom("alice@example.com")
	c.Header("Subject", "no signature here")
	c.EndOfHeaders()
	c.Body([]byte("body\r\n"))

	e := &recordingEmitter{}
	c.EndOfMessage(e)
	if got := e.authResults(); !strings.Contains(got, "x-google-dkim=none") {
		t.Fatalf("fragment = %q", got)
	}
}
