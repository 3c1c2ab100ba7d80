package pipeline

import (
	"fmt"
	"net"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jawr/mailauth/internal/config"
	"github.com/jawr/mailauth/internal/deadline"
	"github.com/jawr/mailauth/internal/headers"
	"github.com/jawr/mailauth/internal/logger"
	"github.com/jawr/mailauth/internal/metrics"
)

// stubHandler records every callback and can fail selected ones.
type stubHandler struct {
	name  string
	calls *[]string

	connectErr error
	mailErr    error
	eomHook    func(c *Conn) error
}

func (s *stubHandler) record(ev string) {
	*s.calls = append(*s.calls, s.name+":"+ev)
}

func (s *stubHandler) Name() string { return s.name }

func (s *stubHandler) Connect(c *Conn, hostname string, ip net.IP) error {
	s.record("connect")
	return s.connectErr
}

func (s *stubHandler) Helo(c *Conn, name string) error {
	s.record("helo")
	return nil
}

func (s *stubHandler) MailFrom(c *Conn, from string) error {
	s.record("envfrom")
	return s.mailErr
}

func (s *stubHandler) RcptTo(c *Conn, to string) error {
	s.record("envrcpt")
	return nil
}

func (s *stubHandler) EndOfMessage(c *Conn) error {
	s.record("eom")
	if s.eomHook != nil {
		return s.eomHook(c)
	}
	return nil
}

func (s *stubHandler) Close(c *Conn) error {
	s.record("close")
	return nil
}

type fakeEmitter struct {
	inserts []string
	adds    []string
	changes []string
}

func (e *fakeEmitter) InsertHeader(index int, name, value string) error {
	e.inserts = append(e.inserts, fmt.Sprintf("%d|%s|%s", index, name, value))
	return nil
}

func (e *fakeEmitter) AddHeader(name, value string) error {
	e.adds = append(e.adds, name+"|"+value)
	return nil
}

func (e *fakeEmitter) ChangeHeader(index int, name, value string) error {
	e.changes = append(e.changes, fmt.Sprintf("%d|%s|%s", index, name, value))
	return nil
}

func testConn(t *testing.T, cfg *config.Config, hs ...Handler) (*Conn, *[]string) {
	t.Helper()
	if cfg == nil {
		cfg = config.Defaults()
	}
	cfg.Hostname = "mx.example.com"

	m := metrics.NewRegistry()
	reg, err := NewRegistry(hs, m)
	if err != nil {
		t.Fatal(err)
	}

	log, lines := logger.Captured()
	c := NewConn(cfg, log, reg, m, deadline.New(cfg.SectionTimeouts()))
	return c, lines
}

func TestDispatchOrderFollowsConfiguration(t *testing.T) {
	var calls []string
	a := &stubHandler{name: "a", calls: &calls}
	b := &stubHandler{name: "b", calls: &calls}
	c, _ := testConn(t, nil, a, b)

	if code := c.Connect("client.example", net.ParseIP("192.0.2.10")); code != Continue {
		t.Fatalf("Connect = %v", code)
	}
	if code := c.MailFrom("alice@example.com"); code != Continue {
		t.Fatalf("MailFrom = %v", code)
	}

	want := []string{"a:connect", "b:connect", "a:envfrom", "b:envfrom"}
	if strings.Join(calls, ",") != strings.Join(want, ",") {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
}

func TestHandlerErrorDefaultContinues(t *testing.T) {
	var calls []string
	a := &stubHandler{name: "a", calls: &calls, connectErr: fmt.Errorf("boom")}
	b := &stubHandler{name: "b", calls: &calls}
	c, _ := testConn(t, nil, a, b)

	code := c.Connect("client.example", net.ParseIP("192.0.2.10"))
	if code != Continue {
		t.Fatalf("Connect = %v, want continue", code)
	}
	if !c.ExitOnClose() {
		t.Fatal("failure must arm exit_on_close")
	}
	// the chain keeps going past the failed handler
	if want := "a:connect,b:connect"; strings.Join(calls, ",") != want {
		t.Fatalf("calls = %v", calls)
	}

	got := c.Metrics.CounterValue(metrics.CallbackErrorTotal, prometheus.Labels{
		"stage": "connect", "handler": "a", "type": "error",
	})
	if got != 1 {
		t.Fatalf("callback_error_total = %v, want 1", got)
	}
}

func TestHandlerErrorTempfailPolicy(t *testing.T) {
	cfg := config.Defaults()
	cfg.TempfailOnError = true

	var calls []string
	a := &stubHandler{name: "a", calls: &calls, connectErr: fmt.Errorf("boom")}
	c, _ := testConn(t, cfg, a)

	if code := c.Connect("client.example", net.ParseIP("192.0.2.10")); code != TempFail {
		t.Fatalf("Connect = %v, want tempfail", code)
	}
}

func TestTimeoutAbortsEvent(t *testing.T) {
	var calls []string
	a := &stubHandler{name: "a", calls: &calls, connectErr: &deadline.Timeout{Site: "dns"}}
	b := &stubHandler{name: "b", calls: &calls}
	c, _ := testConn(t, nil, a, b)

	if code := c.Connect("client.example", net.ParseIP("192.0.2.10")); code != Continue {
		t.Fatalf("Connect = %v, want continue without tempfail_on_error", code)
	}
	// the timeout unwinds the whole event: b never runs
	if want := "a:connect"; strings.Join(calls, ",") != want {
		t.Fatalf("calls = %v", calls)
	}
	if !c.ExitOnClose() {
		t.Fatal("timeout must arm exit_on_close")
	}

	got := c.Metrics.CounterValue(metrics.CallbackErrorTotal, prometheus.Labels{
		"stage": "connect", "handler": "a", "type": "timeout",
	})
	if got != 1 {
		t.Fatalf("callback_error_total{type=timeout} = %v, want 1", got)
	}
}

func TestTimeoutTempfailPolicy(t *testing.T) {
	cfg := config.Defaults()
	cfg.TempfailOnError = true

	var calls []string
	a := &stubHandler{name: "a", calls: &calls, connectErr: &deadline.Timeout{Site: "dns"}}
	c, _ := testConn(t, cfg, a)

	if code := c.Connect("client.example", net.ParseIP("192.0.2.10")); code != TempFail {
		t.Fatalf("Connect = %v, want tempfail", code)
	}
}

func TestSecondHeloIgnored(t *testing.T) {
	var calls []string
	a := &stubHandler{name: "a", calls: &calls}
	c, lines := testConn(t, nil, a)

	c.Connect("client.example", net.ParseIP("192.0.2.10"))
	c.Helo("a.example")
	c.Helo("b.example")

	if c.HeloName != "a.example" {
		t.Fatalf("helo_name = %q, want the first helo", c.HeloName)
	}
	if n := strings.Count(strings.Join(calls, ","), "a:helo"); n != 1 {
		t.Fatalf("helo callbacks ran %d times, want 1", n)
	}

	var noted bool
	for _, l := range *lines {
		if strings.Contains(l, "ignoring repeated helo") {
			noted = true
		}
	}
	if !noted {
		t.Fatal("second helo should be noted in the debug log")
	}
}

func TestIPMapRemap(t *testing.T) {
	cfg := config.Defaults()
	cfg.IPMap = map[string]config.IPMapEntry{
		"198.51.100.0/24": {IP: "192.0.2.5", Helo: "masked.example"},
	}

	var calls []string
	a := &stubHandler{name: "a", calls: &calls}
	c, _ := testConn(t, cfg, a)

	c.Connect("client.example", net.ParseIP("198.51.100.77"))

	if c.RawIP.String() != "198.51.100.77" {
		t.Fatalf("raw ip = %v", c.RawIP)
	}
	if c.IP.String() != "192.0.2.5" {
		t.Fatalf("effective ip = %v, want the remapped address", c.IP)
	}

	c.Helo("orig.example")
	if c.RawHelo != "orig.example" || c.HeloName != "masked.example" {
		t.Fatalf("helo remap: raw %q effective %q", c.RawHelo, c.HeloName)
	}
}

func TestIPMapLowestPrefixWins(t *testing.T) {
	cfg := config.Defaults()
	cfg.IPMap = map[string]config.IPMapEntry{
		"198.51.100.0/25": {IP: "192.0.2.9"},
		"198.51.100.0/24": {IP: "192.0.2.5"},
	}

	c, _ := testConn(t, cfg)
	c.Connect("client.example", net.ParseIP("198.51.100.7"))

	// "198.51.100.0/24" sorts before "198.51.100.0/25"
	if c.IP.String() != "192.0.2.5" {
		t.Fatalf("effective ip = %v, want the lowest sorted prefix's mapping", c.IP)
	}
}

func TestEOMHeaderEmission(t *testing.T) {
	var calls []string
	a := &stubHandler{name: "a", calls: &calls, eomHook: func(c *Conn) error {
		c.Headers.AddAuthResult(headers.Legacy("spf=pass test"))
		c.Headers.Append("X-Test", "appended")
		return nil
	}}
	c, _ := testConn(t, nil, a)

	c.Connect("client.example", net.ParseIP("192.0.2.10"))
	c.MailFrom("alice@example.com")

	e := &fakeEmitter{}
	if code := c.EndOfMessage(e); code != Continue {
		t.Fatalf("EndOfMessage = %v", code)
	}

	if len(e.inserts) == 0 || !strings.HasPrefix(e.inserts[0], "1|Authentication-Results|") {
		t.Fatalf("Authentication-Results must be inserted first at index 1, got %v", e.inserts)
	}
	if !strings.Contains(e.inserts[0], "spf=pass test") {
		t.Fatalf("fragment missing from header: %v", e.inserts[0])
	}
	if len(e.adds) != 1 || e.adds[0] != "X-Test|appended" {
		t.Fatalf("adds = %v", e.adds)
	}
	for _, ins := range e.inserts {
		if strings.Contains(ins, "X-Disposition-Quarantine") {
			t.Fatalf("quarantine header emitted without a quarantine request: %v", e.inserts)
		}
	}
}

func TestEOMQuarantineHeader(t *testing.T) {
	var calls []string
	a := &stubHandler{name: "a", calls: &calls, eomHook: func(c *Conn) error {
		c.Disposition.QuarantineMail("suspicious")
		return nil
	}}
	c, _ := testConn(t, nil, a)

	c.Connect("client.example", net.ParseIP("192.0.2.10"))
	c.MailFrom("alice@example.com")

	e := &fakeEmitter{}
	if code := c.EndOfMessage(e); code != Continue {
		t.Fatalf("quarantine must yield continue, got %v", code)
	}

	var found bool
	for _, ins := range e.inserts {
		if strings.Contains(ins, "X-Disposition-Quarantine|suspicious") {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing quarantine header: %v", e.inserts)
	}
}

func TestEOMRejectCarriesReason(t *testing.T) {
	var calls []string
	a := &stubHandler{name: "a", calls: &calls, eomHook: func(c *Conn) error {
		c.Disposition.RejectMail("550 5.7.1 SPF hardfail")
		return nil
	}}
	c, _ := testConn(t, nil, a)

	c.Connect("client.example", net.ParseIP("192.0.2.10"))
	c.MailFrom("alice@example.com")

	if code := c.EndOfMessage(&fakeEmitter{}); code != Reject {
		t.Fatalf("EndOfMessage = %v, want reject", code)
	}
	if c.LastReason() != "550 5.7.1 SPF hardfail" {
		t.Fatalf("reason = %q", c.LastReason())
	}
}

func TestDryRunSuppressesEmission(t *testing.T) {
	cfg := config.Defaults()
	cfg.DryRun = true

	var calls []string
	a := &stubHandler{name: "a", calls: &calls, eomHook: func(c *Conn) error {
		c.Headers.Append("X-Test", "appended")
		return nil
	}}
	c, _ := testConn(t, cfg, a)

	c.Connect("client.example", net.ParseIP("192.0.2.10"))
	c.MailFrom("alice@example.com")

	e := &fakeEmitter{}
	c.EndOfMessage(e)

	if len(e.inserts) != 0 || len(e.adds) != 0 {
		t.Fatalf("dryrun must suppress mutation packets: %v %v", e.inserts, e.adds)
	}
}

func TestAbortKeepsConnection(t *testing.T) {
	var calls []string
	a := &stubHandler{name: "a", calls: &calls}
	c, _ := testConn(t, nil, a)

	c.Connect("client.example", net.ParseIP("192.0.2.10"))
	c.MailFrom("alice@example.com")
	c.Disposition.RejectMail("550 5.7.1 nope")
	c.Abort()

	if c.Msg != nil {
		t.Fatal("abort must drop the message context")
	}
	if c.Disposition.Return() != Continue {
		t.Fatal("abort must clear the disposition")
	}

	// a fresh message works on the same connection
	if code := c.MailFrom("bob@example.com"); code != Continue {
		t.Fatalf("MailFrom after abort = %v", code)
	}
	if c.MessageCount() != 2 {
		t.Fatalf("message count = %d", c.MessageCount())
	}
}

func TestStatusLabels(t *testing.T) {
	var labels []string
	c, _ := testConn(t, nil)
	c.StatusSink = func(label string) {
		labels = append(labels, label)
	}

	c.Connect("client.example", net.ParseIP("192.0.2.10"))

	if want := "connect,postconnect"; strings.Join(labels, ",") != want {
		t.Fatalf("labels = %v", labels)
	}
}

func TestPanicRecovered(t *testing.T) {
	var calls []string
	a := &stubHandler{name: "a", calls: &calls, eomHook: func(c *Conn) error {
		panic("handler bug")
	}}
	b := &stubHandler{name: "b", calls: &calls}
	c, _ := testConn(t, nil, a, b)

	c.Connect("client.example", net.ParseIP("192.0.2.10"))
	c.MailFrom("alice@example.com")

	if code := c.EndOfMessage(&fakeEmitter{}); code != Continue {
		t.Fatalf("EndOfMessage = %v", code)
	}
	if !c.ExitOnClose() {
		t.Fatal("panic must arm exit_on_close")
	}
	if want := "a:connect,b:connect,a:envfrom,b:envfrom,a:eom,b:eom"; strings.Join(calls, ",") != want {
		t.Fatalf("calls = %v", calls)
	}
}
