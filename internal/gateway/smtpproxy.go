package gateway

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net"
	stdsmtp "net/smtp"
	"strings"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/pkg/errors"

	"github.com/jawr/mailauth/internal/pipeline"
)

// ProxySession accepts one SMTP conversation, drives the pipeline with
// the same event sequence the milter path sees, and relays accepted
// messages to the downstream server with the composed headers applied.
type ProxySession struct {
	start time.Time

	g *Gateway
	c *pipeline.Conn

	state *smtp.ConnectionState

	heloDone bool
	from     string
	to       string
	rcpts    []string

	message bytes.Buffer
}

// RunProxy listens for proxy connections and serves until the listener fails.
func (g *Gateway) RunProxy(domain, addr string) error {
	s := smtp.NewServer(g)
	s.Addr = addr
	s.Domain = domain
	return s.ListenAndServe()
}

func (g *Gateway) Login(state *smtp.ConnectionState, username, password string) (smtp.Session, error) {
	return nil, smtp.ErrAuthUnsupported
}

func (g *Gateway) AnonymousLogin(state *smtp.ConnectionState) (smtp.Session, error) {
	session, err := g.newProxySession(state)
	if err != nil {
		log.Printf("AnonymousLogin; unable to create new ProxySession: %s", err)
		return nil, errors.New("temporary error, please try again later")
	}

	log.Printf("%s - init", session)

	return session, nil
}

func (g *Gateway) newProxySession(state *smtp.ConnectionState) (*ProxySession, error) {
	session := ProxySession{
		start: time.Now(),
		g:     g,
		c:     g.NewConn(),
		state: state,
	}

	session.c.Setup()

	tcpAddr, ok := state.RemoteAddr.(*net.TCPAddr)
	if !ok {
		return nil, errors.Errorf("expected *net.TCPAddr, got %+v", state.RemoteAddr)
	}

	var rdns string
	if names, err := net.LookupAddr(tcpAddr.IP.String()); err == nil && len(names) > 0 {
		rdns = strings.Trim(names[0], ".")
	}

	if code := session.c.Connect(rdns, tcpAddr.IP); code != pipeline.Continue && code != pipeline.Accept {
		return nil, session.smtpError(code)
	}

	return &session, nil
}

func (s *ProxySession) String() string {
	return fmt.Sprintf("px-%s", s.c.ID)
}

// smtpError converts a pipeline outcome into the reply sent to the
// client, carrying the disposition reason's status codes when present.
func (s *ProxySession) smtpError(code pipeline.Code) error {
	reason := s.c.LastReason()
	switch code {
	case pipeline.Reject:
		if len(reason) == 0 {
			reason = "550 5.0.0 Message rejected"
		}
	case pipeline.TempFail:
		if len(reason) == 0 {
			reason = "450 4.0.0 Message deferred"
		}
	default:
		return nil
	}

	var status int
	var enhanced smtp.EnhancedCode
	var msg string
	if _, err := fmt.Sscanf(reason, "%3d %1d.%1d.%1d", &status, &enhanced[0], &enhanced[1], &enhanced[2]); err == nil {
		if i := strings.Index(reason, " "); i >= 0 {
			if j := strings.Index(reason[i+1:], " "); j >= 0 {
				msg = reason[i+1+j+1:]
			}
		}
	} else {
		status = 450
		enhanced = smtp.EnhancedCode{4, 0, 0}
		msg = reason
	}

	return &smtp.SMTPError{
		Code:         status,
		EnhancedCode: enhanced,
		Message:      msg,
	}
}

func (s *ProxySession) Mail(from string, opts smtp.MailOptions) error {
	log.Printf("%s - Mail - From '%s'", s, from)

	if !s.heloDone {
		s.heloDone = true
		if code := s.c.Helo(s.state.Hostname); code == pipeline.Reject || code == pipeline.TempFail {
			return s.smtpError(code)
		}
	}

	s.from = from

	code := s.c.MailFrom(from)
	if code == pipeline.Reject || code == pipeline.TempFail || code == pipeline.Discard {
		return s.smtpError(code)
	}

	return nil
}

func (s *ProxySession) Rcpt(to string) error {
	log.Printf("%s - Rcpt - To '%s'", s, to)

	if len(s.to) == 0 {
		s.to = to
	}
	s.rcpts = append(s.rcpts, to)

	code := s.c.RcptTo(to)
	if code == pipeline.Reject || code == pipeline.TempFail {
		return s.smtpError(code)
	}

	return nil
}

func (s *ProxySession) Data(r io.Reader) error {
	start := time.Now()

	s.message.Reset()
	n, err := s.message.ReadFrom(r)
	if err != nil {
		log.Printf("%s - Data - ReadFrom: %s", s, err)
		return errors.Errorf("can not read message (%s)", s)
	}

	log.Printf("%s - Data - read %d bytes in %s", s, n, time.Since(start))

	raw := s.message.Bytes()
	hdrs, body := splitMessage(raw)

	for _, h := range hdrs {
		if code := s.c.Header(h.name, h.value); code == pipeline.Reject || code == pipeline.TempFail {
			return s.smtpError(code)
		}
	}
	if code := s.c.EndOfHeaders(); code == pipeline.Reject || code == pipeline.TempFail {
		return s.smtpError(code)
	}
	if code := s.c.Body(body); code == pipeline.Reject || code == pipeline.TempFail {
		return s.smtpError(code)
	}

	emitter := &bufferEmitter{headers: hdrs}
	code := s.c.EndOfMessage(emitter)

	s.g.publish(s.c, code, s.c.LastReason(), s.from, s.to)

	switch code {
	case pipeline.Reject, pipeline.TempFail:
		return s.smtpError(code)
	case pipeline.Discard:
		log.Printf("%s - Data - discarded", s)
		return nil
	}

	final := emitter.assemble(body)

	if err := s.g.relay(s, final); err != nil {
		log.Printf("%s - Data - relay: %s", s, err)
		return errors.Errorf("unable to relay this message (%s)", s)
	}

	return nil
}

func (s *ProxySession) Reset() {
	log.Printf("%s - Reset - after %s", s, time.Since(s.start))
	s.c.Abort()
	s.from = ""
	s.to = ""
	s.rcpts = nil
	s.message.Reset()
}

func (s *ProxySession) Logout() error {
	s.c.Close()
	log.Printf("%s - Logout", s)
	return nil
}

// relay hands the final message to the downstream server, trying
// STARTTLS when offered.
func (g *Gateway) relay(s *ProxySession, message []byte) error {
	client, err := stdsmtp.Dial(g.Cfg.Downstream)
	if err != nil {
		return errors.WithMessagef(err, "Dial %s", g.Cfg.Downstream)
	}
	defer client.Close()

	if err := client.Hello(g.Cfg.Hostname); err != nil {
		return errors.WithMessage(err, "Hello")
	}

	host, _, _ := net.SplitHostPort(g.Cfg.Downstream)
	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return errors.WithMessage(err, "StartTLS")
		}
	}

	if err := client.Mail(s.from); err != nil {
		return errors.WithMessage(err, "Mail")
	}

	for _, rcpt := range s.rcpts {
		if err := client.Rcpt(rcpt); err != nil {
			return errors.WithMessage(err, "Rcpt")
		}
	}

	wc, err := client.Data()
	if err != nil {
		return errors.WithMessage(err, "Data")
	}

	if _, err := wc.Write(message); err != nil {
		return errors.WithMessage(err, "Write")
	}

	if err := wc.Close(); err != nil {
		return errors.WithMessage(err, "Close")
	}

	return client.Quit()
}

// rawHeader is one unfolded header line pair.
type rawHeader struct {
	name  string
	value string
}

// splitMessage separates header lines (unfolding continuations) from the
// body. Bare-LF input is tolerated.
func splitMessage(raw []byte) ([]rawHeader, []byte) {
	var hdrs []rawHeader
	rest := raw

	for len(rest) > 0 {
		line, remainder := nextLine(rest)
		rest = remainder

		if len(line) == 0 {
			// blank line ends the header block
			break
		}

		if line[0] == ' ' || line[0] == '\t' {
			if len(hdrs) > 0 {
				hdrs[len(hdrs)-1].value += "\r\n" + string(line)
			}
			continue
		}

		i := bytes.IndexByte(line, ':')
		if i < 0 {
			hdrs = append(hdrs, rawHeader{name: string(line)})
			continue
		}

		hdrs = append(hdrs, rawHeader{
			name:  string(line[:i]),
			value: strings.TrimPrefix(string(line[i+1:]), " "),
		})
	}

	return hdrs, rest
}

func nextLine(b []byte) ([]byte, []byte) {
	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		return b, nil
	}
	line := b[:i]
	line = bytes.TrimSuffix(line, []byte{'\r'})
	return line, b[i+1:]
}

// bufferEmitter applies the pipeline's header mutations to an in-memory
// copy of the message, for reassembly before the relay.
type bufferEmitter struct {
	headers  []rawHeader
	inserted []rawHeader
	added    []rawHeader
}

func (e *bufferEmitter) InsertHeader(index int, name, value string) error {
	e.inserted = append(e.inserted, rawHeader{name: name, value: value})
	return nil
}

func (e *bufferEmitter) AddHeader(name, value string) error {
	e.added = append(e.added, rawHeader{name: name, value: value})
	return nil
}

// ChangeHeader blanks or replaces the index-th occurrence (1-based) of
// the named header, milter-style.
func (e *bufferEmitter) ChangeHeader(index int, name, value string) error {
	seen := 0
	for i := range e.headers {
		if !strings.EqualFold(e.headers[i].name, name) {
			continue
		}
		seen++
		if seen != index {
			continue
		}
		if len(value) == 0 {
			e.headers = append(e.headers[:i], e.headers[i+1:]...)
		} else {
			e.headers[i].value = value
		}
		return nil
	}
	return nil
}

func (e *bufferEmitter) assemble(body []byte) []byte {
	var b bytes.Buffer
	for _, h := range e.inserted {
		fmt.Fprintf(&b, "%s: %s\r\n", h.name, h.value)
	}
	for _, h := range e.headers {
		fmt.Fprintf(&b, "%s: %s\r\n", h.name, h.value)
	}
	for _, h := range e.added {
		fmt.Fprintf(&b, "%s: %s\r\n", h.name, h.value)
	}
	b.WriteString("\r\n")
	b.Write(body)
	return b.Bytes()
}
