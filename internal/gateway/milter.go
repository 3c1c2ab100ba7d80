package gateway

import (
	"net"
	"net/textproto"
	"strings"

	"github.com/emersion/go-milter"

	"github.com/jawr/mailauth/internal/pipeline"
)

// milterSession adapts one milter conversation onto the pipeline. The
// MTA serializes events per connection, so no locking is needed here.
type milterSession struct {
	g *Gateway
	c *pipeline.Conn

	from string
	rcpt string
}

func (g *Gateway) newMilterSession() *milterSession {
	s := &milterSession{
		g: g,
		c: g.NewConn(),
	}
	s.c.Setup()
	return s
}

// ServeMilter answers the MTA on the given listener until it fails or
// the server is closed.
func (g *Gateway) ServeMilter(ln net.Listener) error {
	s := milter.Server{
		NewMilter: func() milter.Milter {
			return g.newMilterSession()
		},
		Actions: milter.OptAddHeader | milter.OptChangeHeader,
	}
	return s.Serve(ln)
}

// importMacros copies the MTA's macros into the symbol table at the
// given stage, and picks up the queue id when it appears.
func (s *milterSession) importMacros(stage pipeline.Stage, m *milter.Modifier) {
	if m == nil {
		return
	}
	for k, v := range m.Macros {
		s.c.Symbols.Set(stage, k, v)
	}
	if id, ok := m.Macros["i"]; ok {
		s.c.Log.SetQueueID(id)
	}
}

// response translates a pipeline code into the milter reply, attaching
// the disposition reason for reject and defer.
func (s *milterSession) response(code pipeline.Code) (milter.Response, error) {
	switch code {
	case pipeline.Reject:
		reason := s.c.LastReason()
		if len(reason) == 0 {
			reason = "550 5.0.0 Message rejected"
		}
		return milter.NewResponseStr(byte(milter.ActReplyCode), reason), nil
	case pipeline.TempFail:
		reason := s.c.LastReason()
		if len(reason) == 0 {
			return milter.RespTempFail, nil
		}
		return milter.NewResponseStr(byte(milter.ActReplyCode), reason), nil
	case pipeline.Discard:
		return milter.RespDiscard, nil
	case pipeline.Accept:
		return milter.RespAccept, nil
	default:
		return milter.RespContinue, nil
	}
}

func (s *milterSession) Connect(host string, family string, port uint16, addr net.IP, m *milter.Modifier) (milter.Response, error) {
	s.importMacros(pipeline.StageConnect, m)
	return s.response(s.c.Connect(host, addr))
}

func (s *milterSession) Helo(name string, m *milter.Modifier) (milter.Response, error) {
	s.importMacros(pipeline.StageHelo, m)
	return s.response(s.c.Helo(name))
}

func (s *milterSession) MailFrom(from string, m *milter.Modifier) (milter.Response, error) {
	s.importMacros(pipeline.StageMail, m)
	s.from = strings.Trim(from, "<>")
	s.rcpt = ""
	return s.response(s.c.MailFrom(s.from))
}

func (s *milterSession) RcptTo(rcptTo string, m *milter.Modifier) (milter.Response, error) {
	s.importMacros(pipeline.StageRcpt, m)
	to := strings.Trim(rcptTo, "<>")
	if len(s.rcpt) == 0 {
		s.rcpt = to
	}
	return s.response(s.c.RcptTo(to))
}

func (s *milterSession) Header(name string, value string, m *milter.Modifier) (milter.Response, error) {
	s.importMacros(pipeline.StageBody, m)
	return s.response(s.c.Header(name, value))
}

func (s *milterSession) Headers(h textproto.MIMEHeader, m *milter.Modifier) (milter.Response, error) {
	s.importMacros(pipeline.StageBody, m)
	return s.response(s.c.EndOfHeaders())
}

func (s *milterSession) BodyChunk(chunk []byte, m *milter.Modifier) (milter.Response, error) {
	return s.response(s.c.Body(chunk))
}

// Body is the milter's end-of-message callback; header mutations flush
// through the modifier here.
func (s *milterSession) Body(m *milter.Modifier) (milter.Response, error) {
	s.importMacros(pipeline.StageBody, m)

	code := s.c.EndOfMessage(modifierEmitter{m: m})
	resp, err := s.response(code)

	s.g.publish(s.c, code, s.c.LastReason(), s.from, s.rcpt)

	return resp, err
}

// Abort drops the in-flight message; the connection stays up.
func (s *milterSession) Abort(m *milter.Modifier) error {
	s.c.Abort()
	return nil
}

// Close ends the connection. ExitOnClose is not consulted here; the
// server keeps accepting connections whether or not it is set.
func (s *milterSession) Close() error {
	s.c.Close()
	return nil
}

// modifierEmitter maps the pipeline's header mutations onto milter
// packets.
type modifierEmitter struct {
	m *milter.Modifier
}

func (e modifierEmitter) InsertHeader(index int, name, value string) error {
	return e.m.InsertHeader(index, name, value)
}

func (e modifierEmitter) AddHeader(name, value string) error {
	return e.m.AddHeader(name, value)
}

func (e modifierEmitter) ChangeHeader(index int, name, value string) error {
	return e.m.ChangeHeader(index, name, value)
}
