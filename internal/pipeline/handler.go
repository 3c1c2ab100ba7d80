package pipeline

import (
	"net"

	"github.com/jawr/mailauth/internal/metrics"
)

// Event names the pipeline's input alphabet.
type Event string

const (
	EvSetup     Event = "setup"
	EvConnect   Event = "connect"
	EvHelo      Event = "helo"
	EvMailFrom  Event = "envfrom"
	EvRcptTo    Event = "envrcpt"
	EvHeader    Event = "header"
	EvEOH       Event = "eoh"
	EvBody      Event = "body"
	EvEOM       Event = "eom"
	EvAbort     Event = "abort"
	EvClose     Event = "close"
	EvAddHeader Event = "addheader"
)

// Events in dispatch order, used when precomputing callback lists.
var Events = []Event{
	EvSetup, EvConnect, EvHelo, EvMailFrom, EvRcptTo,
	EvHeader, EvEOH, EvBody, EvEOM, EvAbort, EvClose, EvAddHeader,
}

// Handler is the minimal contract every authentication handler meets.
// Everything else is an optional capability detected by the registry.
type Handler interface {
	Name() string
}

type SetupHandler interface {
	Setup(c *Conn) error
}

type ConnectHandler interface {
	Connect(c *Conn, hostname string, ip net.IP) error
}

type HeloHandler interface {
	Helo(c *Conn, name string) error
}

type MailFromHandler interface {
	MailFrom(c *Conn, from string) error
}

type RcptToHandler interface {
	RcptTo(c *Conn, to string) error
}

type HeaderHandler interface {
	Header(c *Conn, name, value string) error
}

type EOHHandler interface {
	EndOfHeaders(c *Conn) error
}

type BodyHandler interface {
	Body(c *Conn, chunk []byte) error
}

type EOMHandler interface {
	EndOfMessage(c *Conn) error
}

type AbortHandler interface {
	Abort(c *Conn) error
}

type CloseHandler interface {
	Close(c *Conn) error
}

// AddHeaderHandler runs after the header queues are composed and may
// inspect or mutate them, or change existing message headers through the
// emitter, before the flush.
type AddHeaderHandler interface {
	AddHeaders(c *Conn, e Emitter) error
}

// MetricsRegistrar lets a handler add its own counters at load time.
type MetricsRegistrar interface {
	RegisterMetrics(m *metrics.Registry)
}

// HeaderSorter orders fragments sharing this handler's method key.
type HeaderSorter interface {
	CanSortHeader(key string) bool
	HeaderSort(a, b string) int
}

// Emitter is the transport's header mutation surface. Index 1 is the top
// of the message.
type Emitter interface {
	InsertHeader(index int, name, value string) error
	AddHeader(name, value string) error
	ChangeHeader(index int, name, value string) error
}

// nopEmitter swallows mutations under dryrun.
type nopEmitter struct{}

func (nopEmitter) InsertHeader(int, string, string) error { return nil }
func (nopEmitter) AddHeader(string, string) error         { return nil }
func (nopEmitter) ChangeHeader(int, string, string) error { return nil }
