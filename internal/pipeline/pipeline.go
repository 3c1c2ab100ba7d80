// Package pipeline drives one MTA connection through the ordered chain of
// authentication handlers: one entrypoint per MTA event, nested deadlines
// around every callback, per-handler timing and error metrics, and a
// single response code back to the transport.
package pipeline

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jawr/mailauth/internal/deadline"
	"github.com/jawr/mailauth/internal/headers"
	"github.com/jawr/mailauth/internal/metrics"
)

// eventClass maps each event to its configured section budget.
func eventClass(ev Event) deadline.Class {
	switch ev {
	case EvConnect:
		return deadline.ClassConnect
	case EvHeader, EvEOH, EvBody, EvEOM:
		return deadline.ClassContent
	case EvAddHeader:
		return deadline.ClassAddHeader
	default:
		// setup, helo, envfrom, envrcpt, abort, close
		return deadline.ClassCommand
	}
}

// invoke runs one callback with panic recovery, so a misbehaving handler
// cannot take the connection down with it.
func (c *Conn) invoke(h Handler, call func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("handler %s panicked: %v", h.Name(), r)
		}
	}()
	return call()
}

// dispatch is the per-event algorithm shared by every entrypoint.
func (c *Conn) dispatch(ev Event, call func(h Handler) error) Code {
	c.Status(string(ev))

	ret := Continue

	c.Deadline.ArmSection(eventClass(ev))
	defer c.Deadline.DisarmSection()

	for _, h := range c.Registry.Callbacks(ev) {
		start := time.Now()
		err := c.invoke(h, func() error { return call(h) })
		c.Metrics.Count(metrics.TimeMicroseconds, prometheus.Labels{
			"callback": string(ev),
			"handler":  h.Name(),
		}, float64(time.Since(start).Microseconds()))

		if err != nil {
			if deadline.IsTimeout(err) {
				// a timeout aborts the whole event
				c.Log.Error("timeout", "%s: %s: %s", ev, h.Name(), err)
				c.Metrics.Count(metrics.CallbackErrorTotal, prometheus.Labels{
					"stage": string(ev), "handler": h.Name(), "type": "timeout",
				}, 1)
				c.SetExitOnClose()
				c.Status("post" + string(ev))
				c.lastReason = ""
				return c.tempfailOnError(Continue)
			}

			c.Log.Error("callback", "%s: %s: %s", ev, h.Name(), err)
			c.Metrics.Count(metrics.CallbackErrorTotal, prometheus.Labels{
				"stage": string(ev), "handler": h.Name(), "type": "error",
			}, 1)
			c.SetExitOnClose()
			ret = c.tempfailOnError(ret)
			continue
		}

		if err := c.Deadline.Check(string(ev)); err != nil {
			c.Log.Error("timeout", "%s: after %s: %s", ev, h.Name(), err)
			c.Metrics.Count(metrics.CallbackErrorTotal, prometheus.Labels{
				"stage": string(ev), "handler": h.Name(), "type": "timeout",
			}, 1)
			c.SetExitOnClose()
			c.Status("post" + string(ev))
			c.lastReason = ""
			return c.tempfailOnError(Continue)
		}
	}

	c.Status("post" + string(ev))

	c.lastReason = c.Disposition.Reason()
	if final := c.Disposition.Return(); final != Continue {
		return final
	}
	return ret
}

// tempfailOnError applies the configured failure policy: the first
// classification in priority order (authenticated, local, trusted,
// default) whose flag is set forces a tempfail; otherwise the current
// return code stands.
func (c *Conn) tempfailOnError(ret Code) Code {
	switch {
	case c.IsAuthenticated() && c.Cfg.TempfailOnErrorAuthenticated:
		return TempFail
	case c.IsLocal() && c.Cfg.TempfailOnErrorLocal:
		return TempFail
	case c.IsTrusted() && c.Cfg.TempfailOnErrorTrusted:
		return TempFail
	case c.Cfg.TempfailOnError:
		return TempFail
	}
	return ret
}

// Setup runs once per connection before the MTA's connect event.
func (c *Conn) Setup() Code {
	return c.dispatch(EvSetup, func(h Handler) error {
		return h.(SetupHandler).Setup(c)
	})
}

// Connect handles the MTA's connect event: remap the peer through ip_map,
// then run the connect chain against the effective address.
func (c *Conn) Connect(hostname string, ip net.IP) Code {
	c.Metrics.Count(metrics.ConnectTotal, nil, 1)
	c.Disposition.Clear()

	c.RawIP = ip
	c.IP = ip
	c.Hostname = hostname

	if entry, prefix, ok := c.remapEntry(ip); ok && len(entry.IP) > 0 {
		if mapped := net.ParseIP(entry.IP); mapped != nil {
			c.IP = mapped
			c.Log.Debug("ip_map", "connect %s remapped to %s via %s", ip, mapped, prefix)
		}
	}

	return c.dispatch(EvConnect, func(h Handler) error {
		return h.(ConnectHandler).Connect(c, hostname, c.IP)
	})
}

// Helo handles HELO/EHLO. Only the first HELO of a connection runs the
// chain; later ones are logged and ignored.
func (c *Conn) Helo(name string) Code {
	if c.seenHelo {
		c.Log.Debug("helo", "ignoring repeated helo %q, keeping %q", name, c.RawHelo)
		return Continue
	}
	c.seenHelo = true

	c.RawHelo = name
	c.HeloName = name

	if entry, prefix, ok := c.remapEntry(c.RawIP); ok && len(entry.Helo) > 0 {
		c.HeloName = entry.Helo
		c.Log.Debug("ip_map", "helo %q remapped to %q via %s", name, entry.Helo, prefix)
	}

	return c.dispatch(EvHelo, func(h Handler) error {
		return h.(HeloHandler).Helo(c, c.HeloName)
	})
}

// MailFrom opens the message context.
func (c *Conn) MailFrom(from string) Code {
	c.count++
	c.Msg = &Msg{From: from}

	return c.dispatch(EvMailFrom, func(h Handler) error {
		return h.(MailFromHandler).MailFrom(c, from)
	})
}

func (c *Conn) RcptTo(to string) Code {
	if c.Msg != nil {
		c.Msg.Rcpts = append(c.Msg.Rcpts, to)
	}

	return c.dispatch(EvRcptTo, func(h Handler) error {
		return h.(RcptToHandler).RcptTo(c, to)
	})
}

func (c *Conn) Header(name, value string) Code {
	return c.dispatch(EvHeader, func(h Handler) error {
		return h.(HeaderHandler).Header(c, name, value)
	})
}

func (c *Conn) EndOfHeaders() Code {
	return c.dispatch(EvEOH, func(h Handler) error {
		return h.(EOHHandler).EndOfHeaders(c)
	})
}

func (c *Conn) Body(chunk []byte) Code {
	return c.dispatch(EvBody, func(h Handler) error {
		return h.(BodyHandler).Body(c, chunk)
	})
}

// applyPolicy is a structural hook between the eom chain and header
// emission; it currently does nothing.
func (c *Conn) applyPolicy() {}

// EndOfMessage finishes the message: run the eom chain, compose and queue
// the trace headers, give addheader callbacks a chance to adjust them,
// then flush everything through the emitter.
func (c *Conn) EndOfMessage(e Emitter) Code {
	ret := c.dispatch(EvEOM, func(h Handler) error {
		return h.(EOMHandler).EndOfMessage(c)
	})

	c.applyPolicy()

	// Authentication-Results is always the first inserted header
	authRes := c.Headers.Serialize(c.Registry.SorterFor)
	pre := append([]headers.Header{{Name: "Authentication-Results", Value: authRes}}, c.Headers.PreHeaders()...)
	if c.Disposition.Quarantined() {
		pre = append(pre, headers.Header{Name: "X-Disposition-Quarantine", Value: c.Disposition.QuarantineReason()})
	}
	c.Headers.SetPreHeaders(pre)

	emitter := e
	if c.Cfg.DryRun || emitter == nil {
		emitter = nopEmitter{}
	}

	if addRet := c.dispatch(EvAddHeader, func(h Handler) error {
		return h.(AddHeaderHandler).AddHeaders(c, emitter)
	}); addRet == TempFail {
		ret = addRet
	}

	for i, hdr := range c.Headers.PreHeaders() {
		if err := emitter.InsertHeader(i+1, hdr.Name, hdr.Value); err != nil {
			c.Log.Error("emit", "InsertHeader %s: %s", hdr.Name, err)
		}
	}
	for _, hdr := range c.Headers.AddHeaders() {
		if err := emitter.AddHeader(hdr.Name, hdr.Value); err != nil {
			c.Log.Error("emit", "AddHeader %s: %s", hdr.Name, err)
		}
	}

	c.dropMessage()

	return ret
}

// Abort drops the in-flight message; the connection stays open and the
// sub-machine returns to its post-connect state.
func (c *Conn) Abort() Code {
	ret := c.dispatch(EvAbort, func(h Handler) error {
		return h.(AbortHandler).Abort(c)
	})

	c.dropMessage()

	return ret
}

// Close tears the connection down.
func (c *Conn) Close() Code {
	ret := c.dispatch(EvClose, func(h Handler) error {
		return h.(CloseHandler).Close(c)
	})

	c.dropMessage()
	c.Symbols.ClearAllSymbols()
	c.Log.Flush(c.exitOnClose)

	return ret
}

// dropMessage resets all message-scope state between messages.
func (c *Conn) dropMessage() {
	c.Msg = nil
	c.Headers.ResetMessage()
	c.Objects.Reap()
	c.Symbols.ClearSymbols()
	c.Disposition.Clear()
}
