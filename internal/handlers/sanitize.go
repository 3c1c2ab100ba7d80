package handlers

import (
	"strings"

	"github.com/emersion/go-msgauth/authres"

	"github.com/jawr/mailauth/internal/config"
	"github.com/jawr/mailauth/internal/pipeline"
)

// Sanitize removes pre-existing Authentication-Results headers claiming
// to be from us or from a configured impersonation list, so a sender
// cannot smuggle verdicts past the gateway. Unparseable fields are
// removed too, since downstream consumers may be more forgiving.
type Sanitize struct {
	remove map[string]bool
}

func newSanitize(conf *config.Config, cfg map[string]interface{}) (pipeline.Handler, error) {
	remove := map[string]bool{
		strings.ToLower(conf.Hostname): true,
	}
	for _, host := range conf.HostsToRemove {
		remove[strings.ToLower(host)] = true
	}
	for _, host := range cfgStrings(cfg, "hosts_to_remove") {
		remove[strings.ToLower(host)] = true
	}
	return &Sanitize{remove: remove}, nil
}

func (h *Sanitize) Name() string { return "Sanitize" }

type sanitizeState struct {
	// occurrence indexes (1-based, per header name) to blank at eom
	drop []int
	seen int
}

func (h *Sanitize) state(c *pipeline.Conn) *sanitizeState {
	if s, ok := c.Priv("Sanitize").(*sanitizeState); ok {
		return s
	}
	s := &sanitizeState{}
	c.SetPriv("Sanitize", s)
	return s
}

func (h *Sanitize) MailFrom(c *pipeline.Conn, _ string) error {
	c.SetPriv("Sanitize", &sanitizeState{})
	return nil
}

func (h *Sanitize) Header(c *pipeline.Conn, name, value string) error {
	if !strings.EqualFold(name, "Authentication-Results") {
		return nil
	}

	s := h.state(c)
	s.seen++

	id, _, err := authres.Parse(value)
	if err != nil {
		c.Log.Debug("sanitize", "dropping unparseable authentication-results: %s", err)
		s.drop = append(s.drop, s.seen)
		return nil
	}

	if h.remove[strings.ToLower(id)] {
		c.Log.Debug("sanitize", "dropping authentication-results claiming %q", id)
		s.drop = append(s.drop, s.seen)
	}

	return nil
}

func (h *Sanitize) AddHeaders(c *pipeline.Conn, e pipeline.Emitter) error {
	s := h.state(c)
	for _, idx := range s.drop {
		if err := e.ChangeHeader(idx, "Authentication-Results", ""); err != nil {
			return err
		}
	}
	return nil
}
