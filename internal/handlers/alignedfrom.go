package handlers

import (
	"strings"

	"github.com/emersion/go-msgauth/authres"

	"github.com/jawr/mailauth/internal/addr"
	"github.com/jawr/mailauth/internal/config"
	"github.com/jawr/mailauth/internal/headers"
	"github.com/jawr/mailauth/internal/pipeline"
)

// AlignedFrom compares the envelope sender domain with the header-From
// domain, the identifier pair DMARC cares about.
type AlignedFrom struct{}

func newAlignedFrom(*config.Config, map[string]interface{}) (pipeline.Handler, error) {
	return &AlignedFrom{}, nil
}

func (h *AlignedFrom) Name() string { return "AlignedFrom" }

func (h *AlignedFrom) MailFrom(c *pipeline.Conn, _ string) error {
	c.SetPriv("AlignedFrom", nil)
	return nil
}

func (h *AlignedFrom) Header(c *pipeline.Conn, name, value string) error {
	if !strings.EqualFold(name, "From") {
		return nil
	}
	if _, ok := c.Priv("AlignedFrom").(string); ok {
		return nil
	}
	c.SetPriv("AlignedFrom", value)
	return nil
}

func (h *AlignedFrom) EndOfMessage(c *pipeline.Conn) error {
	if c.Msg == nil {
		return nil
	}

	envDomain := addr.DomainFrom(c.Msg.From, c.Log)
	fromHeader, _ := c.Priv("AlignedFrom").(string)
	hdrDomain := addr.DomainFrom(fromHeader, c.Log)

	var value authres.ResultValue
	switch {
	case envDomain == hdrDomain:
		value = authres.ResultPass
	case orgDomain(envDomain) == orgDomain(hdrDomain):
		value = "orgdomain_pass"
	default:
		value = authres.ResultFail
	}

	c.Headers.AddAuthResult(headers.NewResult(&authres.GenericResult{
		Method: "x-aligned-from",
		Value:  value,
		Params: map[string]string{"header.from": hdrDomain, "smtp.mailfrom": envDomain},
	}))

	return nil
}
