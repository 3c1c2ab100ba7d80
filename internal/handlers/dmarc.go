package handlers

import (
	"net"
	"strings"

	"github.com/emersion/go-msgauth/authres"
	"github.com/emersion/go-msgauth/dmarc"

	"github.com/jawr/mailauth/internal/addr"
	"github.com/jawr/mailauth/internal/config"
	"github.com/jawr/mailauth/internal/dnsx"
	"github.com/jawr/mailauth/internal/headers"
	"github.com/jawr/mailauth/internal/pipeline"
)

// DMARC evaluates the header-From domain's published policy against the
// SPF and DKIM verdicts produced earlier in the chain; it must therefore
// be configured after both.
type DMARC struct {
	enforce bool
}

func newDMARC(_ *config.Config, cfg map[string]interface{}) (pipeline.Handler, error) {
	return &DMARC{
		enforce: cfgBool(cfg, "enforce", true),
	}, nil
}

func (h *DMARC) Name() string { return "DMARC" }

func (h *DMARC) MailFrom(c *pipeline.Conn, _ string) error {
	c.SetPriv("DMARC.from", nil)
	return nil
}

func (h *DMARC) Header(c *pipeline.Conn, name, value string) error {
	if !strings.EqualFold(name, "From") {
		return nil
	}
	if _, ok := c.Priv("DMARC.from").(string); ok {
		return nil
	}
	c.SetPriv("DMARC.from", value)
	return nil
}

func (h *DMARC) EndOfMessage(c *pipeline.Conn) error {
	fromHeader, _ := c.Priv("DMARC.from").(string)
	domain := addr.DomainFrom(fromHeader, c.Log)

	r, err := resolverFor(c)
	if err != nil {
		return err
	}

	ctx, cancel, done := dnsScope(c, "dmarc")
	defer cancel()

	record, lookupErr := dmarc.LookupWithOptions(domain, &dmarc.LookupOptions{
		LookupTXT: func(name string) ([]string, error) {
			txts, err := r.LookupTXT(ctx, name)
			if dnsx.IsNotFound(err) {
				// the dmarc package reports ErrNoPolicy only for a not-found *net.DNSError
				err = &net.DNSError{Err: err.Error(), Name: name, IsNotFound: true}
			}
			return txts, err
		},
	})

	if err := done(); err != nil {
		return err
	}

	if lookupErr == dmarc.ErrNoPolicy {
		c.Headers.AddAuthResult(headers.NewResult(&authres.DMARCResult{
			Value: authres.ResultNone,
			From:  domain,
		}))
		return nil
	}
	if lookupErr != nil {
		c.Log.Debug("dmarc", "lookup %s: %s", domain, lookupErr)
		c.Headers.AddAuthResult(headers.NewResult(&authres.DMARCResult{
			Value: authres.ResultTempError,
			From:  domain,
		}))
		return nil
	}

	var value authres.ResultValue = authres.ResultFail
	if h.aligned(c, domain, record) {
		value = authres.ResultPass
	}

	c.Headers.AddAuthResult(headers.NewResult(&authres.DMARCResult{
		Value: value,
		From:  domain,
	}))

	if value == authres.ResultFail && h.enforce {
		switch record.Policy {
		case dmarc.PolicyReject:
			c.Disposition.RejectMail("550 5.7.1 DMARC policy violation for " + domain)
		case dmarc.PolicyQuarantine:
			c.Disposition.QuarantineMail("DMARC policy for " + domain)
		}
	}

	return nil
}

// aligned reports whether either authenticated identifier aligns with the
// header-From domain under the record's alignment modes.
func (h *DMARC) aligned(c *pipeline.Conn, domain string, record *dmarc.Record) bool {
	if spfState, ok := SPFStateFor(c); ok && spfState.Value == string(authres.ResultPass) {
		if domainsAligned(spfState.Domain, domain, record.SPFAlignment == dmarc.AlignmentStrict) {
			return true
		}
	}

	if dkimState, ok := DKIMStateFor(c); ok {
		for _, sig := range dkimState.Sigs {
			if sig.Value != string(authres.ResultPass) {
				continue
			}
			if domainsAligned(sig.Domain, domain, record.DKIMAlignment == dmarc.AlignmentStrict) {
				return true
			}
		}
	}

	return false
}

func domainsAligned(a, b string, strict bool) bool {
	a = strings.ToLower(strings.TrimSuffix(a, "."))
	b = strings.ToLower(strings.TrimSuffix(b, "."))
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	if a == b {
		return true
	}
	if strict {
		return false
	}
	return orgDomain(a) == orgDomain(b)
}

// orgDomain approximates the organizational domain as the last two
// labels. TODO: consult the public suffix list so multi-label registries
// like co.uk align correctly.
func orgDomain(domain string) string {
	labels := strings.Split(domain, ".")
	if len(labels) <= 2 {
		return domain
	}
	return strings.Join(labels[len(labels)-2:], ".")
}
