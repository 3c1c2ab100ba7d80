package handlers

import (
	"github.com/emersion/go-msgauth/authres"

	"github.com/jawr/mailauth/internal/addr"
	"github.com/jawr/mailauth/internal/config"
	"github.com/jawr/mailauth/internal/dnsx"
	"github.com/jawr/mailauth/internal/headers"
	"github.com/jawr/mailauth/internal/pipeline"
)

// ReturnOK checks that the envelope sender's domain can receive bounces:
// an MX record, or failing that an A record, must exist.
type ReturnOK struct{}

func newReturnOK(*config.Config, map[string]interface{}) (pipeline.Handler, error) {
	return &ReturnOK{}, nil
}

func (h *ReturnOK) Name() string { return "ReturnOK" }

func (h *ReturnOK) MailFrom(c *pipeline.Conn, from string) error {
	if c.IsLocal() || c.IsTrusted() || c.IsAuthenticated() {
		return nil
	}

	domain := addr.DomainFrom(from, c.Log)
	if domain == addr.FallbackDomain {
		// null sender, nothing to verify
		return nil
	}

	r, err := resolverFor(c)
	if err != nil {
		return err
	}

	ctx, cancel, done := dnsScope(c, "returnok")
	defer cancel()

	var value authres.ResultValue = authres.ResultFail
	if _, mxErr := r.LookupMX(ctx, domain); mxErr == nil {
		value = authres.ResultPass
	} else if dnsx.IsNotFound(mxErr) {
		if _, aErr := r.LookupA(ctx, domain); aErr == nil {
			value = authres.ResultPass
		}
	} else {
		value = authres.ResultTempError
		c.Log.Debug("returnok", "mx lookup %s: %s", domain, mxErr)
	}

	if err := done(); err != nil {
		return err
	}

	c.Headers.AddAuthResult(headers.NewResult(&authres.GenericResult{
		Method: "x-return-mx",
		Value:  value,
		Params: map[string]string{"smtp.mailfrom": domain},
	}))

	return nil
}
