package handlers

import (
	"strings"

	"github.com/emersion/go-msgauth/authres"

	"github.com/jawr/mailauth/internal/config"
	"github.com/jawr/mailauth/internal/dnsx"
	"github.com/jawr/mailauth/internal/headers"
	"github.com/jawr/mailauth/internal/pipeline"
)

// PTR compares the peer's reverse name against its HELO hostname.
type PTR struct{}

func newPTR(*config.Config, map[string]interface{}) (pipeline.Handler, error) {
	return &PTR{}, nil
}

func (h *PTR) Name() string { return "PTR" }

func (h *PTR) Helo(c *pipeline.Conn, helo string) error {
	if c.IsLocal() || c.IsTrusted() || c.IsAuthenticated() {
		return nil
	}

	r, err := resolverFor(c)
	if err != nil {
		return err
	}

	ctx, cancel, done := dnsScope(c, "ptr")
	defer cancel()

	var value authres.ResultValue = authres.ResultFail
	lookup := ""

	names, lookupErr := r.LookupPTR(ctx, c.IP)
	if lookupErr == nil {
		lookup = names[0]
		for _, name := range names {
			if strings.EqualFold(strings.TrimSuffix(name, "."), strings.TrimSuffix(helo, ".")) {
				value = authres.ResultPass
				lookup = name
				break
			}
		}
	} else if !dnsx.IsNotFound(lookupErr) {
		value = authres.ResultTempError
		c.Log.Debug("ptr", "ptr lookup %s: %s", c.IP, lookupErr)
	}

	if err := done(); err != nil {
		return err
	}

	params := map[string]string{"policy.ptr-helo": helo}
	if len(lookup) > 0 {
		params["policy.ptr-lookup"] = lookup
	}

	c.Headers.AddConnectAuthResult(headers.NewResult(&authres.GenericResult{
		Method: "x-ptr",
		Value:  value,
		Params: params,
	}))

	return nil
}
