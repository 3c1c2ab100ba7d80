package handlers

import (
	"net"

	"github.com/emersion/go-msgauth/authres"

	"github.com/jawr/mailauth/internal/config"
	"github.com/jawr/mailauth/internal/dnsx"
	"github.com/jawr/mailauth/internal/headers"
	"github.com/jawr/mailauth/internal/pipeline"
)

// IPRev runs the forward-confirmed reverse DNS check (RFC 8601 section
// 2.7.3): PTR the peer, then forward-resolve each returned name until the
// original address comes back.
type IPRev struct {
	disabled bool
}

func newIPRev(_ *config.Config, cfg map[string]interface{}) (pipeline.Handler, error) {
	return &IPRev{
		disabled: cfgBool(cfg, "disabled", false),
	}, nil
}

func (h *IPRev) Name() string { return "IPRev" }

// VerifiedPTR reads the domain confirmed by a passing iprev check.
func VerifiedPTR(c *pipeline.Conn) (string, bool) {
	d, ok := c.Priv("IPRev").(string)
	return d, ok
}

func (h *IPRev) Connect(c *pipeline.Conn, _ string, ip net.IP) error {
	if h.disabled || c.IsLocal() || c.IsTrusted() || c.IsAuthenticated() {
		return nil
	}

	r, err := resolverFor(c)
	if err != nil {
		return err
	}

	ctx, cancel, done := dnsScope(c, "iprev")
	defer cancel()

	var value authres.ResultValue = authres.ResultFail
	domain := "NOT FOUND"

	names, lookupErr := r.LookupPTR(ctx, ip)
	if lookupErr == nil {
	scan:
		for _, name := range names {
			for _, lookup := range []func() ([]net.IP, error){
				func() ([]net.IP, error) { return r.LookupA(ctx, name) },
				func() ([]net.IP, error) { return r.LookupAAAA(ctx, name) },
			} {
				fwd, err := lookup()
				if err != nil {
					continue
				}
				for _, fwdIP := range fwd {
					if ip.Equal(fwdIP) {
						value = authres.ResultPass
						domain = name
						break scan
					}
				}
			}
		}
	} else if !dnsx.IsNotFound(lookupErr) {
		value = authres.ResultTempError
		domain = ip.String()
		c.Log.Debug("iprev", "ptr lookup %s: %s", ip, lookupErr)
	}

	if err := done(); err != nil {
		return err
	}

	c.Headers.AddConnectAuthResult(headers.NewResultComment(&authres.GenericResult{
		Method: "iprev",
		Value:  value,
		Params: map[string]string{"policy.iprev": ip.String()},
	}, domain))

	if value == authres.ResultPass {
		c.SetPriv("IPRev", domain)
	}

	return nil
}
