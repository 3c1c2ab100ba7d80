package handlers

import (
	"bytes"
	"fmt"

	"github.com/emersion/go-msgauth/authres"
	"github.com/emersion/go-msgauth/dkim"

	"github.com/jawr/mailauth/internal/config"
	"github.com/jawr/mailauth/internal/headers"
	"github.com/jawr/mailauth/internal/pipeline"
)

// DKIM buffers the raw message and verifies its signatures at eom. The
// key lookups go through the shared resolver so tests and the DNS cache
// both apply.
type DKIM struct {
	maxVerifications int
}

func newDKIM(_ *config.Config, cfg map[string]interface{}) (pipeline.Handler, error) {
	return &DKIM{
		maxVerifications: cfgInt(cfg, "max_verifications", 10),
	}, nil
}

func (h *DKIM) Name() string { return "DKIM" }

// CanSortHeader claims dkim fragments so multiple signature results keep
// a stable domain order.
func (h *DKIM) CanSortHeader(key string) bool { return key == "dkim" }

func (h *DKIM) HeaderSort(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func (h *DKIM) buffer(c *pipeline.Conn) *bytes.Buffer {
	if b, ok := c.Priv("DKIM.buffer").(*bytes.Buffer); ok {
		return b
	}
	b := new(bytes.Buffer)
	c.SetPriv("DKIM.buffer", b)
	return b
}

func (h *DKIM) MailFrom(c *pipeline.Conn, _ string) error {
	h.buffer(c).Reset()
	return nil
}

func (h *DKIM) Header(c *pipeline.Conn, name, value string) error {
	fmt.Fprintf(h.buffer(c), "%s: %s\r\n", name, value)
	return nil
}

func (h *DKIM) EndOfHeaders(c *pipeline.Conn) error {
	h.buffer(c).WriteString("\r\n")
	return nil
}

func (h *DKIM) Body(c *pipeline.Conn, chunk []byte) error {
	h.buffer(c).Write(chunk)
	return nil
}

func (h *DKIM) EndOfMessage(c *pipeline.Conn) error {
	r, err := resolverFor(c)
	if err != nil {
		return err
	}

	ctx, cancel, done := dnsScope(c, "dkim")
	defer cancel()

	opts := dkim.VerifyOptions{
		LookupTXT: func(domain string) ([]string, error) {
			return r.LookupTXT(ctx, domain)
		},
		MaxVerifications: h.maxVerifications,
	}

	verifications, verifyErr := dkim.VerifyWithOptions(bytes.NewReader(h.buffer(c).Bytes()), &opts)

	if err := done(); err != nil {
		return err
	}

	state := DKIMState{}

	if verifyErr != nil {
		c.Log.Debug("dkim", "verify: %s", verifyErr)
		c.Headers.AddAuthResult(headers.NewResult(&authres.DKIMResult{
			Value: authres.ResultTempError,
		}))
		c.SetPriv("DKIM", state)
		return nil
	}

	if len(verifications) == 0 {
		c.Headers.AddAuthResult(headers.NewResult(&authres.DKIMResult{
			Value: authres.ResultNone,
		}))
		c.SetPriv("DKIM", state)
		return nil
	}

	for _, v := range verifications {
		var value authres.ResultValue = authres.ResultPass
		if v.Err != nil {
			value = authres.ResultFail
			if dkim.IsTempFail(v.Err) {
				value = authres.ResultTempError
			}
			c.Log.Debug("dkim", "signature %s: %s", v.Domain, v.Err)
		}

		c.Headers.AddAuthResult(headers.NewResult(&authres.DKIMResult{
			Value:      value,
			Domain:     v.Domain,
			Identifier: v.Identifier,
		}))

		state.Sigs = append(state.Sigs, DKIMSig{
			Domain:     v.Domain,
			Identifier: v.Identifier,
			Value:      string(value),
		})
	}

	c.SetPriv("DKIM", state)
	return nil
}
