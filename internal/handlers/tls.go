package handlers

import (
	"github.com/emersion/go-msgauth/authres"

	"github.com/jawr/mailauth/internal/config"
	"github.com/jawr/mailauth/internal/headers"
	"github.com/jawr/mailauth/internal/pipeline"
)

// TLS surfaces the transport security of the delivering connection from
// the MTA's tls macros.
type TLS struct{}

func newTLS(*config.Config, map[string]interface{}) (pipeline.Handler, error) {
	return &TLS{}, nil
}

func (h *TLS) Name() string { return "TLS" }

func (h *TLS) MailFrom(c *pipeline.Conn, _ string) error {
	version, ok := c.Symbols.Get("{tls_version}")
	if !ok || len(version) == 0 {
		return nil
	}

	params := map[string]string{"smtp.tls": version}
	if cipher, ok := c.Symbols.Get("{cipher}"); ok && len(cipher) > 0 {
		params["smtp.cipher"] = cipher
	}

	c.Headers.AddAuthResult(headers.NewResult(&authres.GenericResult{
		Method: "x-tls",
		Value:  authres.ResultPass,
		Params: params,
	}))

	return nil
}
