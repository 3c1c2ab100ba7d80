package handlers

import (
	"github.com/emersion/go-msgauth/authres"

	"github.com/jawr/mailauth/internal/config"
	"github.com/jawr/mailauth/internal/headers"
	"github.com/jawr/mailauth/internal/pipeline"
)

// XGoogleDKIM mirrors the DKIM verdicts under the x-google-dkim method
// for downstream filters trained on Google-style trace headers.
type XGoogleDKIM struct{}

func newXGoogleDKIM(*config.Config, map[string]interface{}) (pipeline.Handler, error) {
	return &XGoogleDKIM{}, nil
}

func (h *XGoogleDKIM) Name() string { return "XGoogleDKIM" }

func (h *XGoogleDKIM) EndOfMessage(c *pipeline.Conn) error {
	state, ok := DKIMStateFor(c)
	if !ok {
		return nil
	}

	value := authres.ResultNone
	domain := ""
	for _, sig := range state.Sigs {
		if sig.Value == string(authres.ResultPass) {
			value = authres.ResultPass
			domain = sig.Domain
			break
		}
		value = authres.ResultValue(sig.Value)
		domain = sig.Domain
	}

	params := map[string]string{}
	if len(domain) > 0 {
		params["header.d"] = domain
	}

	c.Headers.AddAuthResult(headers.NewResult(&authres.GenericResult{
		Method: "x-google-dkim",
		Value:  value,
		Params: params,
	}))

	return nil
}
