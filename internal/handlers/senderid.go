package handlers

import (
	"github.com/emersion/go-msgauth/authres"

	"github.com/jawr/mailauth/internal/config"
	"github.com/jawr/mailauth/internal/headers"
	"github.com/jawr/mailauth/internal/pipeline"
)

// SenderID emits a legacy sender-id verdict for consumers that still
// look for one, derived from the SPF evaluation of the same message.
type SenderID struct{}

func newSenderID(*config.Config, map[string]interface{}) (pipeline.Handler, error) {
	return &SenderID{}, nil
}

func (h *SenderID) Name() string { return "SenderID" }

func (h *SenderID) EndOfHeaders(c *pipeline.Conn) error {
	state, ok := SPFStateFor(c)
	if !ok {
		return nil
	}

	c.Headers.AddAuthResult(headers.NewResult(&authres.GenericResult{
		Method: "sender-id",
		Value:  authres.ResultValue(state.Value),
		Params: map[string]string{"header.from": state.Domain},
	}))

	return nil
}
