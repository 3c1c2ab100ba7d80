package handlers

import (
	"github.com/emersion/go-msgauth/authres"

	"github.com/jawr/mailauth/internal/config"
	"github.com/jawr/mailauth/internal/headers"
	"github.com/jawr/mailauth/internal/pipeline"
)

// Auth recognizes SASL-authenticated connections via the MTA's
// auth_authen macro and records an auth fragment for them.
type Auth struct{}

func newAuth(*config.Config, map[string]interface{}) (pipeline.Handler, error) {
	return &Auth{}, nil
}

func (h *Auth) Name() string { return "Auth" }

func (h *Auth) MailFrom(c *pipeline.Conn, _ string) error {
	user, ok := c.Symbols.Get("{auth_authen}")
	if !ok || len(user) == 0 {
		return nil
	}

	c.MarkAuthenticated()
	c.Log.Debug("auth", "authenticated as %s", user)

	c.Headers.AddAuthResult(headers.NewResult(&authres.GenericResult{
		Method: "auth",
		Value:  authres.ResultPass,
		Params: map[string]string{"smtp.auth": user},
	}))

	return nil
}
