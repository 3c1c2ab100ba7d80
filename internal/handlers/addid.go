package handlers

import (
	"github.com/jawr/mailauth/internal/config"
	"github.com/jawr/mailauth/internal/pipeline"
)

// AddID stamps every message, mostly useful as a liveness check of the
// whole header emission path.
type AddID struct{}

func newAddID(*config.Config, map[string]interface{}) (pipeline.Handler, error) {
	return &AddID{}, nil
}

func (h *AddID) Name() string { return "AddID" }

func (h *AddID) EndOfMessage(c *pipeline.Conn) error {
	c.Headers.Append("X-Authentication-Milter", "Header added by Authentication Milter")
	return nil
}
