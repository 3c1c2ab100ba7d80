package handlers

import (
	"fmt"
	"strconv"

	"github.com/emersion/go-msgauth/authres"

	"github.com/jawr/mailauth/internal/config"
	"github.com/jawr/mailauth/internal/headers"
	"github.com/jawr/mailauth/internal/pipeline"
)

// Size counts body bytes and can reject messages over the configured
// ceiling. A max_size of zero disables the limit.
type Size struct {
	maxSize int64
}

func newSize(_ *config.Config, cfg map[string]interface{}) (pipeline.Handler, error) {
	return &Size{
		maxSize: int64(cfgInt(cfg, "max_size", 0)),
	}, nil
}

func (h *Size) Name() string { return "Size" }

func (h *Size) count(c *pipeline.Conn) int64 {
	n, _ := c.Priv("Size").(int64)
	return n
}

func (h *Size) MailFrom(c *pipeline.Conn, _ string) error {
	c.SetPriv("Size", int64(0))
	return nil
}

func (h *Size) Body(c *pipeline.Conn, chunk []byte) error {
	c.SetPriv("Size", h.count(c)+int64(len(chunk)))
	return nil
}

func (h *Size) EndOfMessage(c *pipeline.Conn) error {
	n := h.count(c)

	var value authres.ResultValue = authres.ResultPass
	if h.maxSize > 0 && n > h.maxSize {
		value = authres.ResultFail
		c.Disposition.RejectMail(fmt.Sprintf("552 5.3.4 Message of %d bytes exceeds limit", n))
	}

	c.Headers.AddAuthResult(headers.NewResult(&authres.GenericResult{
		Method: "x-size",
		Value:  value,
		Params: map[string]string{"policy.size": strconv.FormatInt(n, 10)},
	}))

	return nil
}
