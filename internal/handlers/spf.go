package handlers

import (
	"context"
	"net"

	"blitiri.com.ar/go/spf"
	"github.com/emersion/go-msgauth/authres"
	"github.com/pkg/errors"

	"github.com/jawr/mailauth/internal/addr"
	"github.com/jawr/mailauth/internal/config"
	"github.com/jawr/mailauth/internal/headers"
	"github.com/jawr/mailauth/internal/pipeline"
)

// SPFChecker evaluates a sender policy; the default engine comes from the
// spf_server object so tests can swap it.
type SPFChecker func(ctx context.Context, ip net.IP, helo, sender string) (spf.Result, error)

// DefaultSPFChecker is the production engine.
func DefaultSPFChecker(_ context.Context, ip net.IP, helo, sender string) (spf.Result, error) {
	return spf.CheckHostWithSender(ip, helo, sender)
}

// SPF checks the envelope sender against its domain's published policy.
type SPF struct {
	hardFailReject bool
	rejectReason   string
}

func newSPF(_ *config.Config, cfg map[string]interface{}) (pipeline.Handler, error) {
	return &SPF{
		hardFailReject: cfgBool(cfg, "hard_fail_reject", false),
		rejectReason:   cfgString(cfg, "reject_reason", "550 5.7.1 SPF check failed"),
	}, nil
}

func (h *SPF) Name() string { return "SPF" }

func (h *SPF) checker(c *pipeline.Conn) (SPFChecker, error) {
	obj, err := c.Objects.Get(pipeline.ObjectSPFServer)
	if err != nil {
		return nil, errors.WithMessage(err, "Objects.Get spf_server")
	}
	check, ok := obj.(SPFChecker)
	if !ok {
		return nil, errors.New("no spf engine in object store")
	}
	return check, nil
}

func (h *SPF) MailFrom(c *pipeline.Conn, from string) error {
	if c.IsLocal() || c.IsTrusted() || c.IsAuthenticated() {
		return nil
	}

	check, err := h.checker(c)
	if err != nil {
		return err
	}

	sender := from
	if addrs := addr.Parse(from, c.Log); len(addrs) > 0 {
		sender = addrs[0]
	}

	ctx, cancel, done := dnsScope(c, "spf")
	defer cancel()

	result, checkErr := check(ctx, c.IP, c.HeloName, sender)
	if checkErr != nil {
		c.Log.Debug("spf", "check %s from %s: %s", c.IP, sender, checkErr)
	}

	if err := done(); err != nil {
		return err
	}

	value := authres.ResultValue(result)
	domain := addr.DomainFrom(sender, c.Log)

	c.Headers.AddAuthResult(headers.NewResult(&authres.SPFResult{
		Value: value,
		From:  sender,
		Helo:  c.HeloName,
	}))

	c.SetPriv("SPF", SPFState{
		Value:  string(value),
		Domain: domain,
		Helo:   c.HeloName,
	})

	if result == spf.Fail && h.hardFailReject {
		c.Disposition.RejectMail(h.rejectReason)
	}

	return nil
}
