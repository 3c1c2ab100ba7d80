// Package handlers holds the concrete authentication handlers. Each one
// implements the pipeline capabilities it needs and nothing else; the
// registry discovers the rest.
package handlers

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/jawr/mailauth/internal/config"
	"github.com/jawr/mailauth/internal/dnsx"
	"github.com/jawr/mailauth/internal/pipeline"
)

type factoryFn func(conf *config.Config, cfg map[string]interface{}) (pipeline.Handler, error)

var factories = map[string]factoryFn{
	"LocalIP":     newLocalIP,
	"TrustedIP":   newTrustedIP,
	"Auth":        newAuth,
	"TLS":         newTLS,
	"IPRev":       newIPRev,
	"PTR":         newPTR,
	"SPF":         newSPF,
	"DKIM":        newDKIM,
	"DMARC":       newDMARC,
	"Size":        newSize,
	"AlignedFrom": newAlignedFrom,
	"Sanitize":    newSanitize,
	"AddID":       newAddID,
	"ReturnOK":    newReturnOK,
	"SenderID":    newSenderID,
	"XGoogleDKIM": newXGoogleDKIM,
}

// Load builds the handlers named in load_handlers, in configured order.
func Load(conf *config.Config) ([]pipeline.Handler, error) {
	hs := make([]pipeline.Handler, 0, len(conf.LoadHandlers))
	for _, name := range conf.LoadHandlers {
		build, ok := factories[name]
		if !ok {
			return nil, errors.Errorf("unknown handler %q in load_handlers", name)
		}
		h, err := build(conf, conf.HandlerConfig(name))
		if err != nil {
			return nil, errors.WithMessagef(err, "load %s", name)
		}
		hs = append(hs, h)
	}
	return hs, nil
}

// config table accessors; toml hands back int64/bool/string/[]interface{}

func cfgBool(cfg map[string]interface{}, key string, def bool) bool {
	if v, ok := cfg[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

func cfgInt(cfg map[string]interface{}, key string, def int) int {
	switch v := cfg[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func cfgString(cfg map[string]interface{}, key, def string) string {
	if v, ok := cfg[key].(string); ok {
		return v
	}
	return def
}

func cfgStrings(cfg map[string]interface{}, key string) []string {
	var out []string
	switch v := cfg[key].(type) {
	case []string:
		return v
	case []interface{}:
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

// resolverFor fetches the shared resolver object.
func resolverFor(c *pipeline.Conn) (dnsx.Resolver, error) {
	obj, err := c.Objects.Get(pipeline.ObjectResolver)
	if err != nil {
		return nil, errors.WithMessage(err, "Objects.Get resolver")
	}
	r, ok := obj.(dnsx.Resolver)
	if !ok {
		return nil, errors.New("no resolver in object store")
	}
	return r, nil
}

// dnsScope opens a handler-local deadline for a DNS exchange. The
// returned done func closes the scope, re-arming the outer budget; its
// error is a Timeout when that budget is already spent and must be
// returned as-is.
func dnsScope(c *pipeline.Conn, site string) (context.Context, context.CancelFunc, func() error) {
	c.Deadline.ArmHandler(time.Duration(c.Cfg.DNSTimeout) * time.Second)
	ctx, cancel := c.Deadline.Context(context.Background())
	done := func() error {
		return c.Deadline.ResetToOuter(site)
	}
	return ctx, cancel, done
}

// Cross-handler state, kept under the producing handler's name.

type SPFState struct {
	Value  string // authres result value
	Domain string // envelope sender domain
	Helo   string
}

type DKIMSig struct {
	Domain     string
	Identifier string
	Value      string
}

type DKIMState struct {
	Sigs []DKIMSig
}

// SPFStateFor reads the SPF handler's result, if it ran.
func SPFStateFor(c *pipeline.Conn) (SPFState, bool) {
	s, ok := c.Priv("SPF").(SPFState)
	return s, ok
}

// DKIMStateFor reads the DKIM handler's results, if it ran.
func DKIMStateFor(c *pipeline.Conn) (DKIMState, bool) {
	s, ok := c.Priv("DKIM").(DKIMState)
	return s, ok
}
