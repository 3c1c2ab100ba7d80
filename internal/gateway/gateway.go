// Package gateway wires the north-side transports (milter and SMTP
// proxy) to the handler pipeline and owns the per-connection plumbing
// both share.
package gateway

import (
	"time"

	"github.com/pkg/errors"

	"github.com/jawr/mailauth/internal/config"
	"github.com/jawr/mailauth/internal/deadline"
	"github.com/jawr/mailauth/internal/dnsx"
	"github.com/jawr/mailauth/internal/handlers"
	"github.com/jawr/mailauth/internal/logger"
	"github.com/jawr/mailauth/internal/logpub"
	"github.com/jawr/mailauth/internal/metrics"
	"github.com/jawr/mailauth/internal/pipeline"
)

// Gateway holds everything shared across connections: the handler
// registry, the metrics registry, the resolver and the optional
// disposition publisher.
type Gateway struct {
	Cfg      *config.Config
	Registry *pipeline.Registry
	Metrics  *metrics.Registry

	resolver dnsx.Resolver
	spfCheck handlers.SPFChecker

	publisher *logpub.Publisher

	// overall per-session budget armed when a connection is accepted;
	// zero means unlimited
	SessionBudget time.Duration
}

func New(cfg *config.Config) (*Gateway, error) {
	m := metrics.NewRegistry()

	hs, err := handlers.Load(cfg)
	if err != nil {
		return nil, errors.WithMessage(err, "handlers.Load")
	}

	reg, err := pipeline.NewRegistry(hs, m)
	if err != nil {
		return nil, errors.WithMessage(err, "NewRegistry")
	}

	resolver, err := dnsx.NewClient(cfg.DNSResolvers, cfg.DNSRetry, time.Duration(cfg.DNSTimeout)*time.Second)
	if err != nil {
		return nil, errors.WithMessage(err, "dnsx.NewClient")
	}

	g := &Gateway{
		Cfg:      cfg,
		Registry: reg,
		Metrics:  m,
		resolver: resolver,
		spfCheck: handlers.DefaultSPFChecker,
	}

	if len(cfg.LogURL) > 0 {
		pub, err := logpub.Dial(cfg.LogURL, cfg.LogExchange)
		if err != nil {
			return nil, errors.WithMessage(err, "logpub.Dial")
		}
		g.publisher = pub
	}

	return g, nil
}

// SetResolver swaps the shared resolver; tests inject a MockResolver.
func (g *Gateway) SetResolver(r dnsx.Resolver) {
	g.resolver = r
}

// SetSPFChecker swaps the SPF engine.
func (g *Gateway) SetSPFChecker(check handlers.SPFChecker) {
	g.spfCheck = check
}

// NewConn builds a connection context with the built-in object factories
// registered: the resolver and the SPF engine, both reused across the
// connection's messages.
func (g *Gateway) NewConn() *pipeline.Conn {
	log := logger.New(g.Cfg.Debug, g.Cfg.LogToErr)
	dl := deadline.New(g.Cfg.SectionTimeouts())
	if g.SessionBudget > 0 {
		dl.SetOverall(g.SessionBudget)
	}

	c := pipeline.NewConn(g.Cfg, log, g.Registry, g.Metrics, dl)

	c.Objects.RegisterFactory(pipeline.ObjectResolver, false, func() (interface{}, error) {
		return g.resolver, nil
	})
	c.Objects.RegisterFactory(pipeline.ObjectSPFServer, false, func() (interface{}, error) {
		return g.spfCheck, nil
	})

	return c
}

// publish sends the per-message disposition entry when a publisher is
// configured. The envelope is passed in because the message context is
// already dropped when the final code is known.
func (g *Gateway) publish(c *pipeline.Conn, code pipeline.Code, reason, from, to string) {
	if g.publisher == nil {
		return
	}

	etype := logger.EntryTypeContinue
	switch code {
	case pipeline.Reject:
		etype = logger.EntryTypeReject
	case pipeline.TempFail:
		etype = logger.EntryTypeDefer
	case pipeline.Discard:
		etype = logger.EntryTypeDiscard
	}

	entry := logger.Entry{
		Time:      time.Now(),
		ID:        c.ID,
		QueueID:   c.Log.QueueID(),
		ClientIP:  c.IP.String(),
		Helo:      c.HeloName,
		Etype:     etype,
		Status:    reason,
		FromEmail: from,
		ToEmail:   to,
	}

	if err := g.publisher.Add(entry); err != nil {
		c.Log.Error("publish", "Add: %s", err)
	}
}

// Close releases shared resources.
func (g *Gateway) Close() error {
	if g.publisher != nil {
		return g.publisher.Close()
	}
	return nil
}
