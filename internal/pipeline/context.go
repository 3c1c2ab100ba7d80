package pipeline

import (
	"net"
	"sort"

	"github.com/google/uuid"

	"github.com/jawr/mailauth/internal/config"
	"github.com/jawr/mailauth/internal/deadline"
	"github.com/jawr/mailauth/internal/headers"
	"github.com/jawr/mailauth/internal/logger"
	"github.com/jawr/mailauth/internal/metrics"
)

// Stage is the event stage a symbol was supplied at.
type Stage byte

const (
	StageConnect Stage = 'C'
	StageHelo    Stage = 'H'
	StageMail    Stage = 'M'
	StageRcpt    Stage = 'R'
	StageBody    Stage = 'B'
)

var stageOrder = []Stage{StageConnect, StageHelo, StageMail, StageRcpt, StageBody}

// SymbolTable stores the MTA-supplied macros, scoped by event stage.
type SymbolTable struct {
	stages map[Stage]map[string]string
}

func NewSymbolTable() *SymbolTable {
	return &SymbolTable{
		stages: make(map[Stage]map[string]string),
	}
}

func (t *SymbolTable) Set(stage Stage, key, value string) {
	m, ok := t.stages[stage]
	if !ok {
		m = make(map[string]string)
		t.stages[stage] = m
	}
	m[key] = value
}

// Get scans all stages in event order and returns the first match.
func (t *SymbolTable) Get(key string) (string, bool) {
	for _, stage := range stageOrder {
		if v, ok := t.stages[stage][key]; ok {
			return v, true
		}
	}
	return "", false
}

// ClearSymbols drops everything except connect-stage entries, which
// outlive individual messages.
func (t *SymbolTable) ClearSymbols() {
	for stage := range t.stages {
		if stage != StageConnect {
			delete(t.stages, stage)
		}
	}
}

func (t *SymbolTable) ClearAllSymbols() {
	t.stages = make(map[Stage]map[string]string)
}

// Built-in object store names.
const (
	ObjectResolver  = "resolver"
	ObjectSPFServer = "spf_server"
)

// Factory builds a shared object on first use.
type Factory func() (interface{}, error)

type objectEntry struct {
	object  interface{}
	destroy bool
}

type factoryEntry struct {
	build   Factory
	destroy bool
}

// ObjectStore holds lazily built objects shared across a connection's
// handlers. Entries flagged destroy are reaped between messages; the
// resolver and SPF engine are not, and survive for the connection's
// lifetime.
type ObjectStore struct {
	entries   map[string]objectEntry
	factories map[string]factoryEntry
}

func NewObjectStore() *ObjectStore {
	return &ObjectStore{
		entries:   make(map[string]objectEntry),
		factories: make(map[string]factoryEntry),
	}
}

// RegisterFactory installs a named factory. The two built-ins are
// registered non-destroyable when each connection is built; test code
// swaps them here.
func (s *ObjectStore) RegisterFactory(name string, destroy bool, build Factory) {
	s.factories[name] = factoryEntry{build: build, destroy: destroy}
}

// Set stores an object directly.
func (s *ObjectStore) Set(name string, object interface{}, destroy bool) {
	s.entries[name] = objectEntry{object: object, destroy: destroy}
}

// Get returns the named object, building it on first use when a factory
// is registered. An unregistered name returns nil without error.
func (s *ObjectStore) Get(name string) (interface{}, error) {
	if e, ok := s.entries[name]; ok {
		return e.object, nil
	}
	f, ok := s.factories[name]
	if !ok {
		return nil, nil
	}
	obj, err := f.build()
	if err != nil {
		return nil, err
	}
	s.entries[name] = objectEntry{object: obj, destroy: f.destroy}
	return obj, nil
}

// Reap drops destroyable entries; called between messages.
func (s *ObjectStore) Reap() {
	for name, e := range s.entries {
		if e.destroy {
			delete(s.entries, name)
		}
	}
}

// Msg is the message context, alive from MAIL FROM to EOM or ABORT.
type Msg struct {
	From  string
	Rcpts []string
}

// Conn is the connection context threaded through every callback.
type Conn struct {
	ID uuid.UUID

	Cfg      *config.Config
	Log      *logger.Log
	Registry *Registry
	Metrics  *metrics.Registry
	Deadline *deadline.Unit
	Symbols  *SymbolTable
	Objects  *ObjectStore
	Headers  *headers.Accumulator

	Disposition *Disposition

	// raw values as the MTA reported them, and the effective values
	// after ip_map remapping
	RawIP    net.IP
	IP       net.IP
	Hostname string
	RawHelo  string
	HeloName string

	Msg *Msg

	// StatusSink receives pipeline status labels (setup..postclose);
	// typically wired to a process-title writer.
	StatusSink func(label string)

	status      string
	seenHelo    bool
	exitOnClose bool
	count       int
	lastReason  string

	authenticated bool
	local         bool
	trusted       bool

	priv map[string]interface{}
}

// NewConn builds a connection context around shared collaborators.
func NewConn(cfg *config.Config, log *logger.Log, reg *Registry, m *metrics.Registry, dl *deadline.Unit) *Conn {
	c := &Conn{
		ID:       uuid.New(),
		Cfg:      cfg,
		Log:      log,
		Registry: reg,
		Metrics:  m,
		Deadline: dl,
		Symbols:  NewSymbolTable(),
		Objects:  NewObjectStore(),
		Headers:  headers.NewAccumulator(cfg.Hostname, cfg.HeaderIndentStyle, cfg.HeaderIndentBy, cfg.HeaderFoldAt),
		priv:     make(map[string]interface{}),
	}
	c.Disposition = NewDisposition(log)
	return c
}

// Status records the pipeline status label and forwards it to the sink.
func (c *Conn) Status(label string) {
	c.status = label
	if c.StatusSink != nil {
		c.StatusSink(label)
	}
}

func (c *Conn) CurrentStatus() string {
	return c.status
}

// SetExitOnClose marks the connection as having hit a callback failure.
// Close uses the flag to decide whether buffered debug lines are
// replayed; neither transport reads it, so serving continues.
func (c *Conn) SetExitOnClose() {
	c.exitOnClose = true
}

func (c *Conn) ExitOnClose() bool {
	return c.exitOnClose
}

// LastReason is the SMTP text that accompanied the most recent event's
// outcome. It survives message teardown, unlike the disposition register,
// so transports read it when answering the MTA.
func (c *Conn) LastReason() string {
	return c.lastReason
}

// MessageCount reports how many messages this connection has carried.
func (c *Conn) MessageCount() int {
	return c.count
}

// Priv returns per-handler private state; handlers key it by their name.
func (c *Conn) Priv(handler string) interface{} {
	return c.priv[handler]
}

func (c *Conn) SetPriv(handler string, v interface{}) {
	c.priv[handler] = v
}

// MarkAuthenticated records that the connection authenticated; set by the
// Auth handler.
func (c *Conn) MarkAuthenticated() { c.authenticated = true }
func (c *Conn) MarkLocal()         { c.local = true }
func (c *Conn) MarkTrusted()       { c.trusted = true }

// IsAuthenticated is true only when the Auth handler is loaded and
// flagged the connection; absence of the handler yields false.
func (c *Conn) IsAuthenticated() bool {
	return c.Registry.Has("Auth") && c.authenticated
}

func (c *Conn) IsLocal() bool {
	return c.Registry.Has("LocalIP") && c.local
}

func (c *Conn) IsTrusted() bool {
	return c.Registry.Has("TrustedIP") && c.trusted
}

// Resolver fetches the shared DNS resolver from the object store.
func (c *Conn) Resolver() (interface{}, error) {
	return c.Objects.Get(ObjectResolver)
}

// sortedPrefixes returns the ip_map keys in sorted order so overlapping
// prefixes resolve deterministically: the lowest key wins.
func (c *Conn) sortedPrefixes() []string {
	prefixes := make([]string, 0, len(c.Cfg.IPMap))
	for p := range c.Cfg.IPMap {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)
	return prefixes
}

func (c *Conn) remapEntry(ip net.IP) (config.IPMapEntry, string, bool) {
	for _, prefix := range c.sortedPrefixes() {
		_, ipnet, err := net.ParseCIDR(prefix)
		if err != nil {
			continue
		}
		if ipnet.Contains(ip) {
			return c.Cfg.IPMap[prefix], prefix, true
		}
	}
	return config.IPMapEntry{}, "", false
}
