// Package headers collects the per-connection and per-message
// Authentication-Results fragments plus the queues of headers to insert
// or append, and serializes the final trace header.
package headers

import (
	"fmt"
	"sort"
	"strings"

	"github.com/emersion/go-msgauth/authres"
)

// Fragment is one handler's contribution to the Authentication-Results
// header. Legacy opaque strings and structured authres entries coexist;
// new handlers should only produce structured Results.
type Fragment interface {
	Key() string
	String() string
}

// Legacy is a deprecated opaque fragment kept for compatibility.
type Legacy string

func (l Legacy) Key() string {
	s := string(l)
	if i := strings.IndexByte(s, '='); i > 0 {
		return strings.ToLower(strings.TrimSpace(s[:i]))
	}
	return strings.ToLower(strings.TrimSpace(s))
}

func (l Legacy) String() string {
	return string(l)
}

// Result is a structured fragment wrapping an authres entry, with an
// optional trailing comment.
type Result struct {
	R       authres.Result
	Comment string
}

func NewResult(r authres.Result) Result {
	return Result{R: r}
}

func NewResultComment(r authres.Result, comment string) Result {
	return Result{R: r, Comment: comment}
}

func (r Result) Key() string {
	switch v := r.R.(type) {
	case *authres.SPFResult:
		return "spf"
	case *authres.DKIMResult:
		return "dkim"
	case *authres.DMARCResult:
		return "dmarc"
	case *authres.GenericResult:
		return strings.ToLower(v.Method)
	default:
		s := r.String()
		if i := strings.IndexByte(s, '='); i > 0 {
			return strings.ToLower(s[:i])
		}
		return s
	}
}

// identifier distinguishes fragments with the same method, e.g. two dkim
// results for different signing domains.
func (r Result) identifier() string {
	switch v := r.R.(type) {
	case *authres.SPFResult:
		return v.From
	case *authres.DKIMResult:
		return v.Domain + "/" + v.Identifier
	case *authres.DMARCResult:
		return v.From
	case *authres.GenericResult:
		return genericIdentifier(v)
	default:
		return r.String()
	}
}

func genericIdentifier(v *authres.GenericResult) string {
	keys := make([]string, 0, len(v.Params))
	for k := range v.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(v.Params[k])
		sb.WriteByte('/')
	}
	return sb.String()
}

func (r Result) String() string {
	var sb strings.Builder
	switch v := r.R.(type) {
	case *authres.SPFResult:
		fmt.Fprintf(&sb, "spf=%s", v.Value)
		if len(v.From) > 0 {
			fmt.Fprintf(&sb, " smtp.mailfrom=%s", v.From)
		}
		if len(v.Helo) > 0 {
			fmt.Fprintf(&sb, " smtp.helo=%s", v.Helo)
		}
	case *authres.DKIMResult:
		fmt.Fprintf(&sb, "dkim=%s", v.Value)
		if len(v.Domain) > 0 {
			fmt.Fprintf(&sb, " header.d=%s", v.Domain)
		}
		if len(v.Identifier) > 0 {
			fmt.Fprintf(&sb, " header.i=%s", v.Identifier)
		}
	case *authres.DMARCResult:
		fmt.Fprintf(&sb, "dmarc=%s", v.Value)
		if len(v.From) > 0 {
			fmt.Fprintf(&sb, " header.from=%s", v.From)
		}
	case *authres.GenericResult:
		fmt.Fprintf(&sb, "%s=%s", strings.ToLower(v.Method), v.Value)
		keys := make([]string, 0, len(v.Params))
		for k := range v.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, " %s=%s", k, v.Params[k])
		}
	default:
		fmt.Fprintf(&sb, "%v", v)
	}
	if len(r.Comment) > 0 {
		fmt.Fprintf(&sb, " (%s)", r.Comment)
	}
	return sb.String()
}

// Header is one queued header mutation.
type Header struct {
	Name  string
	Value string
}

// SorterFor resolves a handler-supplied comparator for fragments sharing
// a method key; nil when no loaded handler sorts that key.
type SorterFor func(key string) func(a, b string) int

// Accumulator owns the ordered fragment sequences and header queues for
// one connection. Connection-scope fragments are emitted on every message
// of the connection; message-scope state resets between messages.
type Accumulator struct {
	hostname    string
	indentStyle string
	indentBy    int
	foldAt      int

	cauth []Fragment
	auth  []Fragment

	pre []Header
	add []Header
}

func NewAccumulator(hostname, indentStyle string, indentBy, foldAt int) *Accumulator {
	if indentBy <= 0 {
		indentBy = 4
	}
	if len(indentStyle) == 0 {
		indentStyle = "entry"
	}
	return &Accumulator{
		hostname:    hostname,
		indentStyle: indentStyle,
		indentBy:    indentBy,
		foldAt:      foldAt,
	}
}

func (a *Accumulator) Hostname() string {
	return a.hostname
}

// AddAuthResult queues a message-scope fragment.
func (a *Accumulator) AddAuthResult(f Fragment) {
	a.auth = append(a.auth, f)
}

// AddConnectAuthResult queues a connection-scope fragment, repeated on
// every message of the connection.
func (a *Accumulator) AddConnectAuthResult(f Fragment) {
	a.cauth = append(a.cauth, f)
}

// Prepend queues a header for insertion at index 1.
func (a *Accumulator) Prepend(name, value string) {
	a.pre = append(a.pre, Header{Name: name, Value: value})
}

// Append queues a header for appending after the existing ones.
func (a *Accumulator) Append(name, value string) {
	a.add = append(a.add, Header{Name: name, Value: value})
}

func (a *Accumulator) PreHeaders() []Header {
	return a.pre
}

func (a *Accumulator) AddHeaders() []Header {
	return a.add
}

// SetPreHeaders replaces the queue; used by addheader callbacks that
// mutate queued headers before the flush.
func (a *Accumulator) SetPreHeaders(hs []Header) {
	a.pre = hs
}

func (a *Accumulator) SetAddHeaders(hs []Header) {
	a.add = hs
}

// Fragments returns connection-scope fragments followed by message-scope
// ones, in arrival order.
func (a *Accumulator) Fragments() []Fragment {
	out := make([]Fragment, 0, len(a.cauth)+len(a.auth))
	out = append(out, a.cauth...)
	out = append(out, a.auth...)
	return out
}

// ResetMessage drops message-scope state. Connection-scope fragments
// survive.
func (a *Accumulator) ResetMessage() {
	a.auth = nil
	a.pre = nil
	a.add = nil
}

// foldLine wraps a fragment at the configured column, breaking on spaces
// and indenting continuations one level deeper. Zero disables folding.
func foldLine(line string, foldAt int, indent string) string {
	if foldAt <= 0 || len(indent)+len(line) <= foldAt {
		return line
	}

	budget := foldAt - len(indent)
	if budget < 1 {
		budget = 1
	}

	var sb strings.Builder
	for len(line) > budget {
		cut := strings.LastIndexByte(line[:budget+1], ' ')
		if cut <= 0 {
			break
		}
		sb.WriteString(line[:cut])
		sb.WriteString("\n" + indent + "    ")
		line = line[cut+1:]
	}
	sb.WriteString(line)
	return sb.String()
}

func fragmentIdentity(f Fragment) string {
	if r, ok := f.(Result); ok {
		return r.Key() + "|" + r.identifier()
	}
	return f.Key() + "|" + f.String()
}

// Serialize builds the Authentication-Results value: the hostname on the
// first folded line, then each fragment on its own indented line, `none`
// when there are no fragments. Fragments are sorted (handler-aware,
// stable) and deduplicated on (key, identifier) first. Legacy and
// structured fragments are written the same way, each through its String
// form.
func (a *Accumulator) Serialize(sorterFor SorterFor) string {
	frags := a.Fragments()

	sort.SliceStable(frags, func(i, j int) bool {
		ki, kj := frags[i].Key(), frags[j].Key()
		if ki == kj && sorterFor != nil {
			if cmp := sorterFor(ki); cmp != nil {
				return cmp(frags[i].String(), frags[j].String()) < 0
			}
		}
		return frags[i].String() < frags[j].String()
	})

	seen := make(map[string]bool, len(frags))
	kept := frags[:0]
	for _, f := range frags {
		id := fragmentIdentity(f)
		if seen[id] {
			continue
		}
		seen[id] = true
		kept = append(kept, f)
	}

	indent := strings.Repeat(" ", a.indentBy)

	var sb strings.Builder
	sb.WriteString(a.hostname)
	if len(kept) == 0 {
		sb.WriteString(";\n" + indent + "none")
		return sb.String()
	}

	// legacy string fragments and structured entries fold identically, so
	// a mixed list degrades cleanly to string joining
	for _, f := range kept {
		sb.WriteString(";\n")
		sb.WriteString(indent)
		sb.WriteString(foldLine(f.String(), a.foldAt, indent))
	}
	return sb.String()
}
