// Package addr extracts addresses and domains from free-form RFC 5322
// header and envelope values. Real-world input is frequently malformed, so
// the tokenizer never fails hard: when nothing parses the original string
// is handed back and a parse error is logged.
package addr

import (
	"regexp"
	"strings"

	"github.com/jawr/mailauth/internal/logger"
)

// FallbackDomain is returned by DomainFrom when no domain is present.
const FallbackDomain = "localhost.localdomain"

type tokenKind int

const (
	tokenPhrase tokenKind = iota
	tokenEmail
	tokenComment
	tokenSeparator
)

type token struct {
	kind tokenKind
	text string
}

// dotatom@IDN, used to promote a bare phrase to an email.
var emailish = regexp.MustCompile("^[A-Za-z0-9!#$%&'*+/=?^_`{|}~.+-]+@[\\p{L}\\p{N}][\\p{L}\\p{N}.-]*$")

func tokenize(in string, log *logger.Log) []token {
	var tokens []token
	i := 0
	n := len(in)
	for i < n {
		c := in[i]
		switch {
		case c == '"':
			j := i + 1
			var sb strings.Builder
			closed := false
			for j < n {
				if in[j] == '\\' && j+1 < n {
					sb.WriteByte(in[j+1])
					j += 2
					continue
				}
				if in[j] == '"' {
					closed = true
					j++
					break
				}
				sb.WriteByte(in[j])
				j++
			}
			if !closed && log != nil {
				log.Error("address parse", "unterminated quote in %q", in)
			}
			tokens = append(tokens, token{tokenPhrase, sb.String()})
			i = j
		case c == '<':
			j := i + 1
			for j < n && in[j] != '>' && in[j] != ',' && in[j] != ';' {
				j++
			}
			tokens = append(tokens, token{tokenEmail, in[i+1 : j]})
			if j < n && in[j] == '>' {
				j++
			}
			i = j
		case c == '(':
			depth := 1
			j := i + 1
			for j < n && depth > 0 {
				switch in[j] {
				case '(':
					depth++
				case ')':
					depth--
				}
				j++
			}
			end := j
			if depth == 0 {
				end = j - 1
			} else if log != nil {
				log.Error("address parse", "unterminated comment in %q", in)
			}
			tokens = append(tokens, token{tokenComment, in[i+1 : end]})
			i = j
		case c == ',' || c == ';':
			tokens = append(tokens, token{tokenSeparator, string(c)})
			i++
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			i++
		default:
			j := i
			for j < n {
				b := in[j]
				if b == ' ' || b == '\t' || b == '\r' || b == '\n' ||
					b == ',' || b == ';' || b == '<' || b == '(' || b == '"' {
					break
				}
				j++
			}
			tokens = append(tokens, token{tokenPhrase, in[i:j]})
			i = j
		}
	}

	// promote bare phrases that look like an address, unless the group
	// already carries a real angle-addr next
	for k := range tokens {
		if tokens[k].kind != tokenPhrase {
			continue
		}
		text := tokens[k].text
		if len(text) >= 7 && strings.EqualFold(text[:7], "mailto:") {
			text = text[7:]
		}
		if !emailish.MatchString(text) {
			continue
		}
		if k+1 < len(tokens) && tokens[k+1].kind == tokenEmail {
			continue
		}
		tokens[k].kind = tokenEmail
	}

	return tokens
}

func clean(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "<>")
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '@'); i >= 0 {
		local := strings.TrimSpace(s[:i])
		domain := strings.TrimSpace(s[i+1:])
		s = local + "@" + domain
	}
	if len(s) >= 7 && strings.EqualFold(s[:7], "mailto:") {
		s = s[7:]
	}
	return s
}

// Parse extracts the addresses from a header or envelope value. At most
// one email is accepted per separator-delimited group; a second email in
// the same group flushes the first. When nothing parses, the original
// string is returned as a single-element fallback.
func Parse(in string, log *logger.Log) []string {
	var out []string
	var current string
	have := false

	flush := func() {
		if have {
			out = append(out, current)
			current = ""
			have = false
		}
	}

	for _, t := range tokenize(in, log) {
		switch t.kind {
		case tokenEmail:
			if have {
				flush()
			}
			addr := clean(t.text)
			if strings.HasSuffix(addr, "@unspecified-domain") {
				continue
			}
			current = addr
			have = true
		case tokenSeparator:
			flush()
		}
	}
	flush()

	if len(out) == 0 {
		if log != nil {
			log.Error("address parse", "no address found in %q", in)
		}
		return []string{strings.TrimSpace(in)}
	}

	return out
}

// DomainFrom returns the lower-cased domain of the first address in the
// value, or FallbackDomain when none is present.
func DomainFrom(in string, log *logger.Log) string {
	addrs := Parse(in, log)
	if len(addrs) == 0 {
		return FallbackDomain
	}
	i := strings.LastIndexByte(addrs[0], '@')
	if i < 0 || i == len(addrs[0])-1 {
		return FallbackDomain
	}
	return strings.ToLower(strings.TrimSpace(addrs[0][i+1:]))
}
