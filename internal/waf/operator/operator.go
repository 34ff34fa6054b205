// Package operator implements the WAF's branchless operator dispatch: a
// direct enum switch over rules.Operator, never a per-request string
// compare. LibInjection is treated as an opaque oracle; its internals are
// out of scope here.
package operator

import (
	"regexp"
	"strings"

	"github.com/kraklabs/sentryproxy/internal/rules"
)

// Oracle is the opaque is_sqli / is_xss injection-detection collaborator.
// A production build backs this with the real LibInjection bindings; the
// interface boundary is the entire contract the evaluator depends on.
type Oracle interface {
	IsSQLi(value string) bool
	IsXSS(value string) bool
}

// noopOracle always reports no injection. Used when no oracle is wired, so
// that libinjection-operator rules deterministically fail closed to "no
// match" rather than panicking on a nil interface.
type noopOracle struct{}

func (noopOracle) IsSQLi(string) bool { return false }
func (noopOracle) IsXSS(string) bool  { return false }

// NoopOracle returns an Oracle that never matches.
func NoopOracle() Oracle { return noopOracle{} }

// Match dispatches value against the rule's operator. re is the rule's
// compiled regex (nil if operator isn't regex, or if compilation failed —
// either way it's treated as "no match").
func Match(op rules.Operator, re *regexp.Regexp, pattern string, oracle Oracle, value string) bool {
	switch op {
	case rules.OpRegex:
		if re == nil {
			return false
		}
		return re.MatchString(value)
	case rules.OpContains:
		return strings.Contains(value, pattern)
	case rules.OpStartsWith:
		return strings.HasPrefix(value, pattern)
	case rules.OpEndsWith:
		return strings.HasSuffix(value, pattern)
	case rules.OpEquals:
		return value == pattern
	case rules.OpLibinjectionSQLi:
		return oracle.IsSQLi(value)
	case rules.OpLibinjectionXSS:
		return oracle.IsXSS(value)
	default:
		// Unknown enum value: fall back to "no compiled regex -> no match".
		return re != nil && re.MatchString(value)
	}
}
