// Package rules implements the WAF rule snapshot: parsing, immutable
// snapshot construction, and atomic hot-reload.
package rules

import (
	"regexp"

	"github.com/kraklabs/sentryproxy/internal/waf/transform"
)

// Action is the closed set of rule actions.
type Action string

const (
	ActionDeny Action = "deny"
	ActionLog  Action = "log"
)

// Operator is resolved once at rule construction into a fixed enum so match
// dispatch is a direct switch, never a string compare.
type Operator int

const (
	OpRegex Operator = iota
	OpContains
	OpStartsWith
	OpEndsWith
	OpEquals
	OpLibinjectionSQLi
	OpLibinjectionXSS
)

// ParseOperator maps the YAML operator string to its enum. Unknown
// operators default to regex behavior.
func ParseOperator(s string) Operator {
	switch s {
	case "contains":
		return OpContains
	case "starts_with":
		return OpStartsWith
	case "ends_with":
		return OpEndsWith
	case "equals":
		return OpEquals
	case "libinjection_sqli":
		return OpLibinjectionSQLi
	case "libinjection_xss":
		return OpLibinjectionXSS
	case "regex":
		return OpRegex
	default:
		return OpRegex
	}
}

// VariableType is the closed set of request parts a rule can inspect.
type VariableType int

const (
	VarRequestLine VariableType = iota
	VarRequestFilename
	VarRequestBasename
	VarArgs
	VarArgsNames
	VarHeaders
	VarCookie
	VarCookieNames
	VarBody
)

// ParseVariableType maps a YAML variable name to its enum. Unrecognized
// names return ok=false so the caller can skip the entry with a warning.
func ParseVariableType(s string) (VariableType, bool) {
	switch s {
	case "REQUEST_LINE":
		return VarRequestLine, true
	case "REQUEST_FILENAME":
		return VarRequestFilename, true
	case "REQUEST_BASENAME":
		return VarRequestBasename, true
	case "ARGS":
		return VarArgs, true
	case "ARGS_NAMES":
		return VarArgsNames, true
	case "HEADERS":
		return VarHeaders, true
	case "COOKIE":
		return VarCookie, true
	case "COOKIE_NAMES":
		return VarCookieNames, true
	case "BODY":
		return VarBody, true
	default:
		return 0, false
	}
}

// String returns the YAML-facing name of the variable type.
func (v VariableType) String() string {
	switch v {
	case VarRequestLine:
		return "REQUEST_LINE"
	case VarRequestFilename:
		return "REQUEST_FILENAME"
	case VarRequestBasename:
		return "REQUEST_BASENAME"
	case VarArgs:
		return "ARGS"
	case VarArgsNames:
		return "ARGS_NAMES"
	case VarHeaders:
		return "HEADERS"
	case VarCookie:
		return "COOKIE"
	case VarCookieNames:
		return "COOKIE_NAMES"
	case VarBody:
		return "BODY"
	default:
		return "UNKNOWN"
	}
}

// VariableSpec declares which part of a request a rule inspects, and
// (HEADERS only) an optional case-insensitive header-name whitelist.
type VariableSpec struct {
	Type       VariableType
	HeaderNames []string
}

// DefaultScore is used when a rule sets neither score nor default_score.
const DefaultScore = 1

// Rule is an immutable record; everything about it, including its compiled
// regex, is resolved once at snapshot construction.
type Rule struct {
	ID            uint32
	Msg           string
	Action        Action
	Operator      Operator
	Pattern       string
	Transforms    []transform.Kind
	VariableSpecs []VariableSpec
	Score         int32

	// CompiledRegex is populated only when Operator == OpRegex and the
	// pattern compiled successfully. A compile failure leaves this nil;
	// the regex dispatch then yields "no match" for the rule rather than
	// failing the whole load.
	CompiledRegex *regexp.Regexp
}

// EffectiveScore returns rule.Score if set, otherwise DefaultScore.
func (r Rule) EffectiveScore() int32 {
	if r.Score != 0 {
		return r.Score
	}
	return DefaultScore
}
