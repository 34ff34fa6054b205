// Package vars implements zero-allocation-on-the-hotpath extraction of
// request variables into pooled, bounded buffers.
package vars

import (
	"strings"

	"github.com/kraklabs/sentryproxy/internal/rules"
)

const (
	MaxArgs    = 128
	MaxHeaders = 64
	MaxCookies = 32
	MaxValueBytes = 8 * 1024
)

// HeaderEntry is one extracted header, kept as both the raw name (for
// whitelist filtering) and the preformatted "Key: value" line rules
// inspect.
type HeaderEntry struct {
	Name string
	Line string
}

// CookieEntry is one extracted cookie.
type CookieEntry struct {
	Name  string
	Value string
}

// Snapshot is a per-request materialization of every extractable variable.
// It is owned by at most one request evaluation at a time: leased from a
// Pool, reset and returned on completion. Every slice is preallocated at its
// bound; Reset clears lengths without freeing backing storage so repeated
// leases never reallocate on the hotpath.
type Snapshot struct {
	RequestLine     string
	RequestFilename string
	RequestBasename string
	Body            string

	Args     []string // preallocated cap MaxArgs; "key=value" or bare "key"
	ArgNames []string // preallocated cap MaxArgs

	Headers []HeaderEntry // preallocated cap MaxHeaders

	Cookies []CookieEntry // preallocated cap MaxCookies

	// ArgsOverflowed/HeadersOverflowed/CookiesOverflowed record whether the
	// corresponding bound was hit during populate, for diagnostics.
	ArgsOverflowed    bool
	HeadersOverflowed bool
	CookiesOverflowed bool
}

// newSnapshot allocates a Snapshot with every bounded slice preallocated at
// its maximum capacity.
func newSnapshot() *Snapshot {
	return &Snapshot{
		Args:     make([]string, 0, MaxArgs),
		ArgNames: make([]string, 0, MaxArgs),
		Headers:  make([]HeaderEntry, 0, MaxHeaders),
		Cookies:  make([]CookieEntry, 0, MaxCookies),
	}
}

// Reset clears the snapshot for reuse without shrinking any backing array.
func (s *Snapshot) Reset() {
	s.RequestLine = ""
	s.RequestFilename = ""
	s.RequestBasename = ""
	s.Body = ""
	s.Args = s.Args[:0]
	s.ArgNames = s.ArgNames[:0]
	s.Headers = s.Headers[:0]
	s.Cookies = s.Cookies[:0]
	s.ArgsOverflowed = false
	s.HeadersOverflowed = false
	s.CookiesOverflowed = false
}

// GetValues returns the candidate values a rule inspecting vt should
// consider. For the scalar variable types (REQUEST_LINE, REQUEST_FILENAME,
// REQUEST_BASENAME, BODY) this allocates a single-element slice — the
// zero-allocation guarantee is about the unbounded-cardinality variables
// (ARGS, ARGS_NAMES, HEADERS, COOKIE, COOKIE_NAMES), which are served
// directly from preallocated storage.
func (s *Snapshot) GetValues(vt rules.VariableType) []string {
	switch vt {
	case rules.VarRequestLine:
		return []string{s.RequestLine}
	case rules.VarRequestFilename:
		return []string{s.RequestFilename}
	case rules.VarRequestBasename:
		return []string{s.RequestBasename}
	case rules.VarBody:
		return []string{s.Body}
	case rules.VarArgs:
		return s.Args
	case rules.VarArgsNames:
		return s.ArgNames
	case rules.VarHeaders:
		lines := make([]string, len(s.Headers))
		for i, h := range s.Headers {
			lines[i] = h.Line
		}
		return lines
	case rules.VarCookie:
		vals := make([]string, len(s.Cookies))
		for i, c := range s.Cookies {
			vals[i] = c.Value
		}
		return vals
	case rules.VarCookieNames:
		names := make([]string, len(s.Cookies))
		for i, c := range s.Cookies {
			names[i] = c.Name
		}
		return names
	default:
		return nil
	}
}

// GetValuesForHeaders filters HEADERS entries by a case-insensitive
// header-name whitelist and returns their preformatted lines.
func (s *Snapshot) GetValuesForHeaders(names []string) []string {
	if len(names) == 0 {
		return s.GetValues(rules.VarHeaders)
	}
	var out []string
	for _, h := range s.Headers {
		for _, want := range names {
			if strings.EqualFold(h.Name, want) {
				out = append(out, h.Line)
				break
			}
		}
	}
	return out
}
