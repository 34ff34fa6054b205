package vars

import (
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Populate fills snapshot from req and body, truncating body to bodyLimit
// bytes. Every unbounded-cardinality field is bounded at its maximum:
// excess ARGS/HEADERS/COOKIE entries are silently dropped and recorded via
// the *Overflowed flags rather than growing the preallocated backing
// arrays.
func Populate(snapshot *Snapshot, req *http.Request, body []byte, bodyLimit int) {
	snapshot.RequestLine = req.Method + " " + req.URL.RequestURI() + " " + req.Proto
	snapshot.RequestFilename = req.URL.Path
	snapshot.RequestBasename = path.Base(req.URL.Path)

	if bodyLimit > 0 && len(body) > bodyLimit {
		body = body[:bodyLimit]
	}
	snapshot.Body = string(body)

	populateArgs(snapshot, req.URL.RawQuery)
	populateHeaders(snapshot, req.Header)
	populateCookies(snapshot, req.Header.Get("Cookie"))
}

func truncateValue(v string) string {
	if len(v) > MaxValueBytes {
		return v[:MaxValueBytes]
	}
	return v
}

// populateArgs parses "key=value&key2=value2" query strings into Args
// ("key=value" pairs) and ArgNames (bare key), up to MaxArgs entries. Keys
// and values are query-unescaped ("+" as space, %HH decoded); a part with a
// malformed escape is kept as written.
func populateArgs(snapshot *Snapshot, rawQuery string) {
	for rawQuery != "" {
		var pair string
		if i := strings.IndexByte(rawQuery, '&'); i >= 0 {
			pair, rawQuery = rawQuery[:i], rawQuery[i+1:]
		} else {
			pair, rawQuery = rawQuery, ""
		}
		if pair == "" {
			continue
		}
		if len(snapshot.Args) >= MaxArgs {
			snapshot.ArgsOverflowed = true
			continue
		}
		key, value, hasValue := pair, "", false
		if i := strings.IndexByte(pair, '='); i >= 0 {
			key, value, hasValue = pair[:i], pair[i+1:], true
		}
		if k, err := url.QueryUnescape(key); err == nil {
			key = k
		}
		arg := key
		if hasValue {
			if v, err := url.QueryUnescape(value); err == nil {
				value = v
			}
			arg = key + "=" + value
		}
		snapshot.Args = append(snapshot.Args, truncateValue(arg))
		snapshot.ArgNames = append(snapshot.ArgNames, truncateValue(key))
	}
}

// populateHeaders materializes every request header as a preformatted
// "Key: value" line, up to MaxHeaders entries.
func populateHeaders(snapshot *Snapshot, header http.Header) {
	for name, values := range header {
		for _, v := range values {
			if len(snapshot.Headers) >= MaxHeaders {
				snapshot.HeadersOverflowed = true
				break
			}
			snapshot.Headers = append(snapshot.Headers, HeaderEntry{
				Name: name,
				Line: name + ": " + truncateValue(v),
			})
		}
	}
}

// populateCookies scans the Cookie header by byte index, emitting trimmed
// name/value pairs without allocating an intermediate slice of tokens, so
// cookie parsing stays allocation-free on the hotpath.
func populateCookies(snapshot *Snapshot, cookieHeader string) {
	s := cookieHeader
	for s != "" {
		var part string
		if i := strings.IndexByte(s, ';'); i >= 0 {
			part, s = s[:i], s[i+1:]
		} else {
			part, s = s, ""
		}
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if len(snapshot.Cookies) >= MaxCookies {
			snapshot.CookiesOverflowed = true
			continue
		}
		name := part
		value := ""
		if i := strings.IndexByte(part, '='); i >= 0 {
			name, value = part[:i], part[i+1:]
		}
		snapshot.Cookies = append(snapshot.Cookies, CookieEntry{
			Name:  name,
			Value: truncateValue(value),
		})
	}
}
