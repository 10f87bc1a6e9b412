package urltemplate

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/illusorium/rupay/pkg/errorbank"
)

// Templates embed a single {{field}} placeholder into a URL. They appear in
// two roles: outbound, where the placeholder is replaced with an order field
// before the URL is used, and inbound, where the placeholder marks which part
// of an incoming callback URL carries the correlation value.

var placeholderPattern = regexp.MustCompile(`\{\{([A-Za-z0-9_]+)\}\}`)

// Fill substitutes every placeholder with its value from fields. Unknown
// placeholders are replaced with an empty string.
func Fill(template string, fields map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(m string) string {
		name := placeholderPattern.FindStringSubmatch(m)[1]
		return url.QueryEscape(fields[name])
	})
}

// Placeholder returns the field name of the template's placeholder, or ok
// false when the template is literal.
func Placeholder(template string) (string, bool) {
	m := placeholderPattern.FindStringSubmatch(template)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Extract locates the template's placeholder and reads the matching value from
// an actual request URL. Three shapes are supported, checked in order:
//
//	?key={{field}}     - the value of a named query parameter
//	?{{field}}         - a bare query key with no value
//	/prefix/{{field}}  - one path segment, matched positionally
func Extract(template string, actual *url.URL) (field, value string, err error) {
	tpl, err := url.Parse(template)
	if err != nil {
		return "", "", errorbank.Config(
			fmt.Sprintf("malformed callback URL template %q", template), errorbank.WithCause(err))
	}

	// Query is inspected raw: url.Values would fold the bare-key shape into a
	// key with an empty value and lose the distinction.
	for _, pair := range splitQuery(tpl.RawQuery) {
		key, val, hasVal := cutQueryPair(pair)
		if hasVal {
			if name, ok := Placeholder(val); ok {
				return name, actual.Query().Get(key), nil
			}
			continue
		}
		if name, ok := Placeholder(key); ok {
			return name, bareQueryKey(actual.RawQuery), nil
		}
	}

	tplSegments := splitPath(tpl.Path)
	actSegments := splitPath(actual.Path)
	for i, seg := range tplSegments {
		name, ok := Placeholder(seg)
		if !ok {
			continue
		}
		if i >= len(actSegments) {
			return name, "", nil
		}
		return name, actSegments[i], nil
	}

	return "", "", errorbank.Config(
		fmt.Sprintf("callback URL template %q has no placeholder", template))
}

// bareQueryKey returns the first query component that has no value, decoded.
func bareQueryKey(rawQuery string) string {
	for _, pair := range splitQuery(rawQuery) {
		key, _, hasVal := cutQueryPair(pair)
		if !hasVal {
			if decoded, err := url.QueryUnescape(key); err == nil {
				return decoded
			}
			return key
		}
	}
	return ""
}

func splitQuery(rawQuery string) []string {
	if rawQuery == "" {
		return nil
	}
	return strings.Split(rawQuery, "&")
}

func cutQueryPair(pair string) (key, value string, hasValue bool) {
	key, value, hasValue = strings.Cut(pair, "=")
	return key, value, hasValue
}

func splitPath(path string) []string {
	return strings.Split(strings.Trim(path, "/"), "/")
}
