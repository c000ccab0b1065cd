// Package urlnorm splits topic and callback URLs into a canonical base and their query parameters.
package urlnorm

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// ErrInvalidURL is returned when the input is not an absolute URL
var ErrInvalidURL = errors.New("invalid url")

// Normalized is a URL split into its canonical form and query parameters
type Normalized struct {
	// URL is scheme://host[:port]path with no query string or fragment
	URL string
	// Protocol is the lower-case scheme
	Protocol string
	// Query holds every query parameter of the input; the first value wins for repeated keys
	Query map[string]string
}

// Normalize parses raw and returns its canonical form.
// The result for a given input is always the same, whatever the order of its query parameters.
func Normalize(raw string) (Normalized, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Normalized{}, fmt.Errorf("%w: empty", ErrInvalidURL)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Normalized{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return Normalized{}, fmt.Errorf("%w: %q is not absolute", ErrInvalidURL, raw)
	}

	values, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return Normalized{}, fmt.Errorf("%w: query: %v", ErrInvalidURL, err)
	}

	query := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			query[k] = v[0]
		} else {
			query[k] = ""
		}
	}

	canonical := url.URL{
		Scheme:  strings.ToLower(u.Scheme),
		User:    u.User,
		Host:    strings.ToLower(u.Host),
		Path:    u.Path,
		RawPath: u.RawPath,
	}
	if canonical.Path == "" {
		canonical.Path = "/"
	}

	return Normalized{
		URL:      canonical.String(),
		Protocol: canonical.Scheme,
		Query:    query,
	}, nil
}

// WithQuery returns the canonical URL with Query re-attached
func (n Normalized) WithQuery() string {
	return Join(n.URL, n.Query)
}

// Join appends query parameters to base in key order.
// Parameters already present on base are kept; extra wins on conflict.
func Join(base string, extra map[string]string) string {
	if len(extra) == 0 {
		return base
	}
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	values := u.Query()
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		values.Set(k, extra[k])
	}
	u.RawQuery = values.Encode()
	return u.String()
}
