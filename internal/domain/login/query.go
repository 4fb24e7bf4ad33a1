package login

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrMissingQuery is returned for a redirect URL without a query string.
var ErrMissingQuery = errors.New("redirect url has no query string")

// parseQuery splits the query of a redirect URL into its parameters. Pairs
// are separated by '&' and split on the first '='; pairs without '=' are
// dropped. Keys and values are percent-decoded. A later duplicate key
// overwrites an earlier one.
func parseQuery(rawURL string) (map[string]string, error) {
	if i := strings.IndexByte(rawURL, '#'); i >= 0 {
		rawURL = rawURL[:i]
	}
	i := strings.IndexByte(rawURL, '?')
	if i < 0 || i == len(rawURL)-1 {
		return nil, ErrMissingQuery
	}

	params := make(map[string]string)
	for _, pair := range strings.Split(rawURL[i+1:], "&") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		key, err := url.QueryUnescape(k)
		if err != nil {
			return nil, fmt.Errorf("decoding query key %q: %w", k, err)
		}
		value, err := url.QueryUnescape(v)
		if err != nil {
			return nil, fmt.Errorf("decoding query value of %q: %w", key, err)
		}
		params[key] = value
	}
	return params, nil
}
