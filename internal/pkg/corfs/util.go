package corfs

import (
	"fmt"
	"net/url"
	"strings"
)

func parseURIWithMap(uri string, validSchemes map[string]bool) (*url.URL, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}

	if _, ok := validSchemes[parsed.Scheme]; !ok {
		return nil, fmt.Errorf("Invalid scheme: '%s'", parsed.Scheme)
	}

	if strings.HasPrefix(parsed.Path, "/") {
		parsed.Path = parsed.Path[1:]
	}

	return parsed, nil
}
