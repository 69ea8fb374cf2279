package extract

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/InvestigativeJournalismFoundation/huon-test/pkg/crawl"
)

// JoinURL resolves href against base.
func JoinURL(base, href string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", &crawl.FieldExtractionError{Field: "href", Err: err}
	}
	return b.ResolveReference(ref).String(), nil
}

// QueryParam returns the value of key in href's query string.
func QueryParam(href, key string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", &crawl.FieldExtractionError{Field: key, Err: err}
	}
	value := u.Query().Get(key)
	if value == "" {
		return "", &crawl.FieldExtractionError{Field: key}
	}
	return value, nil
}
