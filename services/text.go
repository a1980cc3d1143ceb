package services

import (
	"errors"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yourusername/school-billing/store"
)

var textPolicy = bluemonday.StrictPolicy()

// cleanText strips markup from free text that ends up on legal documents.
func cleanText(s string) string {
	return strings.TrimSpace(html.UnescapeString(textPolicy.Sanitize(s)))
}

const maxVersionRetries = 3

// retryStale reruns fn while it fails with a stale version.
func retryStale(fn func() error) error {
	var err error
	for attempt := 0; attempt < maxVersionRetries; attempt++ {
		if err = fn(); !errors.Is(err, store.ErrStaleVersion) {
			return err
		}
	}
	return Violation("record was modified concurrently, try again")
}

// storeErr maps store sentinels onto the service taxonomy.
func storeErr(err error, entity string, id interface{}) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return NotFound(entity, id)
	case errors.Is(err, store.ErrStaleVersion):
		return err
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return Internal(err)
}
