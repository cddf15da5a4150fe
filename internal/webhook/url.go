package webhook

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ValidateCallback checks that raw is an absolute https URL with a host
// and no embedded credentials.
func ValidateCallback(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("callback URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("callback URL is malformed: %w", err)
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return fmt.Errorf("callback URL must use https, got %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return errors.New("callback URL must include a host")
	}
	if u.User != nil {
		return errors.New("callback URL must not embed credentials")
	}
	return nil
}

// StripCredentials removes user:password@ from a URL for safe logging.
// Returns the original string if the URL cannot be parsed.
func StripCredentials(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.User = nil
	return u.String()
}
