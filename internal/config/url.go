package config

import (
	"fmt"
	"net/url"
)

const maxURLLength = 2048

// validateEndpoint checks an operator-supplied URL the relay will fetch:
//   - max length 2048 characters
//   - scheme must be http or https
//   - no embedded credentials (user:pass@host)
//   - a hostname is present
//
// Private addresses are allowed; identity providers are often internal.
func validateEndpoint(name, raw string) error {
	if len(raw) > maxURLLength {
		return fmt.Errorf("%s: URL too long (%d chars, max %d)", name, len(raw), maxURLLength)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: invalid URL: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s: scheme must be http or https, got %q", name, u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("%s: URLs with embedded credentials are not allowed", name)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("%s: URL has no hostname", name)
	}
	return nil
}
