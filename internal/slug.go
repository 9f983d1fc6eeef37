package relay

import (
	"fmt"
	"regexp"
	"strings"
)

// slugPattern constrains passthrough slugs and proxy paths: lowercase
// alphanumerics and hyphens, no leading or trailing hyphen, 2..50 chars.
var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,48}[a-z0-9]$`)

// ValidateSlug reports whether s is a legal URL path segment for
// passthrough providers and bridge proxies.
func ValidateSlug(s string) error {
	if !slugPattern.MatchString(s) {
		return fmt.Errorf("%w: slug %q must match %s", ErrValidation, s, slugPattern)
	}
	return nil
}

// EnsureUniqueSlug returns base if unused, otherwise the first of
// base-2, base-3, ... not present in taken.
func EnsureUniqueSlug(base string, taken map[string]bool) string {
	if !taken[base] {
		return base
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s-%d", base, i)
		if !taken[candidate] {
			return candidate
		}
	}
}

// SlugFromName derives a slug candidate from a display name. The result
// always passes ValidateSlug; callers still need EnsureUniqueSlug for
// collision handling.
func SlugFromName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_' || r == '.' || r == '/':
			b.WriteByte('-')
		}
	}
	s := strings.Trim(b.String(), "-")
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	if len(s) > 50 {
		s = strings.TrimRight(s[:50], "-")
	}
	if len(s) < 2 {
		return "provider"
	}
	return s
}
