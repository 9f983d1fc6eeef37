package adapter

import "strings"

// ParseDataURL splits a "data:<media-type>;base64,<data>" URL into its
// media type and base64 payload. ok is false for anything else,
// including non-base64 data URLs.
func ParseDataURL(url string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(url, "data:")
	if !found {
		return "", "", false
	}
	meta, payload, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	mediaType, found = strings.CutSuffix(meta, ";base64")
	if !found {
		return "", "", false
	}
	if mediaType == "" || payload == "" {
		return "", "", false
	}
	return mediaType, payload, true
}

// FormatDataURL is the inverse of ParseDataURL.
func FormatDataURL(mediaType, data string) string {
	return "data:" + mediaType + ";base64," + data
}
