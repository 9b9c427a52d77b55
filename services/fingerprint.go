package services

import (
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"strings"
)

// Fingerprint derives the stable event id. Events with a source URL are keyed by
// (source, canonical URL); the rest fall back to their content key inputs.
func Fingerprint(source, sourceURL, title, date, venue string) string {
	if canonical := CanonicalURL(sourceURL); canonical != "" {
		return digest(source, canonical)
	}
	return ContentKey(source, title, date, venue)
}

// ContentKey hashes the normalized (source, title, date, venue) tuple.
func ContentKey(source, title, date, venue string) string {
	_, t := tokenize(title)
	_, v := tokenize(venue)
	return digest(source, strings.Join(t, " "), date, strings.Join(v, " "))
}

// CanonicalURL lowercases scheme and host, drops "www.", the query, the fragment and any
// trailing slash. It returns "" for empty or unparseable input.
func CanonicalURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.TrimSuffix(raw, "/")
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	return strings.ToLower(u.Scheme) + "://" + host + strings.TrimSuffix(u.EscapedPath(), "/")
}

func digest(parts ...string) string {
	sum := sha1.Sum([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
