package source

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"path"
	"strings"
)

// DeriveFilename builds a stable local filename from a URL: the path
// segments joined with underscores, plus a short digest of the query when
// there is one. Distinct URLs give distinct names.
func DeriveFilename(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "file-" + digest(rawURL)
	}
	clean := strings.Trim(path.Clean("/"+u.Path), "/")
	var segments []string
	for _, seg := range strings.Split(clean, "/") {
		if seg = sanitizeSegment(seg); seg != "" {
			segments = append(segments, seg)
		}
	}
	name := strings.Join(segments, "_")
	if name == "" {
		name = sanitizeSegment(u.Hostname())
	}
	if name == "" {
		return "file-" + digest(rawURL)
	}
	if u.RawQuery != "" {
		ext := path.Ext(name)
		name = strings.TrimSuffix(name, ext) + "-" + digest(u.RawQuery) + ext
	}
	return name
}

func sanitizeSegment(seg string) string {
	var b strings.Builder
	for _, r := range seg {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), ".")
	return out
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:4])
}
