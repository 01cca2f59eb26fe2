package normalize

import (
	"net/url"
	"sort"
	"strings"
)

var trackingQueryKeys = map[string]struct{}{
	"fbclid":  {},
	"gclid":   {},
	"ref":     {},
	"ref_src": {},
	"mc_cid":  {},
	"mc_eid":  {},
}

// URL canonicalizes raw so links that differ only by tracking parameters,
// letter case of the host, a www. prefix, AMP path segments, fragments or
// trailing slashes compare equal. Input that is not an absolute URL is
// returned trimmed. URL(URL(x)) == URL(x).
func URL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}

	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return trimmed
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	host := strings.TrimPrefix(strings.ToLower(parsed.Hostname()), "www.")
	if port := parsed.Port(); port != "" {
		defaultPort := (parsed.Scheme == "http" && port == "80") || (parsed.Scheme == "https" && port == "443")
		if !defaultPort {
			host = host + ":" + port
		}
	}
	parsed.Host = host
	parsed.User = nil
	parsed.Fragment = ""
	parsed.RawFragment = ""

	escaped := cleanPath(parsed.EscapedPath())
	if unescaped, err := url.PathUnescape(escaped); err == nil {
		parsed.Path = unescaped
		parsed.RawPath = escaped
	} else {
		parsed.Path = escaped
		parsed.RawPath = ""
	}

	parsed.RawQuery = cleanQuery(parsed.Query())
	parsed.ForceQuery = false
	return parsed.String()
}

// Host returns the lowercased host of a URL without a www. prefix.
func Host(raw string) string {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(parsed.Hostname()), "www.")
}

func cleanPath(escaped string) string {
	segments := strings.Split(escaped, "/")
	kept := make([]string, 0, len(segments))
	for _, segment := range segments {
		if segment == "" || strings.EqualFold(segment, "amp") {
			continue
		}
		kept = append(kept, segment)
	}
	if len(kept) == 0 {
		return ""
	}
	return "/" + strings.Join(kept, "/")
}

func cleanQuery(q url.Values) string {
	for key := range q {
		lower := strings.ToLower(key)
		if strings.HasPrefix(lower, "utm_") {
			q.Del(key)
			continue
		}
		if _, ok := trackingQueryKeys[lower]; ok {
			q.Del(key)
		}
	}
	if len(q) == 0 {
		return ""
	}
	for key := range q {
		sort.Strings(q[key])
	}
	return q.Encode()
}
