package fanout

import (
	"net/url"
	"sort"
	"strings"
)

// trackingParams are query parameters stripped during canonicalization.
// Two links to the same document that differ only in campaign tracking must
// merge into one source.
var trackingParams = map[string]bool{
	"gclid":   true,
	"fbclid":  true,
	"igshid":  true,
	"mc_cid":  true,
	"mc_eid":  true,
	"ref":     true,
	"ref_src": true,
	"source":  true,
}

// CanonicalURL normalizes a citation URL: lowercases scheme and host, drops
// the fragment, strips tracking query parameters and trailing slashes.
// Unparseable inputs are returned trimmed but otherwise untouched — a bad
// URL is still a citation the engine must not drop.
func CanonicalURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}

	u.Fragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimSuffix(u.Path, "/")

	if u.RawQuery != "" {
		q := u.Query()
		for key := range q {
			if trackingParams[key] || strings.HasPrefix(strings.ToLower(key), "utm_") {
				q.Del(key)
			}
		}
		// Re-encode with sorted keys so equal URLs compare equal.
		keys := make([]string, 0, len(q))
		for k := range q {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for _, k := range keys {
			for _, v := range q[k] {
				if b.Len() > 0 {
					b.WriteByte('&')
				}
				b.WriteString(url.QueryEscape(k))
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(v))
			}
		}
		u.RawQuery = b.String()
	}
	return u.String()
}
