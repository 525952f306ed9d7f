package report

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/veldt-labs/deepresearch/internal/fanout"
)

// urlPattern matches inline http(s) URLs in provider output. Trailing
// sentence punctuation is trimmed after matching so "see https://x.com."
// does not capture the period.
var urlPattern = regexp.MustCompile(`https?://[^\s<>()\[\]"']+`)

// Reference is one numbered source in a report's reference table.
type Reference struct {
	Number int
	URL    string
}

// RefTable assigns stable sequence numbers to sources in first-appearance
// order. Two URLs that canonicalize to the same source share one number.
type RefTable struct {
	refs  []Reference
	index map[string]int
}

// NewRefTable creates an empty reference table.
func NewRefTable() *RefTable {
	return &RefTable{index: make(map[string]int)}
}

// Assign returns the sequence number for a URL, allocating the next number
// on first sight.
func (t *RefTable) Assign(rawURL string) int {
	key := fanout.CanonicalURL(rawURL)
	if n, ok := t.index[key]; ok {
		return n
	}
	n := len(t.refs) + 1
	t.refs = append(t.refs, Reference{Number: n, URL: key})
	t.index[key] = n
	return n
}

// References returns the table in number order.
func (t *RefTable) References() []Reference {
	return t.refs
}

// Len returns the number of unique sources.
func (t *RefTable) Len() int { return len(t.refs) }

// Markdown renders the reference table section.
func (t *RefTable) Markdown() string {
	if len(t.refs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## References\n\n")
	for _, r := range t.refs {
		fmt.Fprintf(&b, "[%d] %s\n", r.Number, r.URL)
	}
	return b.String()
}

// RewriteCitations replaces every inline URL mention with its [n] marker,
// assigning numbers through the shared table so markers stay stable across
// all sections of one report.
func RewriteCitations(text string, table *RefTable) string {
	return urlPattern.ReplaceAllStringFunc(text, func(match string) string {
		url, trailer := splitTrailer(match)
		if url == "" {
			return match
		}
		return fmt.Sprintf("[%d]%s", table.Assign(url), trailer)
	})
}

// splitTrailer peels sentence punctuation off the end of a matched URL.
func splitTrailer(match string) (url, trailer string) {
	url = match
	for len(url) > 0 {
		last := url[len(url)-1]
		if last == '.' || last == ',' || last == ';' || last == ':' || last == '!' || last == '?' {
			trailer = string(last) + trailer
			url = url[:len(url)-1]
			continue
		}
		break
	}
	return url, trailer
}
