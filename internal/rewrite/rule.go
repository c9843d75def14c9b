package rewrite

import (
	"net/url"
	"slices"
	"strings"
)

// Result is the outcome of applying a Rule to a URL.
type Result struct {
	// URL is the rewritten local path, or the input text when Rewritten is false.
	URL       string
	Rewritten bool
	// Pattern is the pattern that matched. Zero when Rewritten is false.
	Pattern HostPattern
}

// Rule is an ordered, immutable table of host patterns. The first match wins.
type Rule struct {
	patterns []HostPattern
}

// NewRule builds a Rule from the given patterns.
func NewRule(patterns ...HostPattern) *Rule {
	return &Rule{patterns: slices.Clone(patterns)}
}

// MempoolPatterns returns the block-explorer hosts served under /mempool.
func MempoolPatterns() []HostPattern {
	return []HostPattern{
		MustHostPattern("mempool.space", "/mempool"),
		MustHostPattern("mempool.holdings", "/mempool"),
	}
}

// Patterns returns a copy of the rule's pattern table.
func (r *Rule) Patterns() []HostPattern {
	return slices.Clone(r.patterns)
}

// Rewrite maps raw onto a local path when its origin matches a pattern.
// Only absolute http(s) URLs are candidates; everything else, including
// text that cannot be parsed, is returned unchanged. On a match everything
// after the authority is copied verbatim.
func (r *Rule) Rewrite(raw string) Result {
	unchanged := Result{URL: raw}
	if r == nil {
		return unchanged
	}

	authority, end, ok := splitOrigin(raw)
	if !ok {
		return unchanged
	}

	for _, p := range r.patterns {
		if p.Match(authority) {
			return Result{
				URL:       p.prefix + raw[end:],
				Rewritten: true,
				Pattern:   p,
			}
		}
	}
	return unchanged
}

// RewriteURL is Rewrite for a parsed URL. The URL is rendered to text only
// for matching; when nothing matches the caller should keep using u itself.
func (r *Rule) RewriteURL(u *url.URL) Result {
	if u == nil {
		return Result{}
	}
	return r.Rewrite(u.String())
}

// splitOrigin locates the authority of an absolute http(s) URL. It returns
// the authority without userinfo and the index where the path begins.
func splitOrigin(raw string) (authority string, end int, ok bool) {
	i := strings.Index(raw, "://")
	if i <= 0 {
		return "", 0, false
	}
	scheme := raw[:i]
	if !strings.EqualFold(scheme, "http") && !strings.EqualFold(scheme, "https") {
		return "", 0, false
	}

	start := i + len("://")
	end = len(raw)
	if j := strings.IndexAny(raw[start:], "/?#"); j >= 0 {
		end = start + j
	}

	authority = raw[start:end]
	if at := strings.LastIndexByte(authority, '@'); at >= 0 {
		authority = authority[at+1:]
	}
	if authority == "" {
		return "", 0, false
	}
	return authority, end, true
}
