package rewrite

import (
	"net/url"
	"testing"
)

func mempoolRule() *Rule {
	return NewRule(MempoolPatterns()...)
}

func TestRule_Rewrite(t *testing.T) {
	r := mempoolRule()

	tests := []struct {
		name          string
		in            string
		want          string
		wantRewritten bool
	}{
		{"address lookup", "https://mempool.space/api/address/abc", "/mempool/api/address/abc", true},
		{"second host with query", "https://mempool.holdings/api/tx/xyz?format=json", "/mempool/api/tx/xyz?format=json", true},
		{"not matched", "https://example.com/not-matched", "https://example.com/not-matched", false},
		{"already local", "/mempool/api/address/abc", "/mempool/api/address/abc", false},
		{"upper-case scheme and host", "HTTPS://Mempool.Space/api/x", "/mempool/api/x", true},
		{"plain http", "http://mempool.space/api/x", "/mempool/api/x", true},
		{"explicit port", "https://mempool.space:443/api/x", "/mempool/api/x", true},
		{"userinfo ignored", "https://user:pw@mempool.space/api/x", "/mempool/api/x", true},
		{"no path", "https://mempool.space", "/mempool", true},
		{"query only", "https://mempool.space?x=1", "/mempool?x=1", true},
		{"fragment kept", "https://mempool.space/api/x#Frag", "/mempool/api/x#Frag", true},
		{"path case preserved", "https://mempool.space/API/Address/AbC", "/mempool/API/Address/AbC", true},
		{"encoding preserved", "https://mempool.space/api/a%2Fb?q=%41%20b", "/mempool/api/a%2Fb?q=%41%20b", true},
		{"host in path", "https://example.com/https://mempool.space/api", "https://example.com/https://mempool.space/api", false},
		{"host in query", "https://example.com/api?next=https://mempool.space", "https://example.com/api?next=https://mempool.space", false},
		{"host as suffix", "https://evilmempool.space/api", "https://evilmempool.space/api", false},
		{"host as prefix", "https://mempool.space.evil.com/api", "https://mempool.space.evil.com/api", false},
		{"subdomain", "https://api.mempool.space/x", "https://api.mempool.space/x", false},
		{"other scheme", "ftp://mempool.space/x", "ftp://mempool.space/x", false},
		{"protocol relative", "//mempool.space/api", "//mempool.space/api", false},
		{"empty", "", "", false},
		{"empty host", "https:///api", "https:///api", false},
		{"bad port", "https://mempool.space:abc/api", "https://mempool.space:abc/api", false},
		{"garbage", "::not a url::", "::not a url::", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Rewrite(tt.in)
			if got.URL != tt.want {
				t.Errorf("Rewrite(%q).URL = %q, want %q", tt.in, got.URL, tt.want)
			}
			if got.Rewritten != tt.wantRewritten {
				t.Errorf("Rewrite(%q).Rewritten = %v, want %v", tt.in, got.Rewritten, tt.wantRewritten)
			}
		})
	}
}

func TestRule_Rewrite_CaseInsensitiveHostsAgree(t *testing.T) {
	r := mempoolRule()
	a := r.Rewrite("HTTPS://Mempool.Space/api/x")
	b := r.Rewrite("https://mempool.space/api/x")
	if a.URL != b.URL {
		t.Errorf("rewrites differ: %q vs %q", a.URL, b.URL)
	}
}

func TestRule_Rewrite_Idempotent(t *testing.T) {
	r := mempoolRule()
	inputs := []string{
		"https://mempool.space/api/address/abc",
		"https://mempool.holdings/api/tx/xyz?format=json",
		"https://example.com/x",
	}
	for _, in := range inputs {
		once := r.Rewrite(in).URL
		twice := r.Rewrite(once)
		if twice.URL != once {
			t.Errorf("second rewrite of %q changed %q to %q", in, once, twice.URL)
		}
		if once != in && twice.Rewritten {
			t.Errorf("rewritten path %q matched again", once)
		}
	}
}

func TestRule_FirstMatchWins(t *testing.T) {
	r := NewRule(
		MustHostPattern("mempool.space", "/first"),
		MustHostPattern("mempool.space", "/second"),
	)
	got := r.Rewrite("https://mempool.space/api")
	if got.URL != "/first/api" {
		t.Errorf("URL = %q, want %q", got.URL, "/first/api")
	}
	if got.Pattern.Prefix() != "/first" {
		t.Errorf("Pattern.Prefix() = %q, want %q", got.Pattern.Prefix(), "/first")
	}
}

func TestRule_DistinctPrefixes(t *testing.T) {
	r := NewRule(
		MustHostPattern("mempool.space", "/mempool"),
		MustHostPattern("blockstream.info", "/esplora"),
	)
	if got := r.Rewrite("https://blockstream.info/api/blocks").URL; got != "/esplora/api/blocks" {
		t.Errorf("URL = %q, want %q", got, "/esplora/api/blocks")
	}
	if got := r.Rewrite("https://mempool.space/api/blocks").URL; got != "/mempool/api/blocks" {
		t.Errorf("URL = %q, want %q", got, "/mempool/api/blocks")
	}
}

func TestRule_RewriteURL(t *testing.T) {
	r := mempoolRule()

	u, err := url.Parse("https://mempool.space/api/address/abc?x=1")
	if err != nil {
		t.Fatal(err)
	}
	got := r.RewriteURL(u)
	if !got.Rewritten || got.URL != "/mempool/api/address/abc?x=1" {
		t.Errorf("RewriteURL() = %+v", got)
	}

	other, _ := url.Parse("https://example.com/x")
	if got := r.RewriteURL(other); got.Rewritten {
		t.Errorf("RewriteURL(example.com) rewritten to %q", got.URL)
	}

	if got := r.RewriteURL(nil); got.Rewritten {
		t.Error("RewriteURL(nil) should not rewrite")
	}
}

func TestRule_NilAndEmpty(t *testing.T) {
	var r *Rule
	if got := r.Rewrite("https://mempool.space/x"); got.Rewritten {
		t.Error("nil rule rewrote")
	}
	if got := NewRule().Rewrite("https://mempool.space/x"); got.Rewritten {
		t.Error("empty rule rewrote")
	}
}

func TestRule_PatternsIsCopy(t *testing.T) {
	src := MempoolPatterns()
	r := NewRule(src...)
	src[0] = MustHostPattern("example.com", "/x")

	ps := r.Patterns()
	ps[1] = MustHostPattern("example.org", "/y")

	if got := r.Rewrite("https://mempool.holdings/a").URL; got != "/mempool/a" {
		t.Errorf("rule mutated through Patterns(): %q", got)
	}
	if got := r.Rewrite("https://mempool.space/a").URL; got != "/mempool/a" {
		t.Errorf("rule mutated through constructor slice: %q", got)
	}
}
