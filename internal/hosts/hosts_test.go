package hosts

import "testing"

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"apex", "example.com", "example.com"},
		{"www prefix", "www.example.com", "example.com"},
		{"subdomain", "mail.example.com", "example.com"},
		{"deep subdomain", "a.b.c.example.com", "example.com"},
		{"www and subdomain", "www.docs.example.com", "example.com"},
		{"single label", "localhost", "localhost"},
		{"www only label", "www.com", "com"},
		{"repeated www", "www.www.example.com", "example.com"},
		{"www after collapse", "a.www.com", "com"},
		{"country tld collapses", "news.bbc.co.uk", "co.uk"},
		{"ip address", "192.168.1.10", "1.10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Canonicalize(tt.in); got != tt.want {
				t.Errorf("Canonicalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCanonicalizeIdempotent(t *testing.T) {
	inputs := []string{
		"", "a", "www.a", "a.b", "www.a.b", "x.y.z", "www.www.example.com",
		"www.", ".", "..", "www.www.com", "a.www.com", "a..b", "www.example.com.", "WWW.Example.COM",
	}

	for _, in := range inputs {
		once := Canonicalize(in)
		twice := Canonicalize(once)
		if once != twice {
			t.Errorf("Canonicalize not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestFromURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"https", "https://www.youtube.com/watch?v=1", "youtube.com"},
		{"with port", "http://dev.example.com:8080/path", "example.com"},
		{"about blank", "about:blank", ""},
		{"empty", "", ""},
		{"relative", "/just/a/path", ""},
		{"malformed", "http://[::1", ""},
		{"file", "file:///etc/hosts", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FromURL(tt.in); got != tt.want {
				t.Errorf("FromURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestClassifierCaches(t *testing.T) {
	c, err := NewClassifier(2)
	if err != nil {
		t.Fatalf("new classifier: %v", err)
	}

	if got := c.FromURL("https://www.github.com/goodtune"); got != "github.com" {
		t.Fatalf("expected github.com, got %q", got)
	}
	if got := c.FromURL("https://www.github.com/other"); got != "github.com" {
		t.Fatalf("expected cached github.com, got %q", got)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 cached host, got %d", c.Len())
	}

	c.FromURL("https://a.example.com")
	c.FromURL("https://b.example.com")
	if c.Len() != 2 {
		t.Fatalf("expected cache bounded at 2, got %d", c.Len())
	}

	if got := c.FromURL("not a url at all ::"); got != "" {
		t.Fatalf("expected empty host for garbage input, got %q", got)
	}
}
