package origin

import (
	"context"
	"net/http"
	"testing"
)

func TestDirect_RewritesTarget(t *testing.T) {
	target := mustParseURL(t, "https://origin.internal:8443/base")

	req, _ := http.NewRequest(http.MethodGet, "http://example.com/api/users?page=2", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	out := direct(context.Background(), req, target)

	if out.URL.String() != "https://origin.internal:8443/base/api/users?page=2" {
		t.Errorf("unexpected URL %q", out.URL.String())
	}
	if out.Host != "origin.internal:8443" {
		t.Errorf("expected Host=origin.internal:8443, got %q", out.Host)
	}
	if got := out.Header.Get("X-Forwarded-Host"); got != "example.com" {
		t.Errorf("expected X-Forwarded-Host=example.com, got %q", got)
	}
	if got := out.Header.Get("X-Forwarded-For"); got != "10.0.0.1" {
		t.Errorf("expected X-Forwarded-For=10.0.0.1, got %q", got)
	}
	if req.URL.Host != "example.com" {
		t.Errorf("original request was mutated: %q", req.URL.Host)
	}
}

func TestDirect_XForwardedFor_Appending(t *testing.T) {
	target := mustParseURL(t, "http://origin")

	req, _ := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	req.Header.Set("X-Forwarded-For", "192.168.1.1, 10.0.0.5")
	req.RemoteAddr = "172.16.0.10:54321"

	out := direct(context.Background(), req, target)

	expected := "192.168.1.1, 10.0.0.5, 172.16.0.10"
	if got := out.Header.Get("X-forwarded-For"); got != expected {
		t.Errorf("X-Forwarded-For Appending failed.\nExpected: %q\nGot: \t%q", expected, got)
	}

	req2, _ := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	req2.RemoteAddr = "10.0.0.25"
	out2 := direct(context.Background(), req2, target)

	expected2 := "10.0.0.25"
	if got := out2.Header.Get("X-Forwarded-For"); got != expected2 {
		t.Errorf("X-Forwarded-For for bare IP failed. Expected: %q, Got: %q", expected2, got)
	}

	req3, _ := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	req3.RemoteAddr = "tcp://10.0.0.50:8080"
	out3 := direct(context.Background(), req3, target)

	expected3 := "10.0.0.50"
	if got := out3.Header.Get("X-Forwarded-For"); got != expected3 {
		t.Errorf("X-Forwarded-For scheme sanitization failed.\nExpected: %q\nGot:\t%q", expected3, got)
	}

	req4, _ := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	out4 := direct(context.Background(), req4, target)
	if got := out4.Header.Get("X-Forwarded-For"); got != "" {
		t.Errorf("expected no X-Forwarded-For without RemoteAddr, got %q", got)
	}
}

func TestJoinPath(t *testing.T) {
	tests := []struct {
		a, b, want string
	}{
		{"", "/x", "/x"},
		{"/", "/x", "/x"},
		{"/base", "/x", "/base/x"},
		{"/base/", "/x", "/base/x"},
		{"/base", "x", "/base/x"},
	}
	for _, tt := range tests {
		if got := joinPath(tt.a, tt.b); got != tt.want {
			t.Errorf("joinPath(%q, %q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
}
