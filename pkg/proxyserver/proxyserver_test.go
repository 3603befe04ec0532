package proxyserver

import (
	"testing"

	"github.com/plane-run/plane/pkg/types"
)

func TestSplitTokenPathNonStatic(t *testing.T) {
	token, rest, ok := splitTokenPath("/abc123/foo/bar")
	if !ok || token != "abc123" || rest != "/foo/bar" {
		t.Fatalf("got token=%q rest=%q ok=%v", token, rest, ok)
	}
}

func TestSplitTokenPathRootOnly(t *testing.T) {
	token, rest, ok := splitTokenPath("/abc123")
	if !ok || token != "abc123" || rest != "/" {
		t.Fatalf("got token=%q rest=%q ok=%v", token, rest, ok)
	}
}

func TestSplitTokenPathEmpty(t *testing.T) {
	_, _, ok := splitTokenPath("/")
	if ok {
		t.Fatal("expected no token for empty path")
	}
}

func TestHostHasSubdomainMatches(t *testing.T) {
	if !hostHasSubdomain("room1.plane.test", types.Subdomain("room1")) {
		t.Fatal("expected room1.plane.test to satisfy subdomain room1")
	}
	if hostHasSubdomain("plane.test", types.Subdomain("room1")) {
		t.Fatal("expected bare plane.test to not satisfy subdomain room1")
	}
}

func TestHostHasSubdomainWithPort(t *testing.T) {
	if !hostHasSubdomain("room1.plane.test:8443", types.Subdomain("room1")) {
		t.Fatal("expected port suffix to be stripped before comparing")
	}
}
