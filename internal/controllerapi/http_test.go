package controllerapi

import (
	"crypto/tls"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/plane-run/plane/pkg/types"
)

func TestPublicBackendURLWithSubdomain(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/c/example.test/connect", nil)
	got := publicBackendURL(r, types.ClusterName("example.test"), types.Subdomain("room1"), types.BearerToken("tok123"))
	want := "http://room1.example.test/tok123/"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestPublicBackendURLWithoutSubdomainUsesTLSScheme(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/c/example.test/connect", nil)
	r.TLS = &tls.ConnectionState{}
	got := publicBackendURL(r, types.ClusterName("example.test"), "", types.BearerToken("tok123"))
	want := "https://example.test/tok123/"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestWriteApiErrorUsesKindStatusCode(t *testing.T) {
	w := httptest.NewRecorder()
	writeApiError(w, types.NewApiError(types.ErrNotFound, "no such backend"))
	if w.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want 404", w.Code)
	}
}

func TestWriteApiErrorWrapsPlainError(t *testing.T) {
	w := httptest.NewRecorder()
	writeApiError(w, errors.New("boom"))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("got status %d, want 500", w.Code)
	}
}
