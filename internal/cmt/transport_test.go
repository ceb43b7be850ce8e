package cmt

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/beamctl/internal/testutil/testlog"
	"github.com/danmuck/beamctl/internal/testutil/tlstest"
)

func TestHTTPClientTrustsPrivateCA(t *testing.T) {
	testlog.Start(t)

	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "fleet-api-ca")

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	srv.TLS = ca.ServerTLS(t, dir)
	srv.StartTLS()
	defer srv.Close()

	httpClient, err := NewHTTPClient(ca.CAFile(), time.Minute)
	if err != nil {
		t.Fatalf("new http client: %v", err)
	}
	c, err := NewClient(Config{BaseURL: srv.URL, Tokens: StaticTokens("t"), HTTPClient: httpClient})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ok, err := c.Ping(context.Background(), testMAC)
	if err != nil || !ok {
		t.Fatalf("expected online over tls, got ok=%t err=%v", ok, err)
	}

	plain, err := NewHTTPClient("", time.Minute)
	if err != nil {
		t.Fatalf("new plain client: %v", err)
	}
	resp, err := plain.Get(srv.URL)
	if err == nil {
		_ = resp.Body.Close()
		t.Fatalf("expected system roots to reject the private ca")
	}
}

func TestHTTPClientRejectsBadCAFile(t *testing.T) {
	testlog.Start(t)

	if _, err := NewHTTPClient(filepath.Join(t.TempDir(), "missing.crt"), time.Minute); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for missing file, got %v", err)
	}

	junk := filepath.Join(t.TempDir(), "junk.crt")
	if err := os.WriteFile(junk, []byte("not a certificate"), 0o644); err != nil {
		t.Fatalf("write junk: %v", err)
	}
	if _, err := NewHTTPClient(junk, time.Minute); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for junk file, got %v", err)
	}
}
