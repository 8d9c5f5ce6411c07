package app

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gwlsn/fleetdesk/internal/config"
	"golang.org/x/crypto/bcrypt"
)

func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func getJSON(t *testing.T, client *http.Client, url string, v any) int {
	t.Helper()
	resp, err := client.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestNoAuthBackend(t *testing.T) {
	cfg := config.Default()
	a, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()
	client := newClient(t)

	var me struct {
		Authenticated bool `json:"authenticated"`
	}
	if status := getJSON(t, client, srv.URL+"/auth/me", &me); status != http.StatusOK || !me.Authenticated {
		t.Errorf("me = %d %+v", status, me)
	}
	if status := getJSON(t, client, srv.URL+"/api/whoami", nil); status != http.StatusOK {
		t.Errorf("whoami status = %d", status)
	}
}

func TestLocalBackendWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Auth.Backend = config.BackendLocal
	cfg.Auth.Local.Users = map[string]string{"ops@example.com": string(hash)}
	cfg.Storage.Backend = config.StorageRedis
	cfg.Storage.Redis.Addr = mr.Addr()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	a, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()
	client := newClient(t)

	resp, err := client.Post(srv.URL+"/auth/login", "application/json", strings.NewReader(`{"email":"ops@example.com","password":"pw"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}

	keys := mr.Keys()
	if len(keys) == 0 {
		t.Fatal("session not persisted in redis")
	}
	for _, k := range keys {
		if !strings.HasPrefix(k, "fleetdesk:tab:") {
			t.Errorf("unexpected key %q", k)
		}
	}

	resp, err = client.Post(srv.URL+"/auth/logout", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if keys := mr.Keys(); len(keys) != 0 {
		t.Errorf("keys left after logout: %v", keys)
	}
}

func TestRedisUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	cfg := config.Default()
	cfg.Storage.Backend = config.StorageRedis
	cfg.Storage.Redis.Addr = addr
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("expected error for unreachable redis")
	}
}

func TestUnknownBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.Backend = "ldap"
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("expected error for unknown auth backend")
	}
}

func TestServeShutsDown(t *testing.T) {
	a, err := New(context.Background(), config.Default())
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- a.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Serve() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
