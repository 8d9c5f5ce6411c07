package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gwlsn/fleetdesk/internal/auth"
	"github.com/gwlsn/fleetdesk/internal/auth/local"
	"github.com/gwlsn/fleetdesk/internal/session"
	"github.com/gwlsn/fleetdesk/internal/store"
	"golang.org/x/crypto/bcrypt"
)

const (
	testEmail    = "ops@example.com"
	testPassword = "correct horse"
)

// stubConnector completes any login whose code is "good".
type stubConnector struct{}

func (stubConnector) AuthCodeURL(p auth.PendingLogin) string {
	return "https://idp.example.com/authorize?" + url.Values{"state": {p.State}}.Encode()
}

func (stubConnector) Exchange(_ context.Context, code string, _ auth.PendingLogin) (*auth.Identity, error) {
	if code != "good" {
		return nil, errors.New("bad code")
	}
	return &auth.Identity{ID: "g-1", Email: "g@example.com", Provider: auth.ProviderGoogle}, nil
}

type testEnv struct {
	srv    *httptest.Server
	tabs   *Tabs
	client *http.Client
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	connectors := auth.NewRegistry()
	connectors.Register(auth.ProviderGoogle, stubConnector{})

	mem := store.NewMemory()
	var appURL string
	factory := func(key string, nav session.Navigator) (*session.Service, error) {
		localKV := store.Namespace(mem, "tab:"+key+":local:")
		gw, err := local.NewGateway(localKV, local.Options{
			Users:      local.Users{testEmail: string(hash)},
			Connectors: connectors,
		})
		if err != nil {
			return nil, err
		}
		return session.New(gw, session.Options{
			Local:      localKV,
			Session:    store.Namespace(mem, "tab:"+key+":session:"),
			Navigator:  nav,
			AppURL:     appURL,
			RedirectTo: "/login",
		}), nil
	}

	tabs := NewTabs(factory, store.Namespace(mem, "tab:index:"), time.Hour, false)
	mux := http.NewServeMux()
	NewHandler(tabs, Options{RedirectAfterLogin: "/fleet"}).Register(mux)
	mux.HandleFunc("GET /api/whoami", WhoAmI)
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("dashboard"))
	})
	mw := NewMiddleware(tabs, DefaultBypassPaths(), "/login")

	srv := httptest.NewServer(mw.Wrap(mux))
	t.Cleanup(srv.Close)
	t.Cleanup(tabs.Close)
	appURL = srv.URL

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &testEnv{srv: srv, tabs: tabs, client: client}
}

func (e *testEnv) do(t *testing.T, method, path, contentType, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) login(t *testing.T, email, password string) (*http.Response, session.Result) {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"email": email, "password": password})
	resp := e.do(t, http.MethodPost, "/auth/login", "application/json", string(body))
	var res session.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode login result: %v", err)
	}
	return resp, res
}

func (e *testEnv) me(t *testing.T) meResponse {
	t.Helper()
	resp := e.do(t, http.MethodGet, "/auth/me", "", "")
	var me meResponse
	if err := json.NewDecoder(resp.Body).Decode(&me); err != nil {
		t.Fatalf("decode me: %v", err)
	}
	return me
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/healthz", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestPasswordLogin(t *testing.T) {
	tests := []struct {
		name       string
		email      string
		password   string
		wantStatus int
		wantError  string
	}{
		{"success", testEmail, testPassword, http.StatusOK, ""},
		{"missing password", testEmail, "", http.StatusBadRequest, "Inserisci email e password."},
		{"wrong password", testEmail, "nope", http.StatusUnauthorized, "Credenziali non valide."},
		{"unknown user", "who@example.com", testPassword, http.StatusUnauthorized, "Credenziali non valide."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			resp, res := env.login(t, tt.email, tt.password)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if res.Success != (tt.wantError == "") || res.Error != tt.wantError {
				t.Errorf("result = %+v", res)
			}
			me := env.me(t)
			if me.Authenticated != res.Success {
				t.Errorf("me.authenticated = %v", me.Authenticated)
			}
			if res.Success && (me.User == nil || me.User.Email != testEmail) {
				t.Errorf("me.user = %+v", me.User)
			}
		})
	}
}

func TestPasswordLoginForm(t *testing.T) {
	env := newTestEnv(t)
	form := url.Values{"email": {testEmail}, "password": {testPassword}}.Encode()
	resp := env.do(t, http.MethodPost, "/auth/login", "application/x-www-form-urlencoded", form)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !env.me(t).Authenticated {
		t.Error("form login did not sign in")
	}
}

func TestPasswordLogoutRedirects(t *testing.T) {
	env := newTestEnv(t)
	env.login(t, testEmail, testPassword)

	resp := env.do(t, http.MethodGet, "/auth/logout", "", "")
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/login" {
		t.Errorf("Location = %q, want /login", loc)
	}

	expired := map[string]bool{}
	for _, c := range resp.Cookies() {
		if c.MaxAge < 0 {
			expired[c.Name] = true
		}
	}
	for _, name := range session.DefaultCookieNames {
		if !expired[name] {
			t.Errorf("cookie %s not expired", name)
		}
	}
	if env.me(t).Authenticated {
		t.Error("still signed in after logout")
	}
}

func TestLogoutIgnoresForeignTarget(t *testing.T) {
	tests := []struct {
		redirectTo string
		want       string
	}{
		{"/fleet/42", "/fleet/42"},
		{"https://evil.example/phish", "/login"},
		{"//evil.example/phish", "/login"},
		{"/\\evil.example", "/login"},
		{"javascript:alert(1)", "/login"},
	}
	for _, tt := range tests {
		t.Run(tt.redirectTo, func(t *testing.T) {
			env := newTestEnv(t)
			env.login(t, testEmail, testPassword)

			resp := env.do(t, http.MethodGet, "/auth/logout?"+url.Values{"redirect_to": {tt.redirectTo}}.Encode(), "", "")
			if resp.StatusCode != http.StatusSeeOther {
				t.Fatalf("status = %d", resp.StatusCode)
			}
			if loc := resp.Header.Get("Location"); loc != tt.want {
				t.Errorf("Location = %q, want %q", loc, tt.want)
			}
		})
	}
}

func TestLogoutTarget(t *testing.T) {
	h := NewHandler(nil, Options{PublicURL: "https://fleet.example.com"})
	tests := []struct {
		raw  string
		want string
	}{
		{"", ""},
		{"/", "/"},
		{"/fleet?tab=2", "/fleet?tab=2"},
		{"https://fleet.example.com/bye", "https://fleet.example.com/bye"},
		{"https://FLEET.example.com/bye", "https://FLEET.example.com/bye"},
		{"http://fleet.example.com/bye", ""},
		{"https://fleet.example.com.evil.example/", ""},
		{"https://user@fleet.example.com/", ""},
		{"//evil.example", ""},
		{"/\\evil.example", ""},
		{"/ok\r\nSet-Cookie: x", ""},
		{"fleet", ""},
	}
	for _, tt := range tests {
		if got := h.logoutTarget(tt.raw); got != tt.want {
			t.Errorf("logoutTarget(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestCrossSiteLogoutRefused(t *testing.T) {
	env := newTestEnv(t)
	env.login(t, testEmail, testPassword)

	for _, site := range []string{"cross-site", "same-site"} {
		req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/auth/logout", nil)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Sec-Fetch-Site", site)
		resp, err := env.client.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("%s: status = %d, want 403", site, resp.StatusCode)
		}
	}
	if !env.me(t).Authenticated {
		t.Error("cross-site request signed the user out")
	}
}

func TestLoginRotatesTab(t *testing.T) {
	env := newTestEnv(t)
	u, _ := url.Parse(env.srv.URL)

	planted := "11111111-1111-4111-8111-111111111111"
	env.client.Jar.SetCookies(u, []*http.Cookie{{Name: TabCookie, Value: planted, Path: "/"}})

	resp, res := env.login(t, testEmail, testPassword)
	if !res.Success {
		t.Fatalf("login = %+v", res)
	}
	var issued string
	for _, c := range resp.Cookies() {
		if c.Name == TabCookie {
			issued = c.Value
		}
	}
	if issued == "" || issued == planted {
		t.Fatalf("tab cookie after login = %q", issued)
	}

	// Whoever planted the old ID does not get the session.
	attacker := &http.Client{}
	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/api/whoami", nil)
	req.AddCookie(&http.Cookie{Name: TabCookie, Value: planted})
	resp, err := attacker.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("planted ID: status = %d, want 401", resp.StatusCode)
	}

	// The rotated cookie keeps working for the client that logged in.
	resp = env.do(t, http.MethodGet, "/api/whoami", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("after login: status = %d", resp.StatusCode)
	}
}

func TestAnonymousTrafficCreatesNoTabs(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 5; i++ {
		env.do(t, http.MethodGet, "/api/whoami", "", "")
		env.do(t, http.MethodGet, "/", "", "")
	}
	if n := env.tabs.Len(); n != 0 {
		t.Errorf("Len() = %d, want 0", n)
	}
}

func TestOAuthCallbackRotatesTab(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/auth/login/google", "", "")
	authURL, _ := url.Parse(resp.Header.Get("Location"))
	var before string
	for _, c := range resp.Cookies() {
		if c.Name == TabCookie {
			before = c.Value
		}
	}

	resp = env.do(t, http.MethodGet, "/auth/callback/google?"+url.Values{"code": {"good"}, "state": {authURL.Query().Get("state")}}.Encode(), "", "")
	var after string
	for _, c := range resp.Cookies() {
		if c.Name == TabCookie {
			after = c.Value
		}
	}
	if before == "" || after == "" || before == after {
		t.Errorf("tab cookie %q -> %q, want a new ID", before, after)
	}
	if !env.me(t).Authenticated {
		t.Error("not signed in after callback")
	}
}

func TestGoogleLoginAndLogout(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/auth/login/google", "", "")
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	authURL, err := url.Parse(resp.Header.Get("Location"))
	if err != nil || authURL.Host != "idp.example.com" {
		t.Fatalf("Location = %q", resp.Header.Get("Location"))
	}
	state := authURL.Query().Get("state")

	resp = env.do(t, http.MethodGet, "/auth/callback/google?"+url.Values{"code": {"good"}, "state": {state}}.Encode(), "", "")
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/fleet" {
		t.Fatalf("callback = %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}
	me := env.me(t)
	if !me.Authenticated || me.User.Provider != auth.ProviderGoogle {
		t.Fatalf("me = %+v", me)
	}

	resp = env.do(t, http.MethodPost, "/auth/logout", "", "")
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out["redirect"], "https://accounts.google.com/Logout?") {
		t.Errorf("redirect = %q, want Google logout", out["redirect"])
	}
	logoutURL, _ := url.Parse(out["redirect"])
	cont, _ := url.Parse(logoutURL.Query().Get("continue"))
	if got := cont.Query().Get("continue"); got != env.srv.URL+"/login" {
		t.Errorf("return address = %q, want %q", got, env.srv.URL+"/login")
	}
}

func TestOAuthLoginUnknownProvider(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/auth/login/myspace", "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCallbackRejects(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/auth/callback/google?code=good&state=x", "", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("callback without tab: status = %d", resp.StatusCode)
	}

	env.do(t, http.MethodGet, "/auth/login/google", "", "")
	resp = env.do(t, http.MethodGet, "/auth/callback/google?code=good&state=forged", "", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("forged state: status = %d", resp.StatusCode)
	}
	if env.me(t).Authenticated {
		t.Error("forged callback signed in")
	}

	resp = env.do(t, http.MethodGet, "/auth/callback/google?error=access_denied", "", "")
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/login?error=access_denied" {
		t.Errorf("provider error: %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}
}

func TestMiddleware(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/whoami", "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("api without session: status = %d", resp.StatusCode)
	}
	resp = env.do(t, http.MethodGet, "/", "", "")
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/login?next=%2F" {
		t.Errorf("page without session: %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}

	env.login(t, testEmail, testPassword)
	resp = env.do(t, http.MethodGet, "/api/whoami", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("api with session: status = %d", resp.StatusCode)
	}
	var user auth.Identity
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		t.Fatal(err)
	}
	if user.Email != testEmail {
		t.Errorf("user = %+v", user)
	}
}

func TestShouldBypass(t *testing.T) {
	m := &Middleware{BypassPaths: DefaultBypassPaths()}
	tests := []struct {
		path string
		want bool
	}{
		{"/healthz", true},
		{"/login", true},
		{"/auth/callback/google", true},
		{"/auth/", true},
		{"/authx", false},
		{"/api/whoami", false},
		{"/", false},
	}
	for _, tt := range tests {
		if got := m.shouldBypass(tt.path); got != tt.want {
			t.Errorf("shouldBypass(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

// readEvent reads one SSE event, skipping comments.
func readEvent(t *testing.T, r *bufio.Reader) Event {
	t.Helper()
	var data string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read event: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && data != "":
			var e Event
			if err := json.Unmarshal([]byte(data), &e); err != nil {
				t.Fatalf("decode event %q: %v", data, err)
			}
			return e
		}
	}
}

func TestIdentityStream(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/auth/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := env.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	r := bufio.NewReader(resp.Body)

	if e := readEvent(t, r); e.Type != EventInit || e.Authenticated {
		t.Fatalf("first event = %+v", e)
	}

	env.login(t, testEmail, testPassword)
	e := readEvent(t, r)
	if e.Type != EventIdentity || !e.Authenticated || e.User == nil || e.User.Email != testEmail {
		t.Fatalf("after login = %+v", e)
	}

	env.do(t, http.MethodPost, "/auth/logout", "", "")
	want := []Event{
		{Type: EventLogout},
		{Type: EventIdentity},
		{Type: EventNavigate, Target: "/login"},
	}
	for i, w := range want {
		got := readEvent(t, r)
		if got.Type != w.Type || got.Authenticated != w.Authenticated || got.Target != w.Target {
			t.Errorf("event %d = %+v, want %+v", i, got, w)
		}
	}
}
