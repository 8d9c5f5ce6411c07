package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gwlsn/fleetdesk/internal/auth"
	"github.com/gwlsn/fleetdesk/internal/logger"
	"github.com/gwlsn/fleetdesk/internal/observer"
	"github.com/gwlsn/fleetdesk/internal/session"
	"github.com/gwlsn/fleetdesk/internal/store"
)

// TabCookie identifies the client session a request belongs to.
const TabCookie = "fleetdesk_tab"

// Event types pushed on a tab's event stream.
const (
	EventInit     = "init"
	EventIdentity = "identity"
	EventNavigate = "navigate"
	EventLogout   = "logout"
)

// Event is one message on a tab's event stream.
type Event struct {
	Type          string         `json:"type"`
	Authenticated bool           `json:"authenticated"`
	User          *auth.Identity `json:"user,omitempty"`
	Target        string         `json:"target,omitempty"`
}

// ServiceFactory builds the session service of a new tab. key names the
// tab's storage and never leaves the server. nav delivers the service's
// navigations to the tab's event stream.
type ServiceFactory func(key string, nav session.Navigator) (*session.Service, error)

// Tab is one client session.
type Tab struct {
	Service *session.Service

	key string

	idMu sync.Mutex
	id   string

	events  *observer.Registry[Event]
	detach  []func()
	seen    time.Time
	streams int
}

// ID returns the tab's cookie value. It changes when a login rotates it.
func (t *Tab) ID() string {
	t.idMu.Lock()
	defer t.idMu.Unlock()
	return t.id
}

func (t *Tab) setID(id string) {
	t.idMu.Lock()
	t.id = id
	t.idMu.Unlock()
}

// Subscribe returns a channel of the tab's events. Slow readers lose
// events rather than block the session.
func (t *Tab) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	var mu sync.Mutex
	closed := false
	remove := t.events.Add(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- e:
		default:
			logger.Debug("Dropping tab event for slow stream", "tab", t.ID(), "type", e.Type)
		}
	})
	return ch, func() {
		remove()
		mu.Lock()
		closed = true
		mu.Unlock()
	}
}

func (t *Tab) publish(e Event) {
	t.events.Notify(e)
}

func (t *Tab) close() {
	for _, fn := range t.detach {
		fn()
	}
	t.Service.Close()
}

// Tabs owns the session service of every known client.
//
// Tab IDs are only ever minted here. A cookie naming an unknown ID gets a
// fresh tab, and a successful login moves the tab to a new ID, so an ID
// planted before login never carries the signed-in session. Signed-in
// tabs are recorded in the index so they can be restored after eviction.
type Tabs struct {
	factory ServiceFactory
	index   store.KV
	idle    time.Duration
	secure  bool
	now     func() time.Time

	mu   sync.Mutex
	tabs map[string]*Tab
}

// NewTabs creates a registry that evicts tabs idle for longer than idle.
// index maps the IDs of signed-in tabs to their storage and may be nil.
// secure marks the tab cookie Secure.
func NewTabs(factory ServiceFactory, index store.KV, idle time.Duration, secure bool) *Tabs {
	return &Tabs{
		factory: factory,
		index:   index,
		idle:    idle,
		secure:  secure,
		now:     time.Now,
		tabs:    make(map[string]*Tab),
	}
}

// Resolve returns the tab of r. A request without a known tab gets a new
// one under a freshly minted ID, set as the cookie on w.
func (ts *Tabs) Resolve(w http.ResponseWriter, r *http.Request) (*Tab, error) {
	tab, err := ts.find(r)
	if err != nil {
		return nil, err
	}
	if tab != nil {
		return tab, nil
	}

	tab, err = ts.create(r.Context(), uuid.NewString(), uuid.NewString())
	if err != nil {
		return nil, err
	}
	ts.setCookie(w, tab.ID())
	return tab, nil
}

// Lookup returns a known tab without creating one. A signed-in tab that
// was evicted is restored.
func (ts *Tabs) Lookup(r *http.Request) (*Tab, bool) {
	tab, err := ts.find(r)
	if err != nil {
		logger.Warn("Tab lookup failed", "error", err)
		return nil, false
	}
	return tab, tab != nil
}

func (ts *Tabs) find(r *http.Request) (*Tab, error) {
	id := tabID(r)
	if id == "" {
		return nil, nil
	}

	ts.mu.Lock()
	if tab, ok := ts.tabs[id]; ok {
		tab.seen = ts.now()
		ts.mu.Unlock()
		return tab, nil
	}
	ts.mu.Unlock()

	if ts.index == nil {
		return nil, nil
	}
	key, err := ts.index.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("look up tab: %w", err)
	}
	return ts.create(r.Context(), id, key)
}

func tabID(r *http.Request) string {
	c, err := r.Cookie(TabCookie)
	if err != nil {
		return ""
	}
	parsed, err := uuid.Parse(c.Value)
	if err != nil {
		return ""
	}
	return parsed.String()
}

func (ts *Tabs) setCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     TabCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   ts.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// rotate moves tab to a new ID after a login, records it in the index and
// sets the new cookie on w. The previous ID stops resolving.
func (ts *Tabs) rotate(ctx context.Context, w http.ResponseWriter, tab *Tab) error {
	id := uuid.NewString()

	ts.mu.Lock()
	old := tab.ID()
	if ts.tabs[old] != tab {
		ts.mu.Unlock()
		return errTabGone
	}
	delete(ts.tabs, old)
	tab.setID(id)
	tab.seen = ts.now()
	ts.tabs[id] = tab
	ts.mu.Unlock()

	ts.setCookie(w, id)
	if ts.index == nil {
		return nil
	}
	if err := ts.index.Delete(ctx, old); err != nil {
		logger.Warn("Failed to drop rotated tab ID", "error", err)
	}
	if err := ts.index.Set(ctx, id, tab.key); err != nil {
		return fmt.Errorf("record tab: %w", err)
	}
	return nil
}

// forget drops tab from the index once it is signed out.
func (ts *Tabs) forget(ctx context.Context, tab *Tab) {
	if ts.index == nil {
		return
	}
	if err := ts.index.Delete(ctx, tab.ID()); err != nil {
		logger.Warn("Failed to drop tab from index", "tab", tab.ID(), "error", err)
	}
}

var errTabGone = errors.New("tab was evicted")

func (ts *Tabs) create(ctx context.Context, id, key string) (*Tab, error) {
	tab := &Tab{id: id, key: key, events: observer.NewRegistry[Event]("tab-events")}

	nav := session.NavigatorFunc(func(_ context.Context, target string) error {
		tab.publish(Event{Type: EventNavigate, Target: target})
		return nil
	})
	svc, err := ts.factory(key, nav)
	if err != nil {
		return nil, err
	}
	if svc == nil {
		return nil, errors.New("session factory returned no service")
	}
	tab.Service = svc
	tab.detach = append(tab.detach,
		svc.AddListener(func(user *auth.Identity) {
			tab.publish(Event{Type: EventIdentity, Authenticated: user != nil, User: user})
		}),
		svc.AddLogoutListener(func(*auth.Identity) {
			tab.publish(Event{Type: EventLogout})
		}),
	)

	// A failed restore leaves the tab signed out; it is retried on the
	// next explicit refresh.
	if err := svc.Initialize(ctx); err != nil {
		logger.Warn("Tab session restore failed", "tab", id, "error", err)
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if existing, ok := ts.tabs[id]; ok {
		// Lost a race with a concurrent request for the same tab.
		tab.close()
		existing.seen = ts.now()
		return existing, nil
	}
	tab.seen = ts.now()
	ts.tabs[id] = tab
	logger.Debug("Tab created", "tab", id)
	return tab, nil
}

// attach and release count open event streams; a tab with a stream is
// never evicted.
func (ts *Tabs) attach(tab *Tab) {
	ts.mu.Lock()
	tab.streams++
	ts.mu.Unlock()
}

func (ts *Tabs) release(tab *Tab) {
	ts.mu.Lock()
	tab.streams--
	tab.seen = ts.now()
	ts.mu.Unlock()
}

// Len returns the number of live tabs.
func (ts *Tabs) Len() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.tabs)
}

// Sweep evicts idle tabs and returns how many were removed. Evicted tabs
// keep their stored session; a returning client restores it.
func (ts *Tabs) Sweep() int {
	cutoff := ts.now().Add(-ts.idle)

	ts.mu.Lock()
	var evicted []*Tab
	for id, tab := range ts.tabs {
		if tab.streams == 0 && tab.seen.Before(cutoff) {
			evicted = append(evicted, tab)
			delete(ts.tabs, id)
		}
	}
	ts.mu.Unlock()

	for _, tab := range evicted {
		tab.close()
	}
	if len(evicted) > 0 {
		logger.Info("Evicted idle tabs", "count", len(evicted))
	}
	return len(evicted)
}

// Run sweeps periodically until ctx is done.
func (ts *Tabs) Run(ctx context.Context) {
	interval := ts.idle / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ts.Sweep()
		}
	}
}

// Close releases every tab.
func (ts *Tabs) Close() {
	ts.mu.Lock()
	tabs := ts.tabs
	ts.tabs = make(map[string]*Tab)
	ts.mu.Unlock()

	for _, tab := range tabs {
		tab.close()
	}
}
