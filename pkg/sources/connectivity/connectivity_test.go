package connectivity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"arisbot/pkg/sources"
)

type fakeDashboard struct {
	t        *testing.T
	lifetime time.Duration
	logins   atomic.Int32

	mu    sync.Mutex
	token string
	pages map[string]int
}

func newFakeDashboard(t *testing.T, lifetime time.Duration) (*fakeDashboard, *httptest.Server) {
	t.Helper()
	f := &fakeDashboard{t: t, lifetime: lifetime, pages: map[string]int{}}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeDashboard) revoke() {
	f.mu.Lock()
	f.token = ""
	f.mu.Unlock()
}

func (f *fakeDashboard) pageCalls(page string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pages[page]
}

func (f *fakeDashboard) serve(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/login":
		if err := r.ParseForm(); err != nil || r.PostForm.Get("username") != "admin" || r.PostForm.Get("password") != "secret" {
			w.WriteHeader(http.StatusOK)
			return
		}
		n := f.logins.Add(1)
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": fmt.Sprintf("admin-%d", n),
			"exp": time.Now().Add(f.lifetime).Unix(),
		}).SignedString([]byte("dashboard-key"))
		if err != nil {
			f.t.Errorf("sign token: %v", err)
			return
		}
		f.mu.Lock()
		f.token = token
		f.mu.Unlock()
		http.SetCookie(w, &http.Cookie{Name: "access_token", Value: token, HttpOnly: true})
		w.Header().Set("Location", "/")
		w.WriteHeader(http.StatusSeeOther)
	case "/":
		page := r.URL.Query().Get("page")
		f.mu.Lock()
		f.pages[page]++
		current := f.token
		f.mu.Unlock()
		ck, err := r.Cookie("access_token")
		if err != nil || current == "" || ck.Value != current {
			w.Header().Set("Location", "/login")
			w.WriteHeader(http.StatusFound)
			return
		}
		switch page {
		case "1", "2":
			raw, err := os.ReadFile(filepath.Join("testdata", "lines_page"+page+".html"))
			if err != nil {
				f.t.Errorf("read fixture: %v", err)
				return
			}
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Write(raw)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestClient(srv *httptest.Server) (*Client, *clock) {
	clk := &clock{now: time.Now()}
	c := New(Config{BaseURL: srv.URL, User: "admin", Password: "secret", HTTPClient: srv.Client()})
	c.now = clk.Now
	return c, clk
}

func TestLinesScrapesEveryPage(t *testing.T) {
	_, srv := newFakeDashboard(t, time.Hour)
	c, _ := newTestClient(srv)

	lines, err := c.Lines(context.Background())
	if err != nil {
		t.Fatalf("lines: %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines (page 3 fails, placeholder skipped), got %d: %+v", len(lines), lines)
	}
	first := lines[0]
	if first.Number != "912345678" || first.Client != "Transportes Ruiz SL" || first.IPType != "IP ESTÁTICA" || first.IPAddress != "85.10.20.30" {
		t.Fatalf("unexpected first line: %+v", first)
	}
	if lines[1].IPType != "" || lines[1].IPAddress != "10.0.0.5" {
		t.Fatalf("expected address moved out of the type column: %+v", lines[1])
	}
	if lines[2].Number != "LCR-24589" || lines[2].IPType != "IP DINÁMICA" {
		t.Fatalf("unexpected page two line: %+v", lines[2])
	}
}

func TestLinesCachedUntilTTL(t *testing.T) {
	fake, srv := newFakeDashboard(t, time.Hour)
	c, clk := newTestClient(srv)
	ctx := context.Background()

	if _, err := c.Lines(ctx); err != nil {
		t.Fatalf("lines: %v", err)
	}
	clk.Advance(9 * time.Minute)
	if _, err := c.Lines(ctx); err != nil {
		t.Fatalf("lines cached: %v", err)
	}
	if got := fake.pageCalls("1"); got != 1 {
		t.Fatalf("expected cached line list, got %d page fetches", got)
	}
	clk.Advance(2 * time.Minute)
	if _, err := c.Lines(ctx); err != nil {
		t.Fatalf("lines reload: %v", err)
	}
	if got := fake.pageCalls("1"); got != 2 {
		t.Fatalf("expected reload after ttl, got %d page fetches", got)
	}
	if got := fake.logins.Load(); got != 1 {
		t.Fatalf("expected token reuse, got %d logins", got)
	}
}

func TestTokenInsideRenewMarginIsReplaced(t *testing.T) {
	fake, srv := newFakeDashboard(t, 4*time.Minute)
	c, clk := newTestClient(srv)
	ctx := context.Background()

	if _, err := c.Lines(ctx); err != nil {
		t.Fatalf("lines: %v", err)
	}
	clk.Advance(11 * time.Minute)
	if _, err := c.Lines(ctx); err != nil {
		t.Fatalf("lines reload: %v", err)
	}
	if got := fake.logins.Load(); got != 2 {
		t.Fatalf("expected renewal of a token expiring within five minutes, got %d logins", got)
	}
}

func TestRedirectToLoginRenewsSession(t *testing.T) {
	fake, srv := newFakeDashboard(t, time.Hour)
	c, clk := newTestClient(srv)
	ctx := context.Background()

	if _, err := c.Lines(ctx); err != nil {
		t.Fatalf("lines: %v", err)
	}
	fake.revoke()
	clk.Advance(11 * time.Minute)
	lines, err := c.Lines(ctx)
	if err != nil {
		t.Fatalf("lines after revoke: %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	if got := fake.logins.Load(); got != 2 {
		t.Fatalf("expected one re-login, got %d", got)
	}
}

func TestTokenExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	exp := now.Add(3 * time.Hour).Truncate(time.Second)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()}).SignedString([]byte("k"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if got := tokenExpiry(token, now); !got.Equal(exp) {
		t.Fatalf("expected %v, got %v", exp, got)
	}
	if got := tokenExpiry("not-a-jwt", now); !got.Equal(now.Add(7 * time.Hour)) {
		t.Fatalf("expected seven hour fallback, got %v", got)
	}
}

func TestLineByNumber(t *testing.T) {
	_, srv := newFakeDashboard(t, time.Hour)
	c, _ := newTestClient(srv)
	ctx := context.Background()

	line, err := c.LineByNumber(ctx, "912 345 678")
	if err != nil {
		t.Fatalf("line by number: %v", err)
	}
	if line == nil || line.Client != "Transportes Ruiz SL" {
		t.Fatalf("unexpected line: %+v", line)
	}
	missing, err := c.LineByNumber(ctx, "600000000")
	if err != nil {
		t.Fatalf("missing line: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil, got %+v", missing)
	}
}

func TestContextDirectLookupFirst(t *testing.T) {
	_, srv := newFakeDashboard(t, time.Hour)
	c, _ := newTestClient(srv)

	got, err := c.Context(context.Background(), "estado de la línea 912345678")
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	if !strings.HasPrefix(got, "\n---\n## Datos del Sistema de Gestión de Fibras\n\n") {
		t.Fatalf("missing heading: %q", got)
	}
	first := strings.Index(got, "### Línea ")
	if first < 0 || !strings.HasPrefix(got[first:], "### Línea 912345678\n") {
		t.Fatalf("expected the requested line first:\n%s", got)
	}
	if strings.Count(got, "### Línea 912345678") != 1 {
		t.Fatalf("line listed twice:\n%s", got)
	}
	if !strings.Contains(got, "| Dirección IP | 85.10.20.30 |") {
		t.Fatalf("missing address row:\n%s", got)
	}
}

func TestContextStatsFallback(t *testing.T) {
	_, srv := newFakeDashboard(t, time.Hour)
	c, _ := newTestClient(srv)
	ctx := context.Background()

	got, err := c.Context(ctx, "dame estadísticas")
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	for _, want := range []string{
		"**Total de líneas registradas:** 3",
		"**Por tipo de conectividad:**\n- FTTH: 2 líneas\n- Radioenlace: 1 líneas\n",
		"- IP ESTÁTICA: 1 líneas\n- IP DINÁMICA: 1 líneas\n",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in:\n%s", want, got)
		}
	}

	none, err := c.Context(ctx, "xyzw")
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	if none != "" {
		t.Fatalf("expected no fragment, got %q", none)
	}
}

func TestNotConfigured(t *testing.T) {
	c := New(Config{})
	if _, err := c.Context(context.Background(), "fibra"); !errors.Is(err, sources.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestSharedScrapeOutlivesCancelledCaller(t *testing.T) {
	fake := &fakeDashboard{t: t, lifetime: time.Hour, pages: map[string]int{}}
	arrived := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" && r.URL.Query().Get("page") == "1" {
			select {
			case arrived <- struct{}{}:
			default:
			}
			<-release
		}
		fake.serve(w, r)
	}))
	t.Cleanup(srv.Close)
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)
	c, _ := newTestClient(srv)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := c.Lines(ctxA)
		errA <- err
	}()
	<-arrived

	type result struct {
		lines []Line
		err   error
	}
	resB := make(chan result, 1)
	go func() {
		lines, err := c.Lines(context.Background())
		resB <- result{lines, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelA()
	if err := <-errA; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled caller to stop waiting, got %v", err)
	}
	unblock()
	got := <-resB
	if got.err != nil {
		t.Fatalf("live caller failed: %v", got.err)
	}
	if len(got.lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(got.lines))
	}
	if n := fake.pageCalls("1"); n != 1 {
		t.Fatalf("expected one shared scrape, got %d first-page fetches", n)
	}
}
