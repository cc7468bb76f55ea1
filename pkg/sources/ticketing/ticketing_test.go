package ticketing

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

	"arisbot/pkg/sources"
)

type fakeCRM struct {
	t          *testing.T
	logins     atomic.Int32
	expireNext atomic.Bool

	mu       sync.Mutex
	calls    map[string]int
	lastForm map[string]string
}

func newFakeCRM(t *testing.T) (*fakeCRM, *httptest.Server) {
	t.Helper()
	f := &fakeCRM{t: t, calls: map[string]int{}, lastForm: map[string]string{}}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeCRM) count(fct string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[fct]
}

func (f *fakeCRM) form(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastForm[key]
}

func (f *fakeCRM) serve(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	switch r.URL.Path {
	case "/Inicio.jsp":
		if r.PostForm.Get("USU_LOGIN") != "agent" || r.PostForm.Get("EdFunction") != "LOGIN" {
			w.Write([]byte("<html>Usuario incorrecto</html>"))
			return
		}
		n := f.logins.Add(1)
		http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: fmt.Sprintf("sess-%d", n)})
		w.Header().Set("Location", "/Principal.jsp")
		w.WriteHeader(http.StatusFound)
	case "/aServerSide.jsp":
		fct := r.URL.Query().Get("FCT")
		f.mu.Lock()
		f.calls[fct]++
		for key := range r.PostForm {
			f.lastForm[key] = r.PostForm.Get(key)
		}
		f.mu.Unlock()

		want := fmt.Sprintf("JSESSIONID=sess-%d", f.logins.Load())
		if r.Header.Get("Cookie") != want || f.expireNext.CompareAndSwap(true, false) {
			w.Write([]byte("<html><form action=\"Inicio.jsp\">USU_LOGIN</form></html>"))
			return
		}
		switch fct {
		case "TKT_LISTA":
			if r.PostForm.Get("CndCERRADO") == "1" {
				if r.PostForm.Get("CndIDAR") != "10" {
					f.t.Errorf("closed search without support profile: %q", r.PostForm.Get("CndIDAR"))
				}
				f.fixture(w, "tkt_lista_closed.json")
				return
			}
			f.fixture(w, "tkt_lista_open.json")
		case "TKT_FICHA":
			if r.PostForm.Get("TKID") == "16648" {
				f.fixture(w, "tkt_ficha_16648.json")
				return
			}
			w.Write([]byte(`{"respuesta":"-Ticket no encontrado"}`))
		case "CLI_LISTA":
			f.fixture(w, "cli_lista.json")
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeCRM) fixture(w http.ResponseWriter, name string) {
	raw, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		f.t.Errorf("read fixture %s: %v", name, err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(raw)
}

func newTestClient(srv *httptest.Server) *Client {
	return New(Config{
		BaseURL:    srv.URL,
		User:       "agent",
		Password:   "secret",
		HTTPClient: srv.Client(),
	})
}

func TestContextServesRepeatedQueryFromCache(t *testing.T) {
	fake, srv := newFakeCRM(t)
	c := newTestClient(srv)
	ctx := context.Background()

	first, err := c.Context(ctx, "tickets de Transportes Ruiz")
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	second, err := c.Context(ctx, "tickets de Transportes Ruiz")
	if err != nil {
		t.Fatalf("context again: %v", err)
	}
	if first != second {
		t.Fatalf("fragments differ:\n%s\n---\n%s", first, second)
	}
	if got := fake.count("TKT_LISTA"); got != 1 {
		t.Fatalf("expected one upstream list call, got %d", got)
	}
	if got := fake.logins.Load(); got != 1 {
		t.Fatalf("expected one login, got %d", got)
	}
	if !strings.Contains(first, "## Datos del CRM - Tickets ALPHA") {
		t.Fatalf("missing heading: %s", first)
	}
	if !strings.Contains(first, "(de 3 abiertos)") {
		t.Fatalf("missing open count: %s", first)
	}
	if !strings.Contains(first, "### Ticket #16648\n") || !strings.Contains(first, "| Estado | En operador |") {
		t.Fatalf("missing ticket rows: %s", first)
	}
}

func TestContextStats(t *testing.T) {
	_, srv := newFakeCRM(t)
	c := newTestClient(srv)

	got, err := c.Context(context.Background(), "¿cuántos tickets hay abiertos?")
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	for _, want := range []string{
		"**Total de tickets abiertos:** 3",
		"**Por estado:**\n- En operador: 1\n- En espera de cliente: 1\n- En gestor: 1\n",
		"**Por área:**\n- Técnica: 2\n- Comercial: 1\n",
		"**Por tema (top 10):**\n",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in:\n%s", want, got)
		}
	}
}

func TestContextNoMatch(t *testing.T) {
	_, srv := newFakeCRM(t)
	c := newTestClient(srv)

	got, err := c.Context(context.Background(), "zzz qqq")
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	if got != "" {
		t.Fatalf("expected no fragment, got %q", got)
	}
}

func TestTicketContext(t *testing.T) {
	_, srv := newFakeCRM(t)
	c := newTestClient(srv)
	ctx := context.Background()

	got, err := c.TicketContext(ctx, "16648")
	if err != nil {
		t.Fatalf("ticket context: %v", err)
	}
	for _, want := range []string{
		"## Detalle completo del Ticket #16648 (CRM ALPHA)",
		"| **ID** | 16648 |",
		"| **Teléfono** | 912345678 |",
		"### Seguimiento interno\nSe revisa enlace SIP, registro caído",
		"1. Presenta TODA la información del ticket #16648",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in:\n%s", want, got)
		}
	}
	if strings.Contains(got, "### Solución aplicada") {
		t.Fatalf("empty solution rendered: %s", got)
	}

	missing, err := c.TicketContext(ctx, "99999")
	if err != nil {
		t.Fatalf("unknown ticket: %v", err)
	}
	if missing != "" {
		t.Fatalf("expected no fragment for unknown ticket, got %q", missing)
	}
}

func TestSessionRenewedOnLoginPage(t *testing.T) {
	fake, srv := newFakeCRM(t)
	c := newTestClient(srv)
	ctx := context.Background()

	if _, err := c.TicketContext(ctx, "16648"); err != nil {
		t.Fatalf("first call: %v", err)
	}
	fake.expireNext.Store(true)
	got, err := c.TicketContext(ctx, "16648")
	if err != nil {
		t.Fatalf("call after expiry: %v", err)
	}
	if !strings.Contains(got, "Detalle completo del Ticket #16648") {
		t.Fatalf("unexpected fragment: %s", got)
	}
	if logins := fake.logins.Load(); logins != 2 {
		t.Fatalf("expected a single re-login, got %d logins", logins)
	}
}

func TestConcurrentCallsShareLogin(t *testing.T) {
	fake, srv := newFakeCRM(t)
	c := newTestClient(srv)

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := c.TicketContext(context.Background(), "16648"); err != nil {
				t.Errorf("ticket context: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()
	if logins := fake.logins.Load(); logins != 1 {
		t.Fatalf("expected one login, got %d", logins)
	}
}

func TestResolutionContext(t *testing.T) {
	fake, srv := newFakeCRM(t)
	c := newTestClient(srv)

	got, err := c.ResolutionContext(context.Background(), "la centralita no tiene tono")
	if err != nil {
		t.Fatalf("resolution: %v", err)
	}
	for _, want := range []string{
		"## Tickets de Soporte cerrados similares (historial de resoluciones)",
		"Se encontraron **2 ticket(s) cerrados** similares.",
		"### Ticket #15001 (02/01/2025)",
		"- **Solución aplicada:** Reinicio de la centralita",
		"- **Resuelto por:** rsanchez",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in:\n%s", want, got)
		}
	}
	if strings.Index(got, "#15001") > strings.Index(got, "#15003") {
		t.Fatalf("expected the two-term match first:\n%s", got)
	}
	if strings.Contains(got, "#15002") {
		t.Fatalf("ticket without a real solution included:\n%s", got)
	}
	if fake.count("TKT_FICHA") != 2 {
		t.Fatalf("expected detail lookups for both hits, got %d", fake.count("TKT_FICHA"))
	}
}

func TestClientContext(t *testing.T) {
	fake, srv := newFakeCRM(t)
	c := newTestClient(srv)
	ctx := context.Background()

	got, err := c.ClientContext(ctx, "B12345678")
	if err != nil {
		t.Fatalf("client context: %v", err)
	}
	if fake.form("CndBUS") != "B12345678" {
		t.Fatalf("unexpected search term %q", fake.form("CndBUS"))
	}
	for _, want := range []string{
		"Búsqueda: **\"B12345678\"** — 1 resultado(s):",
		"### Cliente #321: Transportes Ruiz SL",
		"| **CIF/NIF** | B12345678 |",
		"| **Nº Líneas** | 14 |",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in:\n%s", want, got)
		}
	}
	if _, err := c.ClientContext(ctx, "b12345678 "); err != nil {
		t.Fatalf("cached client search: %v", err)
	}
	if fake.count("CLI_LISTA") != 1 {
		t.Fatalf("expected cached client search, got %d calls", fake.count("CLI_LISTA"))
	}
}

func TestNotConfigured(t *testing.T) {
	c := New(Config{})
	if c.Configured() {
		t.Fatalf("expected unconfigured client")
	}
	if _, err := c.Context(context.Background(), "ticket"); !errors.Is(err, sources.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestLoginFailure(t *testing.T) {
	_, srv := newFakeCRM(t)
	c := New(Config{BaseURL: srv.URL, User: "intruder", Password: "x", HTTPClient: srv.Client()})
	if _, err := c.TicketContext(context.Background(), "16648"); !errors.Is(err, ErrLoginFailed) {
		t.Fatalf("expected ErrLoginFailed, got %v", err)
	}
}

func TestParseStatusAndRowID(t *testing.T) {
	statuses := []struct {
		raw  string
		want string
	}{
		{`<img src="img/estado2.png">`, "En BO Asociatel"},
		{`<img src="img/estado9.png">`, "Desconocido"},
		{`<b>Pendiente</b>`, "Pendiente"},
		{"", "Desconocido"},
	}
	for _, tc := range statuses {
		if got := parseStatus(tc.raw); got != tc.want {
			t.Fatalf("parseStatus(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
	ids := map[string]string{
		"0016648^1": "16648",
		"ABC^x":     "ABC",
		"123":       "123",
	}
	for raw, want := range ids {
		if got := parseRowID(raw); got != want {
			t.Fatalf("parseRowID(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestSharedTicketLoadOutlivesCancelledCaller(t *testing.T) {
	fake := &fakeCRM{t: t, calls: map[string]int{}, lastForm: map[string]string{}}
	arrived := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("FCT") == "TKT_LISTA" {
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
	c := newTestClient(srv)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := c.Tickets(ctxA)
		errA <- err
	}()
	<-arrived

	type result struct {
		tickets []Ticket
		err     error
	}
	resB := make(chan result, 1)
	go func() {
		tickets, err := c.Tickets(context.Background())
		resB <- result{tickets, err}
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
	if len(got.tickets) != 3 {
		t.Fatalf("expected 3 open tickets, got %d", len(got.tickets))
	}
	if n := fake.count("TKT_LISTA"); n != 1 {
		t.Fatalf("expected one shared list call, got %d", n)
	}
}

func TestStatsCountsInFirstSeenOrder(t *testing.T) {
	s := computeStats([]Ticket{
		{Status: "Abierto", Area: "Soporte"},
		{Status: "En operador", Area: "Soporte"},
		{Status: "Abierto"},
	})
	if s.Total != 3 || len(s.ByStatus) != 2 || s.ByStatus[0] != (Count{Name: "Abierto", Count: 2}) {
		t.Fatalf("unexpected status breakdown: %+v", s.ByStatus)
	}
	if len(s.ByArea) != 1 || s.ByArea[0].Count != 2 {
		t.Fatalf("empty areas must be skipped: %+v", s.ByArea)
	}
}
