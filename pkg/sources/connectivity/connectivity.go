// Package connectivity scrapes the fibre line management dashboard.
package connectivity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"arisbot/internal/util"
	"arisbot/pkg/sources"
)

var (
	ErrLoginFailed    = errors.New("connectivity login failed: no token received")
	errSessionExpired = errors.New("connectivity session expired")
)

const (
	defaultCacheTTL  = 10 * time.Minute
	fallbackLifetime = 7 * time.Hour
	renewMargin      = 5 * time.Minute
	pageConcurrency  = 5
	maxContextLines  = 15
	scrapeTimeout    = 2 * time.Minute
)

// Line is one row of the dashboard.
type Line struct {
	Provider     string `json:"proveedor"`
	Number       string `json:"numero_linea"`
	Client       string `json:"cliente"`
	Site         string `json:"sede"`
	Connectivity string `json:"tipo_conectividad"`
	Speed        string `json:"velocidad"`
	IPType       string `json:"tipo_ip"`
	IPAddress    string `json:"direccion_ip"`
}

func (l Line) text() string {
	return strings.Join([]string{l.Provider, l.Number, l.Client, l.Site, l.Connectivity, l.Speed, l.IPType, l.IPAddress}, " ")
}

// Count is one bucket of a stats breakdown.
type Count = sources.Count

// Stats summarizes every known line. Breakdowns keep first-seen order.
type Stats struct {
	Total          int     `json:"total"`
	ByProvider     []Count `json:"proveedores"`
	ByConnectivity []Count `json:"tipos_conectividad"`
	BySpeed        []Count `json:"velocidades"`
	ByIPType       []Count `json:"tipos_ip"`
}

// Config wires the dashboard endpoint and account.
type Config struct {
	BaseURL    string
	User       string
	Password   string
	HTTPClient *http.Client
	CacheTTL   time.Duration
}

// Client is the connectivity source adapter.
type Client struct {
	baseURL    string
	user       string
	password   string
	httpClient *http.Client
	cacheTTL   time.Duration
	session    *sources.Session
	now        func() time.Time

	mu       sync.RWMutex
	lines    []Line
	loadedAt time.Time
	fills    singleflight.Group
}

// New builds the adapter.
func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	c := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		user:       strings.TrimSpace(cfg.User),
		password:   cfg.Password,
		httpClient: httpClient,
		cacheTTL:   ttl,
		now:        time.Now,
	}
	c.session = sources.NewSession("connectivity", renewMargin, c.login)
	return c
}

// Configured reports whether the dashboard endpoint and account are set.
func (c *Client) Configured() bool {
	return c.baseURL != "" && c.user != "" && c.password != ""
}

func (c *Client) login(ctx context.Context) (sources.Credential, error) {
	form := url.Values{}
	form.Set("username", c.user)
	form.Set("password", c.password)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/login", strings.NewReader(form.Encode()))
	if err != nil {
		return sources.Credential{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	noRedirect := *c.httpClient
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	resp, err := noRedirect.Do(req)
	if err != nil {
		return sources.Credential{}, fmt.Errorf("connectivity login: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	var token string
	for _, ck := range resp.Cookies() {
		if ck.Name == "access_token" {
			token = ck.Value
		}
	}
	if token == "" {
		return sources.Credential{}, ErrLoginFailed
	}
	return sources.Credential{Value: token, Expiry: tokenExpiry(token, c.now())}, nil
}

// tokenExpiry reads the exp claim without verifying the signature; the
// dashboard is the only party that checks it.
func tokenExpiry(token string, now time.Time) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return now.Add(fallbackLifetime)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return now.Add(fallbackLifetime)
	}
	return exp.Time
}

var (
	totalPagesPattern = regexp.MustCompile(`P[aá]gina\s+\d+\s+de\s+(\d+)`)
	ipPattern         = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}`)
	dynamicPattern    = regexp.MustCompile(`(?i)din`)
	staticPattern     = regexp.MustCompile(`(?i)est`)
)

type page struct {
	lines      []Line
	totalPages int
}

func (c *Client) fetchPage(ctx context.Context, token string, n int) (page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/?page="+strconv.Itoa(n), nil)
	if err != nil {
		return page{}, err
	}
	req.Header.Set("Cookie", "access_token="+token)
	noRedirect := *c.httpClient
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	resp, err := noRedirect.Do(req)
	if err != nil {
		return page{}, fmt.Errorf("connectivity page %d: %w", n, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return page{}, errSessionExpired
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		if strings.Contains(resp.Header.Get("Location"), "login") {
			return page{}, errSessionExpired
		}
		return page{}, fmt.Errorf("connectivity page %d: redirect to %s", n, resp.Header.Get("Location"))
	case resp.StatusCode >= 400:
		return page{}, fmt.Errorf("connectivity page %d failed: %d", n, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return page{}, err
	}
	return parsePage(string(body))
}

// parsePage reads the line table and the "Página N de M" pager. Rows with
// fewer than seven cells are placeholders and are skipped.
func parsePage(raw string) (page, error) {
	p := page{totalPages: 1}
	if m := totalPagesPattern.FindStringSubmatch(raw); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			p.totalPages = n
		}
	}
	doc, err := sources.ParseHTML(raw)
	if err != nil {
		return p, fmt.Errorf("connectivity parse: %w", err)
	}
	tbody := sources.FindFirst(doc, "tbody")
	if tbody == nil {
		return p, nil
	}
	for _, tr := range sources.FindAll(tbody, "tr") {
		cells := sources.FindAll(tr, "td")
		if len(cells) < 7 {
			continue
		}
		values := make([]string, len(cells))
		for i, td := range cells {
			values[i] = sources.CollapseText(td)
		}
		p.lines = append(p.lines, lineFromValues(values))
	}
	return p, nil
}

func lineFromValues(values []string) Line {
	at := func(idx int) string {
		if idx < len(values) {
			return values[idx]
		}
		return ""
	}
	ipType := at(6)
	address := at(7)
	if ipPattern.MatchString(ipType) {
		address = ipType
		ipType = ""
	}
	switch {
	case dynamicPattern.MatchString(ipType):
		ipType = "IP DINÁMICA"
	case staticPattern.MatchString(ipType):
		ipType = "IP ESTÁTICA"
	}
	return Line{
		Provider:     sources.Or(at(0), "-"),
		Number:       at(1),
		Client:       sources.Or(at(2), "-"),
		Site:         at(3),
		Connectivity: at(4),
		Speed:        at(5),
		IPType:       ipType,
		IPAddress:    address,
	}
}

// Lines returns every line of the dashboard, cached for ten minutes.
// Concurrent cache misses share one scrape.
func (c *Client) Lines(ctx context.Context) ([]Line, error) {
	if !c.Configured() {
		return nil, sources.ErrNotConfigured
	}
	c.mu.RLock()
	lines, loadedAt := c.lines, c.loadedAt
	c.mu.RUnlock()
	if lines != nil && c.now().Sub(loadedAt) < c.cacheTTL {
		return lines, nil
	}
	v, err := sources.Fill(ctx, &c.fills, "lines", scrapeTimeout, func(ctx context.Context) (any, error) {
		c.mu.RLock()
		lines, loadedAt := c.lines, c.loadedAt
		c.mu.RUnlock()
		if lines != nil && c.now().Sub(loadedAt) < c.cacheTTL {
			return lines, nil
		}
		lines, err := c.scrape(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.lines = lines
		c.loadedAt = c.now()
		c.mu.Unlock()
		return lines, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Line), nil
}

func (c *Client) scrape(ctx context.Context) ([]Line, error) {
	token, err := c.session.Get(ctx)
	if err != nil {
		return nil, err
	}
	first, err := c.fetchPage(ctx, token, 1)
	if errors.Is(err, errSessionExpired) {
		token, err = c.session.Renew(ctx, token)
		if err != nil {
			return nil, err
		}
		first, err = c.fetchPage(ctx, token, 1)
	}
	if err != nil {
		return nil, err
	}

	rest := make([][]Line, first.totalPages+1)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pageConcurrency)
	for n := 2; n <= first.totalPages; n++ {
		n := n
		g.Go(func() error {
			p, err := c.fetchPage(gctx, token, n)
			if err != nil {
				util.LoggerFromContext(ctx).Warn("connectivity_page_failed", "page", n, "err", err)
				return nil
			}
			rest[n] = p.lines
			return nil
		})
	}
	_ = g.Wait()

	lines := append([]Line{}, first.lines...)
	for _, chunk := range rest {
		lines = append(lines, chunk...)
	}
	util.LoggerFromContext(ctx).Info("connectivity_lines_loaded", "lines", len(lines), "pages", first.totalPages)
	return lines, nil
}

// Search ranks lines by how many query words appear in any field.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]Line, error) {
	lines, err := c.Lines(ctx)
	if err != nil {
		return nil, err
	}
	var terms []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		if len([]rune(w)) > 1 {
			terms = append(terms, w)
		}
	}
	if len(terms) == 0 {
		return nil, nil
	}
	type hit struct {
		line  Line
		score int
	}
	var hits []hit
	for _, l := range lines {
		if s := sources.ScoreTerms(l.text(), terms); s > 0 {
			hits = append(hits, hit{line: l, score: s})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]Line, len(hits))
	for i, h := range hits {
		out[i] = h.line
	}
	return out, nil
}

// LineByNumber finds a line comparing digits only, so "912 345 678"
// matches "912345678". It returns nil when no line matches.
func (c *Client) LineByNumber(ctx context.Context, number string) (*Line, error) {
	clean := sources.Digits(number)
	if clean == "" {
		return nil, nil
	}
	lines, err := c.Lines(ctx)
	if err != nil {
		return nil, err
	}
	for _, l := range lines {
		if sources.Digits(l.Number) == clean {
			found := l
			return &found, nil
		}
	}
	return nil, nil
}

// Stats breaks every line down by provider, connectivity, speed and IP type.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	lines, err := c.Lines(ctx)
	if err != nil {
		return Stats{}, err
	}
	var provider, kind, speed, ipType sources.Counter
	for _, l := range lines {
		provider.Add(sources.Or(l.Provider, "Sin proveedor"))
		kind.Add(l.Connectivity)
		speed.Add(l.Speed)
		ipType.Add(l.IPType)
	}
	return Stats{
		Total:          len(lines),
		ByProvider:     provider.Counts(),
		ByConnectivity: kind.Counts(),
		BySpeed:        speed.Counts(),
		ByIPType:       ipType.Counts(),
	}, nil
}

var (
	lineNumberPattern = regexp.MustCompile(`\b\d{9}\b`)
	statsQuery        = regexp.MustCompile(`(?i)cu[aá]ntas|total|estad[ií]stica|resumen|todas`)
)

// Context looks up any nine-digit numbers in message directly, adds the
// best search matches, and falls back to statistics for counting
// questions with no match.
func (c *Client) Context(ctx context.Context, message string) (string, error) {
	if !c.Configured() {
		return "", sources.ErrNotConfigured
	}
	var results []Line
	seen := make(map[string]struct{})
	for _, n := range lineNumberPattern.FindAllString(message, -1) {
		l, err := c.LineByNumber(ctx, n)
		if err != nil {
			return "", err
		}
		if l != nil {
			if _, dup := seen[l.Number]; !dup {
				seen[l.Number] = struct{}{}
				results = append(results, *l)
			}
		}
	}
	matches, err := c.Search(ctx, message, 10)
	if err != nil {
		return "", err
	}
	for _, l := range matches {
		if _, dup := seen[l.Number]; dup {
			continue
		}
		seen[l.Number] = struct{}{}
		results = append(results, l)
	}

	if len(results) == 0 {
		if !statsQuery.MatchString(message) {
			return "", nil
		}
		stats, err := c.Stats(ctx)
		if err != nil {
			return "", err
		}
		return renderStats(stats), nil
	}
	return renderLines(results), nil
}

func renderStats(s Stats) string {
	var b strings.Builder
	b.WriteString("\n---\n## Datos del Sistema de Gestión de Fibras\n\n")
	fmt.Fprintf(&b, "**Total de líneas registradas:** %d\n\n", s.Total)
	b.WriteString("**Por tipo de conectividad:**\n")
	writeCounts(&b, s.ByConnectivity)
	b.WriteString("\n**Por velocidad:**\n")
	writeCounts(&b, s.BySpeed)
	b.WriteString("\n**Por tipo de IP:**\n")
	writeCounts(&b, s.ByIPType)
	b.WriteString("\n---\n")
	return b.String()
}

func writeCounts(b *strings.Builder, counts []Count) {
	for _, c := range counts {
		fmt.Fprintf(b, "- %s: %d líneas\n", c.Name, c.Count)
	}
}

func renderLines(results []Line) string {
	var b strings.Builder
	b.WriteString("\n---\n## Datos del Sistema de Gestión de Fibras\n\n")
	fmt.Fprintf(&b, "Se encontraron **%d línea(s)** relevantes:\n\n", len(results))
	shown := results
	if len(shown) > maxContextLines {
		shown = shown[:maxContextLines]
	}
	for _, l := range shown {
		fmt.Fprintf(&b, "### Línea %s\n", l.Number)
		b.WriteString("| Campo | Valor |\n|---|---|\n")
		if l.Provider != "" && l.Provider != "-" {
			fmt.Fprintf(&b, "| Proveedor/Operador | %s |\n", l.Provider)
		}
		if l.Client != "" && l.Client != "-" {
			fmt.Fprintf(&b, "| Cliente | %s |\n", l.Client)
		}
		if l.Site != "" {
			fmt.Fprintf(&b, "| Sede | %s |\n", l.Site)
		}
		if l.Connectivity != "" {
			fmt.Fprintf(&b, "| Tipo | %s |\n", l.Connectivity)
		}
		if l.Speed != "" {
			fmt.Fprintf(&b, "| Velocidad | %s |\n", l.Speed)
		}
		if l.IPType != "" {
			fmt.Fprintf(&b, "| Tipo IP | %s |\n", l.IPType)
		}
		if l.IPAddress != "" && l.IPAddress != "-" {
			fmt.Fprintf(&b, "| Dirección IP | %s |\n", l.IPAddress)
		}
		b.WriteString("\n")
	}
	if len(results) > maxContextLines {
		fmt.Fprintf(&b, "\n_(Mostrando %d de %d resultados)_\n", maxContextLines, len(results))
	}
	b.WriteString(`
## INSTRUCCIONES PARA DATOS DE FIBRAS:
1. Presenta esta información de forma clara y organizada.
2. Si el usuario pregunta por una sede específica, filtra y muestra solo las líneas de esa sede.
3. Si pregunta por estadísticas, resume los datos (totales, por tipo, por velocidad, etc.).
4. Nunca inventes datos de líneas que no estén aquí.
5. Menciona la fuente: "Según nuestro sistema de gestión de fibras..."
---
`)
	return b.String()
}
