// Package diversion scrapes the Teki operator portal for fixed-line call
// diversions and fibre provisioning requests.
package diversion

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

	"golang.org/x/sync/singleflight"

	"arisbot/internal/util"
	"arisbot/pkg/cache"
	"arisbot/pkg/sources"
)

var ErrLoginFailed = errors.New("portal login failed")

const (
	defaultBaseURL   = "https://www.teki.es"
	sessionLifetime  = 25 * time.Minute
	defaultCacheTTL  = 5 * time.Minute
	diversionPath    = "/proc/provision_desvio_geografico_lcr/busc/"
	fibreRequestPath = "/proc/solicitud_fibra_fib/busc"
	maxFibreRows     = 20
	maxFibreShown    = 10
	discoveryTimeout = 30 * time.Second
)

// Config wires the portal endpoint and account.
type Config struct {
	BaseURL    string
	User       string
	Password   string
	HTTPClient *http.Client
	Cache      cache.Cache
	CacheTTL   time.Duration
}

// Result is one portal search: the visible rows and the total the portal
// reports in its "Registros X a Y de Z" footer.
type Result struct {
	Rows  []sources.Row
	Total int
}

// form is a discovered search form: its preset fields and the names of
// the inputs the adapter fills in.
type form struct {
	fields map[string]string
	phone  string
	code   string
	ip     string
	iua    string
}

// Client is the diversion-portal source adapter.
type Client struct {
	baseURL    string
	user       string
	password   string
	httpClient *http.Client
	cache      cache.Cache
	cacheTTL   time.Duration
	session    *sources.Session

	mu        sync.Mutex
	forms     map[string]*form
	discovery singleflight.Group
}

// New builds the adapter.
func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	cacheStore := cfg.Cache
	if cacheStore == nil {
		cacheStore = cache.NewMemoryCache(100)
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	c := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(sources.Or(cfg.BaseURL, defaultBaseURL)), "/"),
		user:       strings.TrimSpace(cfg.User),
		password:   cfg.Password,
		httpClient: httpClient,
		cache:      cacheStore,
		cacheTTL:   ttl,
		forms:      make(map[string]*form),
	}
	c.session = sources.NewSession("diversion-portal", 0, c.login)
	return c
}

// Configured reports whether portal credentials are set.
func (c *Client) Configured() bool {
	return c.user != "" && c.password != ""
}

func (c *Client) noRedirect() *http.Client {
	cl := *c.httpClient
	cl.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &cl
}

// login posts the credentials and follows one redirect by hand, because
// the portal sets part of its session on the landing page.
func (c *Client) login(ctx context.Context) (sources.Credential, error) {
	body := url.Values{}
	body.Set("usuario_mail", c.user)
	body.Set("password", c.password)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/", strings.NewReader(body.Encode()))
	if err != nil {
		return sources.Credential{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	client := c.noRedirect()
	resp, err := client.Do(req)
	if err != nil {
		return sources.Credential{}, fmt.Errorf("portal login: %w", err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()

	cookies := cookiePairs(resp)
	if location := resp.Header.Get("Location"); location != "" {
		follow := location
		if !strings.HasPrefix(location, "http") {
			follow = c.baseURL + location
		}
		req2, err := http.NewRequestWithContext(ctx, http.MethodGet, follow, nil)
		if err != nil {
			return sources.Credential{}, err
		}
		req2.Header.Set("Cookie", strings.Join(cookies, "; "))
		resp2, err := client.Do(req2)
		if err != nil {
			return sources.Credential{}, fmt.Errorf("portal login redirect: %w", err)
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp2.Body, 1<<20))
		resp2.Body.Close()
		cookies = append(cookies, cookiePairs(resp2)...)
	}
	if len(cookies) == 0 {
		return sources.Credential{}, ErrLoginFailed
	}
	return sources.Credential{
		Value:  strings.Join(cookies, "; "),
		Expiry: time.Now().Add(sessionLifetime),
	}, nil
}

func cookiePairs(resp *http.Response) []string {
	var out []string
	for _, ck := range resp.Cookies() {
		out = append(out, ck.Name+"="+ck.Value)
	}
	return out
}

func isLoginPage(body string) bool {
	return strings.Contains(body, "usuario_mail") && strings.Contains(body, "password") && strings.Contains(body, "Acceder")
}

// fetch runs one portal request. A login page in place of the result
// triggers one shared re-login and a single retry.
func (c *Client) fetch(ctx context.Context, method, path string, values url.Values) (string, error) {
	cookie, err := c.session.Get(ctx)
	if err != nil {
		return "", err
	}
	body, err := c.send(ctx, cookie, method, path, values)
	if err != nil {
		return "", err
	}
	if !isLoginPage(body) {
		return body, nil
	}
	util.LoggerFromContext(ctx).Info("portal_session_expired", "path", path)
	cookie, err = c.session.Renew(ctx, cookie)
	if err != nil {
		return "", err
	}
	body, err = c.send(ctx, cookie, method, path, values)
	if err != nil {
		return "", err
	}
	if isLoginPage(body) {
		return "", ErrLoginFailed
	}
	return body, nil
}

func (c *Client) send(ctx context.Context, cookie, method, path string, values url.Values) (string, error) {
	var payload io.Reader
	if values != nil {
		payload = strings.NewReader(values.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return "", err
	}
	if values != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Cookie", cookie)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("portal %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("portal %s %s: status %d", method, path, resp.StatusCode)
	}
	return string(raw), nil
}

var phoneFieldName = regexp.MustCompile(`(?i)telefono|phone|linea|numero`)

// discover reads a search form once and caches its fields.
func (c *Client) discover(ctx context.Context, path string) (*form, error) {
	c.mu.Lock()
	f, ok := c.forms[path]
	c.mu.Unlock()
	if ok {
		return f, nil
	}
	v, err := sources.Fill(ctx, &c.discovery, path, discoveryTimeout, func(ctx context.Context) (any, error) {
		c.mu.Lock()
		f, ok := c.forms[path]
		c.mu.Unlock()
		if ok {
			return f, nil
		}
		raw, err := c.fetch(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}
		doc, err := sources.ParseHTML(raw)
		if err != nil {
			return nil, fmt.Errorf("portal form parse: %w", err)
		}
		f = &form{fields: sources.ParseForm(doc)}
		f.phone = firstField(raw, "Teléfono", "telefono", "Número")
		if f.phone == "" {
			f.phone = matchingField(f.fields, phoneFieldName)
		}
		f.code = firstField(raw, "Solicitud", "Código")
		f.ip = firstField(raw, "Dirección IP", "IP")
		f.iua = firstField(raw, "IUA")
		c.mu.Lock()
		c.forms[path] = f
		c.mu.Unlock()
		util.LoggerFromContext(ctx).Info("portal_form_discovered", "path", path, "fields", len(f.fields))
		return f, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*form), nil
}

func firstField(raw string, labels ...string) string {
	for _, label := range labels {
		if name := sources.FieldByLabel(raw, label); name != "" {
			return name
		}
	}
	return ""
}

func matchingField(fields map[string]string, pattern *regexp.Regexp) string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if pattern.MatchString(name) {
			return name
		}
	}
	return ""
}

func (f *form) values() url.Values {
	v := url.Values{}
	for name, value := range f.fields {
		v.Set(name, value)
	}
	return v
}

var totalPattern = regexp.MustCompile(`(?i)Registros?\s+\d+\s+a\s+\d+\s+de\s+(\d+)`)

func parseResult(raw string) (Result, error) {
	doc, err := sources.ParseHTML(raw)
	if err != nil {
		return Result{}, fmt.Errorf("portal result parse: %w", err)
	}
	table := sources.ParseTable(doc)
	res := Result{Rows: table.Rows, Total: len(table.Rows)}
	if m := totalPattern.FindStringSubmatch(raw); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			res.Total = n
		}
	}
	return res, nil
}

// SearchDiversions looks up the diversion settings of one fixed line.
func (c *Client) SearchDiversions(ctx context.Context, phone string) (Result, error) {
	if !c.Configured() {
		return Result{}, sources.ErrNotConfigured
	}
	f, err := c.discover(ctx, diversionPath)
	if err != nil {
		return Result{}, err
	}
	values := f.values()
	if f.phone != "" {
		values.Set(f.phone, phone)
	}
	raw, err := c.fetch(ctx, http.MethodPost, diversionPath, values)
	if err != nil {
		return Result{}, err
	}
	return parseResult(raw)
}

var (
	requestCodePattern = regexp.MustCompile(`\b(\d{4,6})\b`)
	ipAddressPattern   = regexp.MustCompile(`\b(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})\b`)
	iuaPattern         = regexp.MustCompile(`\b(\d{9,12})\b`)
)

// SearchFibreRequests searches fibre provisioning requests by request
// code, IP address or IUA found in query, in that order of preference.
// At most 20 rows are returned.
func (c *Client) SearchFibreRequests(ctx context.Context, query string) (Result, error) {
	if !c.Configured() {
		return Result{}, sources.ErrNotConfigured
	}
	f, err := c.discover(ctx, fibreRequestPath)
	if err != nil {
		return Result{}, err
	}
	values := f.values()
	code := requestCodePattern.FindStringSubmatch(query)
	ip := ipAddressPattern.FindStringSubmatch(query)
	iua := iuaPattern.FindStringSubmatch(query)
	switch {
	case code != nil && f.code != "":
		values.Set(f.code, code[1])
	case ip != nil && f.ip != "":
		values.Set(f.ip, ip[1])
	case iua != nil && f.iua != "":
		values.Set(f.iua, iua[1])
	}
	raw, err := c.fetch(ctx, http.MethodPost, fibreRequestPath, values)
	if err != nil {
		return Result{}, err
	}
	res, err := parseResult(raw)
	if err != nil {
		return Result{}, err
	}
	if len(res.Rows) > maxFibreRows {
		res.Rows = res.Rows[:maxFibreRows]
	}
	return res, nil
}

// DiversionContext renders the diversion settings of up to five phones.
// When the portal knows none of them the fragment says so.
func (c *Client) DiversionContext(ctx context.Context, phones []string) (string, error) {
	if !c.Configured() {
		return "", sources.ErrNotConfigured
	}
	if len(phones) == 0 {
		return "", nil
	}
	if len(phones) > 5 {
		phones = phones[:5]
	}
	key := "diversion:" + strings.Join(phones, ",")
	if cached, ok := c.cache.Get(ctx, key); ok {
		return cached, nil
	}
	var rows []sources.Row
	for _, phone := range phones {
		res, err := c.SearchDiversions(ctx, phone)
		if err != nil {
			return "", err
		}
		rows = append(rows, res.Rows...)
	}
	fragment := renderDiversions(phones, rows)
	c.cache.Set(ctx, key, fragment, c.cacheTTL)
	return fragment, nil
}

// FibreRequestContext renders the fibre requests matching message.
func (c *Client) FibreRequestContext(ctx context.Context, message string) (string, error) {
	if !c.Configured() {
		return "", sources.ErrNotConfigured
	}
	key := "fibre:" + sources.CacheKey(message)
	if cached, ok := c.cache.Get(ctx, key); ok {
		return cached, nil
	}
	res, err := c.SearchFibreRequests(ctx, message)
	if err != nil {
		return "", err
	}
	if len(res.Rows) == 0 {
		return "", nil
	}
	fragment := renderFibreRequests(res)
	c.cache.Set(ctx, key, fragment, c.cacheTTL)
	return fragment, nil
}

func renderDiversions(phones []string, rows []sources.Row) string {
	var b strings.Builder
	b.WriteString("\n---\n## Desvíos de Líneas Fijas (Portal Teki)\n\n")
	if len(rows) == 0 {
		fmt.Fprintf(&b, "No se encontraron datos de desvío para: %s.\n---\n", strings.Join(phones, ", "))
		return b.String()
	}
	fmt.Fprintf(&b, "Se encontraron **%d resultado(s)**:\n\n", len(rows))
	b.WriteString("| Línea | Empresa | Cliente | Desvío activo | Desvío programado | Número desvío |\n")
	b.WriteString("|---|---|---|---|---|---|\n")
	for _, row := range rows {
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s | %s |\n",
			row.Get("Linea", "Línea", "linea"),
			row.Get("Empresa"),
			row.Get("Cliente"),
			row.Get("Desvio activo", "Desvío activo"),
			row.Get("Desvio programado", "Desvío programado"),
			row.Get("Número desvio", "Número desvío", "Numero desvio"),
		)
	}
	b.WriteString(`
## INSTRUCCIONES PARA DATOS DE DESVÍOS (OBLIGATORIO):
1. Presenta la información de desvíos de forma clara.
2. Indica si el desvío está ACTIVO o NO, y a qué número redirige.
3. NUNCA inventes datos de desvíos. Solo usa lo que está en la tabla.
4. Menciona la fuente: "Según el portal Teki..."
---
`)
	return b.String()
}

func renderFibreRequests(res Result) string {
	var b strings.Builder
	b.WriteString("\n---\n## Solicitudes de Fibra (Portal Teki)\n\n")
	fmt.Fprintf(&b, "Se encontraron **%d solicitud(es)**", res.Total)
	if res.Total > maxFibreRows {
		fmt.Fprintf(&b, " (mostrando %d)", maxFibreRows)
	}
	b.WriteString(":\n\n")
	rows := res.Rows
	if len(rows) > maxFibreShown {
		rows = rows[:maxFibreShown]
	}
	for _, row := range rows {
		fmt.Fprintf(&b, "### Solicitud %s\n", row.Get("Código", "Codigo"))
		b.WriteString("| Campo | Valor |\n|---|---|\n")
		for _, cell := range row {
			name := strings.ToLower(cell.Name)
			if cell.Value == "" || cell.Value == "-" || strings.Contains(name, "opciones") || strings.Contains(name, "hitos") {
				continue
			}
			fmt.Fprintf(&b, "| %s | %s |\n", cell.Name, cell.Value)
		}
		b.WriteString("\n")
	}
	b.WriteString(`## INSTRUCCIONES PARA SOLICITUDES DE FIBRA (OBLIGATORIO):
1. Presenta la información de forma clara y organizada.
2. NUNCA inventes códigos de solicitud, estados ni fechas.
3. Menciona la fuente: "Según el portal Teki..."
---
`)
	return b.String()
}
