// Package ticketing reads tickets and clients from the CRM through its
// session-cookie RPC endpoints.
package ticketing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"arisbot/internal/util"
	"arisbot/pkg/cache"
	"arisbot/pkg/sources"
)

var (
	ErrLoginFailed    = errors.New("crm login failed")
	ErrUpstream       = errors.New("crm upstream error")
	errSessionExpired = errors.New("crm session expired")
)

const (
	defaultBaseURL   = "https://crm.go-red.es"
	defaultCompany   = "ALPHAV2"
	sessionLifetime  = 30 * time.Minute
	openTicketsTTL   = 5 * time.Minute
	closedTicketsTTL = 30 * time.Minute
	clientSearchTTL  = 5 * time.Minute
	supportProfileID = "10"
	fillTimeout      = time.Minute
)

// Config wires the CRM endpoint and account.
type Config struct {
	BaseURL    string
	User       string
	Password   string
	Company    string
	HTTPClient *http.Client
	Cache      cache.Cache
	// OpenTTL and ClosedTTL override the ticket list cache lifetimes.
	OpenTTL   time.Duration
	ClosedTTL time.Duration
}

// Client is the ticketing source adapter. One instance is shared by every
// request; its session and caches are safe for concurrent use.
type Client struct {
	baseURL    string
	user       string
	password   string
	company    string
	httpClient *http.Client
	cache      cache.Cache
	openTTL    time.Duration
	closedTTL  time.Duration
	session    *sources.Session
	fills      singleflight.Group
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
	c := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(sources.Or(cfg.BaseURL, defaultBaseURL)), "/"),
		user:       strings.TrimSpace(cfg.User),
		password:   cfg.Password,
		company:    sources.Or(strings.TrimSpace(cfg.Company), defaultCompany),
		httpClient: httpClient,
		cache:      cacheStore,
		openTTL:    openTicketsTTL,
		closedTTL:  closedTicketsTTL,
	}
	if cfg.OpenTTL > 0 {
		c.openTTL = cfg.OpenTTL
	}
	if cfg.ClosedTTL > 0 {
		c.closedTTL = cfg.ClosedTTL
	}
	c.session = sources.NewSession("ticketing", 0, c.login)
	return c
}

// Configured reports whether CRM credentials are set.
func (c *Client) Configured() bool {
	return c.baseURL != "" && c.user != "" && c.password != ""
}

func (c *Client) login(ctx context.Context) (sources.Credential, error) {
	form := url.Values{}
	form.Set("USU_LOGIN", c.user)
	form.Set("USU_PASSWORD", c.password)
	form.Set("EdFunction", "LOGIN")
	form.Set("crmEmpresa", c.company)
	form.Set("Iniciado", "login")
	form.Set("Seccion", "0")
	form.Set("SubSeccion", "0")
	form.Set("SCRH", "900")
	form.Set("SCRW", "1440")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/Inicio.jsp", strings.NewReader(form.Encode()))
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
		return sources.Credential{}, fmt.Errorf("crm login: %w", err)
	}
	defer resp.Body.Close()

	var pairs []string
	for _, ck := range resp.Cookies() {
		pairs = append(pairs, ck.Name+"="+ck.Value)
	}
	if len(pairs) == 0 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if !bytes.Contains(body, []byte("Bienvenido")) {
			return sources.Credential{}, ErrLoginFailed
		}
		return sources.Credential{}, fmt.Errorf("%w: no session cookie", ErrLoginFailed)
	}
	return sources.Credential{
		Value:  strings.Join(pairs, "; "),
		Expiry: time.Now().Add(sessionLifetime),
	}, nil
}

type envelope struct {
	Respuesta string `json:"respuesta"`
	Lista     struct {
		Rows []struct {
			Data []any `json:"data"`
		} `json:"rows"`
	} `json:"lista"`
	Ficha map[string]any `json:"ficha"`
}

// call posts an RPC and retries once with a fresh session when the CRM
// answers with its login page.
func (c *Client) call(ctx context.Context, fct string, form url.Values) (*envelope, error) {
	if !c.Configured() {
		return nil, sources.ErrNotConfigured
	}
	cookie, err := c.session.Get(ctx)
	if err != nil {
		return nil, err
	}
	env, err := c.post(ctx, cookie, fct, form)
	if errors.Is(err, errSessionExpired) {
		util.LoggerFromContext(ctx).Info("crm_session_expired", "fct", fct)
		cookie, err = c.session.Renew(ctx, cookie)
		if err != nil {
			return nil, err
		}
		env, err = c.post(ctx, cookie, fct, form)
	}
	return env, err
}

func (c *Client) post(ctx context.Context, cookie, fct string, form url.Values) (*envelope, error) {
	endpoint := c.baseURL + "/aServerSide.jsp?FCT=" + url.QueryEscape(fct)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Cookie", cookie)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("crm %s: %w", fct, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("crm %s read: %w", fct, err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, errSessionExpired
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		return nil, errSessionExpired
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: %s status %d", ErrUpstream, fct, resp.StatusCode)
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '<' {
		// HTML instead of JSON is the login page.
		return nil, errSessionExpired
	}
	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("crm %s decode: %w", fct, err)
	}
	return &env, nil
}

// FetchTickets runs TKT_LISTA without caching.
func (c *Client) FetchTickets(ctx context.Context, f Filter) ([]Ticket, error) {
	form := url.Values{}
	form.Set("crmEmpresa", c.company)
	form.Set("CRMEMPRE", c.company)
	form.Set("CndCERRADO", sources.Or(f.Closed, "2"))
	form.Set("CndESTADO", f.Status)
	form.Set("CndIDAR", f.Profile)
	form.Set("CndCLIENTE", f.Client)
	form.Set("CndBUS", f.Search)
	form.Set("CndTMAREA", f.Area)
	form.Set("SCRH", "900")
	form.Set("SCRW", "1440")
	form.Set("EdFunction", "")
	form.Set("RID", "")
	form.Set("CRMTICKET", "")
	form.Set("CRMTEL", "")

	env, err := c.call(ctx, "TKT_LISTA", form)
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(env.Respuesta, "-") {
		return nil, fmt.Errorf("%w: %s", ErrUpstream, env.Respuesta[1:])
	}
	tickets := make([]Ticket, 0, len(env.Lista.Rows))
	for _, row := range env.Lista.Rows {
		tickets = append(tickets, ticketFromRow(row.Data))
	}
	return tickets, nil
}

// TicketDetail runs TKT_FICHA. A ticket the CRM does not know yields nil.
func (c *Client) TicketDetail(ctx context.Context, id string) (*TicketDetail, error) {
	form := url.Values{}
	form.Set("crmEmpresa", c.company)
	form.Set("TKID", id)
	form.Set("CLID", "0")
	form.Set("MAID", "0")
	env, err := c.call(ctx, "TKT_FICHA", form)
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(env.Respuesta, "-") {
		return nil, nil
	}
	detail := detailFromRecord(env.Ficha)
	return &detail, nil
}

// FetchCustomers runs CLI_LISTA with a free-text query (name, phone, CIF).
func (c *Client) FetchCustomers(ctx context.Context, query string) ([]Customer, error) {
	form := url.Values{}
	form.Set("crmEmpresa", c.company)
	form.Set("CRMEMPRE", c.company)
	form.Set("CndBUS", query)
	form.Set("SCRH", "900")
	form.Set("SCRW", "1440")
	env, err := c.call(ctx, "CLI_LISTA", form)
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(env.Respuesta, "-") {
		return nil, fmt.Errorf("%w: %s", ErrUpstream, env.Respuesta[1:])
	}
	out := make([]Customer, 0, len(env.Lista.Rows))
	for _, row := range env.Lista.Rows {
		out = append(out, customerFromRow(row.Data))
	}
	return out, nil
}

// Tickets returns the open ticket list, cached for five minutes.
func (c *Client) Tickets(ctx context.Context) ([]Ticket, error) {
	return c.cachedTickets(ctx, "tickets:open", c.openTTL, func(ctx context.Context) ([]Ticket, error) {
		return c.FetchTickets(ctx, Filter{})
	})
}

// ClosedSupportTickets returns closed Soporte tickets that carry a
// solution, cached for thirty minutes.
func (c *Client) ClosedSupportTickets(ctx context.Context) ([]Ticket, error) {
	return c.cachedTickets(ctx, "tickets:closed-support", c.closedTTL, func(ctx context.Context) ([]Ticket, error) {
		all, err := c.FetchTickets(ctx, Filter{Closed: "1", Profile: supportProfileID})
		if err != nil {
			return nil, err
		}
		kept := all[:0]
		for _, t := range all {
			if len([]rune(strings.TrimSpace(t.Solution))) > 5 {
				kept = append(kept, t)
			}
		}
		return kept, nil
	})
}

func (c *Client) cachedTickets(ctx context.Context, key string, ttl time.Duration, load func(context.Context) ([]Ticket, error)) ([]Ticket, error) {
	if raw, ok := c.cache.Get(ctx, key); ok {
		var tickets []Ticket
		if err := json.Unmarshal([]byte(raw), &tickets); err == nil {
			return tickets, nil
		}
	}
	v, err := sources.Fill(ctx, &c.fills, key, fillTimeout, func(ctx context.Context) (any, error) {
		if raw, ok := c.cache.Get(ctx, key); ok {
			var tickets []Ticket
			if err := json.Unmarshal([]byte(raw), &tickets); err == nil {
				return tickets, nil
			}
		}
		tickets, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if raw, err := json.Marshal(tickets); err == nil {
			c.cache.Set(ctx, key, string(raw), ttl)
		}
		util.LoggerFromContext(ctx).Info("crm_tickets_loaded", "list", key, "count", len(tickets))
		return tickets, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Ticket), nil
}

// Customers searches CRM clients, caching results per query.
func (c *Client) Customers(ctx context.Context, query string) ([]Customer, error) {
	key := "clients:" + sources.CacheKey(query)
	if raw, ok := c.cache.Get(ctx, key); ok {
		var out []Customer
		if err := json.Unmarshal([]byte(raw), &out); err == nil {
			return out, nil
		}
	}
	out, err := c.FetchCustomers(ctx, query)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(out); err == nil {
		c.cache.Set(ctx, key, string(raw), clientSearchTTL)
	}
	return out, nil
}
