// Package wiki reads the corporate BookStack wiki through its REST API.
package wiki

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"arisbot/pkg/cache"
	"arisbot/pkg/sources"
)

const (
	maxContentRunes = 3000
	maxExports      = 2
	searchCount     = 3
	defaultCacheTTL = 5 * time.Minute
)

// Config wires the BookStack API.
type Config struct {
	BaseURL     string
	TokenID     string
	TokenSecret string
	HTTPClient  *http.Client
	Cache       cache.Cache
	CacheTTL    time.Duration
}

// Client is the wiki source adapter.
type Client struct {
	baseURL     string
	tokenID     string
	tokenSecret string
	httpClient  *http.Client
	cache       cache.Cache
	cacheTTL    time.Duration
}

// SearchResult is one hit of the BookStack search endpoint.
type SearchResult struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
	URL  string `json:"url"`
}

type item struct {
	name    string
	kind    string
	content string
}

// New builds the adapter.
func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	cacheStore := cfg.Cache
	if cacheStore == nil {
		cacheStore = cache.NewMemoryCache(100)
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Client{
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		tokenID:     strings.TrimSpace(cfg.TokenID),
		tokenSecret: strings.TrimSpace(cfg.TokenSecret),
		httpClient:  httpClient,
		cache:       cacheStore,
		cacheTTL:    ttl,
	}
}

// Configured reports whether the API endpoint and token are set.
func (c *Client) Configured() bool {
	return c.baseURL != "" && c.tokenID != "" && c.tokenSecret != "" && c.tokenSecret != "YOUR_TOKEN_SECRET_HERE"
}

// Search runs a BookStack search query.
func (c *Client) Search(ctx context.Context, query string, count int) ([]SearchResult, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("count", strconv.Itoa(count))
	var resp struct {
		Data []SearchResult `json:"data"`
	}
	if err := c.getJSON(ctx, "/api/search?"+params.Encode(), &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Context returns the wiki fragment for a user message, or "" when the
// message has no searchable terms or nothing matched.
func (c *Client) Context(ctx context.Context, message string) (string, error) {
	if !c.Configured() {
		return "", sources.ErrNotConfigured
	}
	terms := KeyTerms(message)
	if terms == "" {
		return "", nil
	}
	if cached, ok := c.cache.Get(ctx, terms); ok {
		return cached, nil
	}

	results, err := c.Search(ctx, "{in_name:"+terms+"}", searchCount)
	if err != nil || len(results) == 0 {
		results, err = c.Search(ctx, terms, searchCount)
		if err != nil {
			return "", err
		}
	}
	if len(results) == 0 {
		return "", nil
	}

	unique := dedupe(results)
	if len(unique) > maxExports {
		unique = unique[:maxExports]
	}
	items := make([]*item, len(unique))
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range unique {
		i, r := i, r
		g.Go(func() error {
			items[i] = c.fullContent(gctx, r)
			return nil
		})
	}
	_ = g.Wait()

	var found []*item
	for _, it := range items {
		if it != nil && it.content != "" {
			found = append(found, it)
		}
	}
	if len(found) == 0 {
		return "", nil
	}
	fragment := render(found)
	c.cache.Set(ctx, terms, fragment, c.cacheTTL)
	return fragment, nil
}

func dedupe(results []SearchResult) []SearchResult {
	seen := make(map[string]struct{}, len(results))
	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		key := fmt.Sprintf("%s-%d", r.Type, r.ID)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out
}

// fullContent exports an item as plain text, falling back to the page
// body for pages. Failures yield nil.
func (c *Client) fullContent(ctx context.Context, r SearchResult) *item {
	text, err := c.getText(ctx, fmt.Sprintf("/api/%ss/%d/export/plaintext", r.Type, r.ID))
	if err == nil {
		text = strings.TrimSpace(text)
		if len([]rune(text)) > maxContentRunes {
			text = sources.Truncate(text, maxContentRunes) + "\n\n[... contenido recortado por extensión]"
		}
		return &item{name: r.Name, kind: r.Type, content: text}
	}
	if r.Type != "page" {
		return nil
	}
	var page struct {
		Markdown string `json:"markdown"`
		HTML     string `json:"html"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("/api/pages/%d", r.ID), &page); err != nil {
		return nil
	}
	text = page.Markdown
	if text == "" {
		text = stripHTML(page.HTML)
	}
	if len([]rune(text)) > maxContentRunes {
		text = sources.Truncate(text, maxContentRunes) + "\n\n[... contenido recortado]"
	}
	return &item{name: r.Name, kind: r.Type, content: text}
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	body, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("bookstack decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) getText(ctx context.Context, path string) (string, error) {
	body, err := c.get(ctx, path)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Token %s:%s", c.tokenID, c.tokenSecret))
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bookstack request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("bookstack api error %d: %s", resp.StatusCode, sources.Truncate(string(body), 200))
	}
	return body, nil
}

var (
	scriptPattern = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	stylePattern  = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	tagPattern    = regexp.MustCompile(`<[^>]+>`)
)

func stripHTML(raw string) string {
	raw = scriptPattern.ReplaceAllString(raw, "")
	raw = stylePattern.ReplaceAllString(raw, "")
	raw = tagPattern.ReplaceAllString(raw, " ")
	return strings.Join(strings.Fields(raw), " ")
}

func render(items []*item) string {
	var b strings.Builder
	b.WriteString("\n---\n## Información de la Wiki corporativa (BookStack)\n\n")
	for _, it := range items {
		fmt.Fprintf(&b, "### %s (%s)\n%s\n\n---\n\n", it.name, it.kind, it.content)
	}
	b.WriteString(instructions)
	return b.String()
}

const instructions = `
## INSTRUCCIONES PARA USAR ESTA INFORMACIÓN DE LA WIKI (FUENTE PRINCIPAL):

1. **Esta es tu FUENTE PRINCIPAL de información.** Basa tu respuesta en estos datos ANTES de usar cualquier conocimiento general.
2. **Presenta TODA la información que encuentres**, aunque sea poca. Si solo hay 2 datos, preséntalos claramente — es mejor poco que nada.
3. **Interpreta y reformula** de forma natural y amigable. No copies literalmente.
4. **NUNCA digas al usuario que "revise BookStack directamente"** — tú ya lo consultaste por él. Presenta lo que encontraste.
5. **NUNCA inventes datos que no estén aquí.** Si falta información, di lo que SÍ encontraste y pregunta si necesita algo más específico.
6. Si la info es breve, preséntala y luego pregunta: _"¿Necesitas algo más específico sobre este tema?"_
7. Menciona la fuente de forma natural: _"Según nuestra wiki..."_ o _"En la ficha del cliente..."_.
8. Si hay datos técnicos (centralita, extensiones, equipos), preséntalos de forma organizada.
---
`
