package ticketing

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"arisbot/internal/util"
	"arisbot/pkg/sources"
)

var statsQuery = regexp.MustCompile(`(?i)cu[aá]ntos|total|estad[ií]stica|resumen|dashboard`)

var resolutionStopwords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`el la los las de del en un una que se no por con para al es lo como su me ya le ha mi si te nos hay tiene ser muy más mas este esta son fue han sin pero todo todos hola quiero puedes favor necesito`) {
		resolutionStopwords[w] = struct{}{}
	}
}

type scored struct {
	ticket Ticket
	score  int
}

func rank(tickets []Ticket, terms []string, text func(Ticket) string, limit int) []Ticket {
	if len(terms) == 0 {
		if len(tickets) > limit {
			return tickets[:limit]
		}
		return tickets
	}
	var hits []scored
	for _, t := range tickets {
		if s := sources.ScoreTerms(text(t), terms); s > 0 {
			hits = append(hits, scored{ticket: t, score: s})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]Ticket, len(hits))
	for i, h := range hits {
		out[i] = h.ticket
	}
	return out
}

// Search scores open tickets by how many query words appear in any field.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]Ticket, error) {
	tickets, err := c.Tickets(ctx)
	if err != nil {
		return nil, err
	}
	var terms []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		if len([]rune(w)) > 1 {
			terms = append(terms, w)
		}
	}
	return rank(tickets, terms, Ticket.text, limit), nil
}

// SearchClosed scores closed Soporte tickets on problem, solution, topic,
// area and client.
func (c *Client) SearchClosed(ctx context.Context, query string, limit int) ([]Ticket, error) {
	tickets, err := c.ClosedSupportTickets(ctx)
	if err != nil {
		return nil, err
	}
	var terms []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		if _, stop := resolutionStopwords[w]; stop || len([]rune(w)) <= 2 {
			continue
		}
		terms = append(terms, w)
	}
	return rank(tickets, terms, func(t Ticket) string {
		return strings.Join([]string{t.Description, t.Solution, t.Topic, t.Area, t.Client}, " ")
	}, limit), nil
}

// Stats breaks the open tickets down by status, area, profile and topic.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	tickets, err := c.Tickets(ctx)
	if err != nil {
		return Stats{}, err
	}
	return computeStats(tickets), nil
}

// Context answers with ticket statistics for counting questions and with
// matching open tickets otherwise.
func (c *Client) Context(ctx context.Context, message string) (string, error) {
	if !c.Configured() {
		return "", sources.ErrNotConfigured
	}
	tickets, err := c.Tickets(ctx)
	if err != nil {
		return "", err
	}
	if statsQuery.MatchString(message) {
		return renderStats(computeStats(tickets)), nil
	}
	results, err := c.Search(ctx, message, 15)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", nil
	}
	return renderSearch(results, len(tickets)), nil
}

// ResolutionContext lists closed tickets similar to message, with the full
// record of the five most relevant.
func (c *Client) ResolutionContext(ctx context.Context, message string) (string, error) {
	if !c.Configured() {
		return "", sources.ErrNotConfigured
	}
	results, err := c.SearchClosed(ctx, message, 10)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", nil
	}
	top := results
	if len(top) > 5 {
		top = top[:5]
	}
	details := make([]*TicketDetail, len(top))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range top {
		i, t := i, t
		g.Go(func() error {
			d, err := c.TicketDetail(gctx, t.ID)
			if err != nil {
				util.LoggerFromContext(ctx).Warn("crm_detail_failed", "ticket", t.ID, "err", err)
				return nil
			}
			details[i] = d
			return nil
		})
	}
	_ = g.Wait()
	return renderResolution(results, details), nil
}

// TicketContext renders the full record of one ticket, open or closed.
func (c *Client) TicketContext(ctx context.Context, id string) (string, error) {
	if !c.Configured() {
		return "", sources.ErrNotConfigured
	}
	if id == "" {
		return "", nil
	}
	d, err := c.TicketDetail(ctx, id)
	if err != nil {
		return "", err
	}
	if d == nil || d.ID == "" {
		return "", nil
	}
	return renderDetail(id, d), nil
}

// ClientContext renders CRM clients matching an extracted phone, CIF or
// name.
func (c *Client) ClientContext(ctx context.Context, query string) (string, error) {
	if !c.Configured() {
		return "", sources.ErrNotConfigured
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return "", nil
	}
	customers, err := c.Customers(ctx, query)
	if err != nil {
		return "", err
	}
	if len(customers) == 0 {
		return "", nil
	}
	util.LoggerFromContext(ctx).Info("crm_client_search", "query", query, "count", len(customers))
	return renderCustomers(query, customers), nil
}

func renderStats(s Stats) string {
	var b strings.Builder
	b.WriteString("\n---\n## Datos del CRM - Tickets ALPHA\n\n")
	fmt.Fprintf(&b, "**Total de tickets abiertos:** %d\n\n", s.Total)
	b.WriteString("**Por estado:**\n")
	writeCounts(&b, s.ByStatus)
	b.WriteString("\n**Por área:**\n")
	writeCounts(&b, s.ByArea)
	b.WriteString("\n**Por perfil:**\n")
	writeCounts(&b, s.ByProfile)
	if len(s.ByTopic) > 0 {
		b.WriteString("\n**Por tema (top 10):**\n")
		topics := append([]Count(nil), s.ByTopic...)
		sort.SliceStable(topics, func(i, j int) bool { return topics[i].Count > topics[j].Count })
		if len(topics) > 10 {
			topics = topics[:10]
		}
		writeCounts(&b, topics)
	}
	b.WriteString("\n---\n")
	return b.String()
}

func writeCounts(b *strings.Builder, counts []Count) {
	for _, c := range counts {
		fmt.Fprintf(b, "- %s: %d\n", c.Name, c.Count)
	}
}

func renderSearch(results []Ticket, open int) string {
	var b strings.Builder
	b.WriteString("\n---\n## Datos del CRM - Tickets ALPHA\n\n")
	fmt.Fprintf(&b, "Se encontraron **%d ticket(s)** relevantes (de %d abiertos):\n\n", len(results), open)
	shown := results
	if len(shown) > 10 {
		shown = shown[:10]
	}
	for _, t := range shown {
		fmt.Fprintf(&b, "### Ticket #%s\n", t.ID)
		b.WriteString("| Campo | Valor |\n|---|---|\n")
		fmt.Fprintf(&b, "| Fecha | %s %s |\n", t.Date, t.Time)
		fmt.Fprintf(&b, "| Cliente | %s |\n", t.Client)
		fmt.Fprintf(&b, "| Perfil | %s |\n", t.Profile)
		fmt.Fprintf(&b, "| Estado | %s |\n", t.Status)
		fmt.Fprintf(&b, "| Área | %s |\n", t.Area)
		if t.Topic != "" {
			fmt.Fprintf(&b, "| Tema | %s |\n", t.Topic)
		}
		fmt.Fprintf(&b, "| Descripción | %s |\n", sources.Truncate(t.Description, 300))
		if t.Solution != "" {
			fmt.Fprintf(&b, "| Solución | %s |\n", sources.Truncate(t.Solution, 300))
		}
		if t.Deadline != "" {
			fmt.Fprintf(&b, "| Fecha límite | %s |\n", t.Deadline)
		}
		if t.LastUser != "" {
			fmt.Fprintf(&b, "| Último usuario | %s |\n", t.LastUser)
		}
		if t.CreatedBy != "" {
			fmt.Fprintf(&b, "| Creado por | %s |\n", t.CreatedBy)
		}
		b.WriteString("\n")
	}
	if len(results) > 10 {
		fmt.Fprintf(&b, "\n_(Mostrando 10 de %d resultados)_\n", len(results))
	}
	b.WriteString(`
## INSTRUCCIONES PARA DATOS DEL CRM (OBLIGATORIO):
1. SOLO usa los tickets listados arriba. NUNCA inventes números de ticket, clientes ni datos.
2. Cita SIEMPRE el número exacto del ticket (ej: "Ticket #16658").
3. Si preguntan por un cliente específico, filtra solo sus tickets de los datos proporcionados.
4. Menciona la fuente: "Según el CRM..."
5. NO generes números de ticket inventados bajo ninguna circunstancia.
---
`)
	return b.String()
}

func renderResolution(results []Ticket, details []*TicketDetail) string {
	var b strings.Builder
	b.WriteString("\n---\n## Tickets de Soporte cerrados similares (historial de resoluciones)\n\n")
	fmt.Fprintf(&b, "Se encontraron **%d ticket(s) cerrados** similares. Detalle de los 5 más relevantes:\n\n", len(results))
	for i, d := range details {
		t := results[i]
		var detail TicketDetail
		if d != nil {
			detail = *d
		}
		fmt.Fprintf(&b, "### Ticket #%s (%s)\n", t.ID, t.Date)
		fmt.Fprintf(&b, "- **Cliente:** %s\n", t.Client)
		fmt.Fprintf(&b, "- **Tema:** %s\n", sources.Or(t.Topic, t.Area))
		fmt.Fprintf(&b, "- **Problema:** %s\n", sources.Truncate(sources.Or(detail.Description, t.Description), 500))
		fmt.Fprintf(&b, "- **Solución aplicada:** %s\n", sources.Truncate(sources.Or(detail.Solution, t.Solution), 500))
		if detail.FollowUp != "" {
			fmt.Fprintf(&b, "- **Seguimiento interno:** %s\n", sources.Truncate(detail.FollowUp, 600))
		}
		if detail.Notes != "" {
			fmt.Fprintf(&b, "- **Historial de acciones:**\n%s\n", sources.Truncate(detail.Notes, 800))
		}
		if t.LastUser != "" {
			fmt.Fprintf(&b, "- **Resuelto por:** %s\n", t.LastUser)
		}
		b.WriteString("\n")
	}
	if len(results) > 5 {
		b.WriteString("\n**Otros tickets similares:**\n")
		for _, t := range results[5:] {
			fmt.Fprintf(&b, "- #%s (%s) %s: %s → %s\n", t.ID, t.Date, t.Client,
				sources.Truncate(t.Description, 100), sources.Truncate(t.Solution, 100))
		}
		b.WriteString("\n")
	}
	b.WriteString(`## INSTRUCCIONES PARA RESOLUCIÓN DE INCIDENCIAS (OBLIGATORIO):
1. SOLO usa los tickets listados arriba. NUNCA inventes números de ticket ni soluciones.
2. Cita SIEMPRE el número exacto del ticket (ej: "Según el ticket #16648...").
3. Usa el seguimiento interno y el historial de acciones para dar pasos detallados.
4. Si varios tickets tienen soluciones similares, destácalo como patrón confirmado.
5. Sugiere una solución basada EXCLUSIVAMENTE en lo que funcionó en estos casos reales.
6. NO generes números de ticket inventados bajo ninguna circunstancia.
---
`)
	return b.String()
}

func renderDetail(id string, d *TicketDetail) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n---\n## Detalle completo del Ticket #%s (CRM ALPHA)\n\n", id)
	b.WriteString("| Campo | Valor |\n|---|---|\n")
	fmt.Fprintf(&b, "| **ID** | %s |\n", d.ID)
	if d.Client != "" {
		fmt.Fprintf(&b, "| **Cliente** | %s |\n", d.Client)
	}
	if d.Contact != "" {
		fmt.Fprintf(&b, "| **Contacto** | %s |\n", d.Contact)
	}
	if d.Phone != "" {
		fmt.Fprintf(&b, "| **Teléfono** | %s |\n", d.Phone)
	}
	if d.Email != "" {
		fmt.Fprintf(&b, "| **Email** | %s |\n", d.Email)
	}
	b.WriteString("\n")
	if d.Description != "" {
		fmt.Fprintf(&b, "### Descripción del problema\n%s\n\n", d.Description)
	}
	if d.Solution != "" {
		fmt.Fprintf(&b, "### Solución aplicada\n%s\n\n", d.Solution)
	}
	if d.FollowUp != "" {
		fmt.Fprintf(&b, "### Seguimiento interno\n%s\n\n", d.FollowUp)
	}
	if d.Notes != "" {
		fmt.Fprintf(&b, "### Historial de acciones\n%s\n\n", d.Notes)
	}
	b.WriteString("## INSTRUCCIONES (OBLIGATORIO):\n")
	fmt.Fprintf(&b, "1. Presenta TODA la información del ticket #%s de forma clara y organizada.\n", id)
	b.WriteString("2. Si el usuario pregunta algo específico del ticket, responde basándote SOLO en los datos reales proporcionados.\n")
	b.WriteString("3. NUNCA inventes datos que no estén aquí.\n---\n")
	return b.String()
}

func renderCustomers(query string, customers []Customer) string {
	var b strings.Builder
	b.WriteString("\n---\n## Datos de Clientes - CRM ALPHA\n\n")
	fmt.Fprintf(&b, "Búsqueda: **\"%s\"** — %d resultado(s):\n\n", query, len(customers))
	shown := customers
	if len(shown) > 10 {
		shown = shown[:10]
	}
	for _, c := range shown {
		fmt.Fprintf(&b, "### Cliente #%s: %s\n", c.ID, c.Name)
		b.WriteString("| Campo | Valor |\n|---|---|\n")
		if c.TaxID != "" {
			fmt.Fprintf(&b, "| **CIF/NIF** | %s |\n", c.TaxID)
		}
		if c.Distributor != "" {
			fmt.Fprintf(&b, "| **Distribuidor** | %s |\n", c.Distributor)
		}
		fmt.Fprintf(&b, "| **Nº Líneas** | %s |\n", c.Lines)
		fmt.Fprintf(&b, "| **Estado** | %s |\n", c.Status)
		if c.Date != "" {
			fmt.Fprintf(&b, "| **Fecha** | %s |\n", c.Date)
		}
		if c.Contact != "" {
			fmt.Fprintf(&b, "| **Contacto** | %s |\n", c.Contact)
		}
		if c.LastContactDate != "" {
			fmt.Fprintf(&b, "| **Última interacción** | %s |\n", c.LastContactDate)
		}
		if c.LastContact != "" {
			fmt.Fprintf(&b, "| **Detalle interacción** | %s |\n", sources.Truncate(c.LastContact, 300))
		}
		b.WriteString("\n")
	}
	if len(customers) > 10 {
		fmt.Fprintf(&b, "_(Mostrando 10 de %d resultados)_\n\n", len(customers))
	}
	b.WriteString(`## INSTRUCCIONES PARA DATOS DE CLIENTES (OBLIGATORIO):
1. SOLO usa los datos de clientes listados arriba. NUNCA inventes nombres, CIFs ni datos.
2. Si la búsqueda fue por teléfono, indica que ese número pertenece al cliente encontrado.
3. Menciona la fuente: "Según el CRM..."
---
`)
	return b.String()
}
