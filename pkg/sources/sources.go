// Package sources holds the pieces shared by every context source adapter:
// the fragment slots in rank order, credential sessions with single-flight
// renewal, and the HTML and text helpers used to scrape upstream portals.
package sources

import "arisbot/pkg/domain"

// Slot identifies one kind of context fragment. The numeric order is the
// order fragments appear in the augmented prompt.
type Slot int

const (
	SlotWiki Slot = iota
	SlotDocumentIndex
	SlotConnectivity
	SlotTicketing
	SlotResolution
	SlotTicketDetail
	SlotClient
	SlotDiversion
	SlotPortalFibre
)

// Slots lists every slot in rank order.
var Slots = []Slot{
	SlotWiki,
	SlotDocumentIndex,
	SlotConnectivity,
	SlotTicketing,
	SlotResolution,
	SlotTicketDetail,
	SlotClient,
	SlotDiversion,
	SlotPortalFibre,
}

var slotInfo = map[Slot]struct {
	name   string
	label  string
	source domain.SourceKey
}{
	SlotWiki:          {"wiki", "Wiki corporativa (BookStack)", domain.SourceWiki},
	SlotDocumentIndex: {"document-index", "Documentación interna (PDFs/docs locales)", domain.SourceDocumentIndex},
	SlotConnectivity:  {"connectivity", "Sistema de Gestión de Fibras", domain.SourceConnectivity},
	SlotTicketing:     {"ticketing", "CRM de Tickets (ALPHA)", domain.SourceTicketing},
	SlotResolution:    {"incident-resolution-history", "Historial de resoluciones (Soporte)", domain.SourceTicketing},
	SlotTicketDetail:  {"direct-ticket-detail", "Detalle directo de ticket (CRM)", domain.SourceTicketing},
	SlotClient:        {"client-lookup", "Datos de Clientes (CRM)", domain.SourceTicketing},
	SlotDiversion:     {"diversion-portal", "Desvíos de líneas (Portal Teki)", domain.SourceDiversion},
	SlotPortalFibre:   {"portal-fibra-status", "Solicitudes de fibra (Portal Teki)", domain.SourceDiversion},
}

// String returns the stable machine name used in logs.
func (s Slot) String() string {
	if info, ok := slotInfo[s]; ok {
		return info.name
	}
	return "unknown"
}

// Label is the human readable source name listed in the priority header.
func (s Slot) Label() string {
	return slotInfo[s].label
}

// Source is the access-policy key gating the slot.
func (s Slot) Source() domain.SourceKey {
	return slotInfo[s].source
}

// Invocation asks one adapter for one fragment. Query is the trimmed user
// message; Params carries extracted values such as a ticket id or phones.
type Invocation struct {
	Slot   Slot
	Query  string
	Params []string
}

// Param returns the first extracted parameter, or "".
func (inv Invocation) Param() string {
	if len(inv.Params) == 0 {
		return ""
	}
	return inv.Params[0]
}

// Fragment is the rendered context produced by one invocation.
type Fragment struct {
	Slot  Slot
	Label string
	Text  string
}
