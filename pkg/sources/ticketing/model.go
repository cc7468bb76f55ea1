package ticketing

import (
	"regexp"
	"strconv"
	"strings"

	"arisbot/pkg/sources"
)

// Ticket is one row of the CRM ticket list.
type Ticket struct {
	ID          string `json:"id"`
	Date        string `json:"date"`
	Time        string `json:"time"`
	Profile     string `json:"profile"`
	Client      string `json:"client"`
	Association string `json:"association"`
	Deadline    string `json:"deadline"`
	Description string `json:"description"`
	Solution    string `json:"solution"`
	Status      string `json:"status"`
	Priority    string `json:"priority"`
	Area        string `json:"area"`
	Topic       string `json:"topic"`
	LastUser    string `json:"lastUser"`
	CreatedBy   string `json:"createdBy"`
}

func (t Ticket) text() string {
	return strings.Join([]string{
		t.ID, t.Date, t.Time, t.Profile, t.Client, t.Association, t.Deadline,
		t.Description, t.Solution, t.Status, t.Priority, t.Area, t.Topic,
		t.LastUser, t.CreatedBy,
	}, " ")
}

// TicketDetail is the full record returned by TKT_FICHA.
type TicketDetail struct {
	ID          string `json:"id"`
	Client      string `json:"client"`
	Description string `json:"description"`
	Solution    string `json:"solution"`
	FollowUp    string `json:"followUp"`
	Notes       string `json:"notes"`
	Contact     string `json:"contact"`
	Phone       string `json:"phone"`
	Email       string `json:"email"`
}

// Customer is one row of the CRM client list.
type Customer struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	TaxID           string `json:"taxId"`
	Distributor     string `json:"distributor"`
	Lines           string `json:"lines"`
	Date            string `json:"date"`
	Status          string `json:"status"`
	LastContactDate string `json:"lastContactDate"`
	LastContact     string `json:"lastContact"`
	Contact         string `json:"contact"`
}

// Count is one bucket of a stats breakdown.
type Count = sources.Count

// Stats summarizes the open ticket list. Breakdowns keep first-seen order.
type Stats struct {
	Total     int     `json:"total"`
	ByStatus  []Count `json:"byStatus"`
	ByArea    []Count `json:"byArea"`
	ByProfile []Count `json:"byProfile"`
	ByTopic   []Count `json:"byTopic"`
}

// Filter selects TKT_LISTA rows.
type Filter struct {
	// Closed is CndCERRADO: "0" all, "1" closed, "2" open (default).
	Closed  string
	Status  string
	Profile string
	Client  string
	Search  string
	Area    string
}

var statusNames = map[string]string{
	"0": "En espera de cliente",
	"1": "En operador",
	"2": "En BO Asociatel",
	"3": "Cerrado",
	"4": "En gestor",
}

var (
	statusImagePattern = regexp.MustCompile(`estado(\d)`)
	markupPattern      = regexp.MustCompile(`<[^>]*>`)
	rowIDPattern       = regexp.MustCompile(`^0*(\d+)\^`)
)

// parseStatus maps the estadoN image of the list to its label.
func parseStatus(raw string) string {
	if raw == "" {
		return "Desconocido"
	}
	if m := statusImagePattern.FindStringSubmatch(raw); m != nil {
		if name, ok := statusNames[m[1]]; ok {
			return name
		}
		return "Desconocido"
	}
	if text := strings.TrimSpace(markupPattern.ReplaceAllString(raw, "")); text != "" {
		return text
	}
	return "Desconocido"
}

// parseRowID turns "0016648^..." into "16648".
func parseRowID(raw string) string {
	if raw == "" {
		return ""
	}
	if m := rowIDPattern.FindStringSubmatch(raw); m != nil {
		return m[1]
	}
	if i := strings.Index(raw, "^"); i >= 0 {
		return raw[:i]
	}
	return raw
}

// cell stringifies one JSON value of a row, which may be a string, a number
// or null.
func cell(data []any, i int) string {
	if i >= len(data) {
		return ""
	}
	return stringify(data[i])
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return ""
	}
}

func ticketFromRow(data []any) Ticket {
	return Ticket{
		ID:          parseRowID(cell(data, 0)),
		Date:        cell(data, 1),
		Time:        cell(data, 2),
		Profile:     cell(data, 3),
		Client:      cell(data, 4),
		Association: cell(data, 5),
		Deadline:    cell(data, 6),
		Description: cell(data, 7),
		Solution:    cell(data, 8),
		Status:      parseStatus(cell(data, 9)),
		Priority:    orZero(cell(data, 10)),
		Area:        cell(data, 11),
		Topic:       cell(data, 12),
		LastUser:    cell(data, 13),
		CreatedBy:   cell(data, 14),
	}
}

func customerFromRow(data []any) Customer {
	return Customer{
		ID:              parseRowID(cell(data, 0)),
		Name:            cell(data, 1),
		TaxID:           cell(data, 2),
		Distributor:     cell(data, 3),
		Lines:           orZero(cell(data, 5)),
		Date:            cell(data, 6),
		Status:          cell(data, 7),
		LastContactDate: cell(data, 8),
		LastContact:     cell(data, 9),
		Contact:         cell(data, 10),
	}
}

func detailFromRecord(f map[string]any) TicketDetail {
	return TicketDetail{
		ID:          stringify(f["TKID"]),
		Client:      stringify(f["CLNOMBRE"]),
		Description: stringify(f["TKDESCRIPCION"]),
		Solution:    stringify(f["TKSOLUCION"]),
		FollowUp:    stringify(f["TKINTERNO"]),
		Notes:       stringify(f["TKNOTAS"]),
		Contact:     stringify(f["TKCONTACTO"]),
		Phone:       stringify(f["TKTELEFONO"]),
		Email:       stringify(f["TKEMAIL"]),
	}
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

func computeStats(tickets []Ticket) Stats {
	var status, area, profile, topic sources.Counter
	for _, t := range tickets {
		status.Add(t.Status)
		area.Add(t.Area)
		profile.Add(t.Profile)
		topic.Add(t.Topic)
	}
	return Stats{
		Total:     len(tickets),
		ByStatus:  status.Counts(),
		ByArea:    area.Counts(),
		ByProfile: profile.Counts(),
		ByTopic:   topic.Counts(),
	}
}
