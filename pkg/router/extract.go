package router

import (
	"regexp"
	"strings"
)

var (
	ticketNumberPattern = regexp.MustCompile(`(?i)(?:ticket|incidencia|caso|#)\s*(?:n[uú]mero\s*)?#?(\d{4,6})`)
	bareTicketPattern   = regexp.MustCompile(`\b(\d{4,6})\b`)
	phonePattern        = regexp.MustCompile(`\b[89]\d{8}\b`)
	taxIDPattern        = regexp.MustCompile(`\b([A-Za-z]\d{7,8})\b`)
)

// TicketNumber returns the ticket id referenced in message, such as
// "ticket 16648", "incidencia nº 16648" or "#16648". A bare 4-6 digit
// number counts only when the message is otherwise about tickets.
func TicketNumber(message string) string {
	if m := ticketNumberPattern.FindStringSubmatch(message); m != nil {
		return m[1]
	}
	if matchAny(ticketingPatterns, message) {
		if m := bareTicketPattern.FindStringSubmatch(message); m != nil {
			return m[1]
		}
	}
	return ""
}

// Phones returns the distinct Spanish fixed-line numbers in message, at
// most five, in order of appearance.
func Phones(message string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, p := range phonePattern.FindAllString(message, -1) {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
		if len(out) == 5 {
			break
		}
	}
	return out
}

var clientNamePatterns = compile(
	`(?i)cliente\s+(.{3,40})$`,
	`(?i)datos\s+(?:de|del)\s+(.{3,40})$`,
	`(?i)info(?:rmaci[oó]n)?\s+(?:de|del|sobre)\s+(.{3,40})$`,
	`(?i)busca(?:r)?\s+(?:el\s+)?(?:cliente\s+)?(.{3,40})$`,
)

var (
	belongsPrefix = regexp.MustCompile(`(?i)(?:a\s+)?qui[eé]n\s+pertenece\s*`)
	whoIsPrefix   = regexp.MustCompile(`(?i)(?:de\s+)?qui[eé]n\s+es\s*`)
	articles      = regexp.MustCompile(`(?i)\b(?:el|la|los|las|un|una|del?|que|su)\s+`)
	lookupWords   = regexp.MustCompile(`(?i)n[uú]mero|tel[eé]fono|l[ií]nea|numeraci[oó]n|titularidad|cliente|buscar?`)
)

// ClientQuery extracts the CRM client search term from message: a phone
// number, then a CIF/NIF, then a name following "cliente", "datos de",
// "información sobre" or "buscar". Otherwise the message minus lookup
// filler is used when at least three characters remain.
func ClientQuery(message string) string {
	if m := phonePattern.FindString(message); m != "" {
		return m
	}
	if m := taxIDPattern.FindStringSubmatch(message); m != nil {
		return m[1]
	}
	for _, p := range clientNamePatterns {
		if m := p.FindStringSubmatch(message); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	stripped := replaceFirst(belongsPrefix, message)
	stripped = replaceFirst(whoIsPrefix, stripped)
	stripped = articles.ReplaceAllString(stripped, "")
	stripped = lookupWords.ReplaceAllString(stripped, "")
	stripped = strings.TrimSpace(stripped)
	if len([]rune(stripped)) < 3 {
		return ""
	}
	return stripped
}

func replaceFirst(re *regexp.Regexp, s string) string {
	loc := re.FindStringIndex(s)
	if loc == nil {
		return s
	}
	return s[:loc[0]] + s[loc[1]:]
}
