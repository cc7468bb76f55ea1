// Package router decides which context sources a chat message should
// query. Every rule is evaluated independently, so one message can select
// several sources at once.
package router

import (
	"regexp"
	"strings"

	"arisbot/pkg/domain"
	"arisbot/pkg/sources"
)

// Availability reports which adapters can currently serve a request.
type Availability interface {
	Configured(slot sources.Slot) bool
	IndexedChunks() int
}

// Rule selects one slot. A rule fires when Always is set or any pattern
// matches; if Extract is set and finds nothing, the rule does not fire.
type Rule struct {
	Slot       sources.Slot
	Always     bool
	NeedsIndex bool
	Patterns   []*regexp.Regexp
	Extract    func(message string) []string
}

func single(fn func(string) string) func(string) []string {
	return func(message string) []string {
		if v := fn(message); v != "" {
			return []string{v}
		}
		return nil
	}
}

// Rules is the routing table in rank order.
var Rules = []Rule{
	{Slot: sources.SlotWiki, Always: true},
	{Slot: sources.SlotDocumentIndex, Always: true, NeedsIndex: true},
	{Slot: sources.SlotConnectivity, Patterns: connectivityPatterns},
	{Slot: sources.SlotTicketing, Patterns: ticketingPatterns},
	{Slot: sources.SlotResolution, Patterns: resolutionPatterns},
	{Slot: sources.SlotTicketDetail, Always: true, Extract: single(TicketNumber)},
	{Slot: sources.SlotClient, Patterns: clientPatterns, Extract: single(ClientQuery)},
	{Slot: sources.SlotDiversion, Patterns: diversionPatterns, Extract: Phones},
	{Slot: sources.SlotPortalFibre, Patterns: portalFibrePatterns},
}

// Route returns the invocations for message allowed by policy, in rank
// order.
func Route(message string, policy domain.SourceAccess, avail Availability) []sources.Invocation {
	query := strings.TrimSpace(message)
	if query == "" {
		return nil
	}
	var out []sources.Invocation
	for _, r := range Rules {
		if !policy.Enabled(r.Slot.Source()) || !avail.Configured(r.Slot) {
			continue
		}
		if r.NeedsIndex && avail.IndexedChunks() == 0 {
			continue
		}
		if !r.Always && !matchAny(r.Patterns, query) {
			continue
		}
		inv := sources.Invocation{Slot: r.Slot, Query: query}
		if r.Extract != nil {
			inv.Params = r.Extract(query)
			if len(inv.Params) == 0 {
				continue
			}
		}
		out = append(out, inv)
	}
	return out
}

// NeedsHistory reports whether message refers back to earlier
// conversations ("la otra vez", "ya me dijiste", ...).
func NeedsHistory(message string) bool {
	return matchAny(historyPatterns, message)
}
