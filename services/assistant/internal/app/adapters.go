package app

import (
	"context"

	"arisbot/pkg/aggregate"
	"arisbot/pkg/sources"
	"arisbot/pkg/sources/connectivity"
	"arisbot/pkg/sources/diversion"
	"arisbot/pkg/sources/docindex"
	"arisbot/pkg/sources/ticketing"
	"arisbot/pkg/sources/wiki"
)

// Adapters bundles the context sources. A nil adapter is treated as not
// configured.
type Adapters struct {
	Wiki      *wiki.Client
	Knowledge *docindex.Index
	Tickets   *ticketing.Client
	Lines     *connectivity.Client
	Portal    *diversion.Client
}

// Configured reports whether the adapter behind slot can be queried.
func (a Adapters) Configured(slot sources.Slot) bool {
	switch slot {
	case sources.SlotWiki:
		return a.Wiki != nil && a.Wiki.Configured()
	case sources.SlotDocumentIndex:
		return a.Knowledge != nil
	case sources.SlotConnectivity:
		return a.Lines != nil && a.Lines.Configured()
	case sources.SlotTicketing, sources.SlotResolution, sources.SlotTicketDetail, sources.SlotClient:
		return a.Tickets != nil && a.Tickets.Configured()
	case sources.SlotDiversion, sources.SlotPortalFibre:
		return a.Portal != nil && a.Portal.Configured()
	}
	return false
}

// IndexedChunks is the number of chunks in the document index.
func (a Adapters) IndexedChunks() int {
	if a.Knowledge == nil {
		return 0
	}
	return a.Knowledge.IndexedChunks()
}

// Fetchers maps every available slot to its adapter call.
func (a Adapters) Fetchers() map[sources.Slot]aggregate.Fetcher {
	out := make(map[sources.Slot]aggregate.Fetcher)
	if a.Wiki != nil {
		out[sources.SlotWiki] = func(ctx context.Context, inv sources.Invocation) (string, error) {
			return a.Wiki.Context(ctx, inv.Query)
		}
	}
	if a.Knowledge != nil {
		out[sources.SlotDocumentIndex] = func(ctx context.Context, inv sources.Invocation) (string, error) {
			return a.Knowledge.Context(ctx, inv.Query)
		}
	}
	if a.Lines != nil {
		out[sources.SlotConnectivity] = func(ctx context.Context, inv sources.Invocation) (string, error) {
			return a.Lines.Context(ctx, inv.Query)
		}
	}
	if t := a.Tickets; t != nil {
		out[sources.SlotTicketing] = func(ctx context.Context, inv sources.Invocation) (string, error) {
			return t.Context(ctx, inv.Query)
		}
		out[sources.SlotResolution] = func(ctx context.Context, inv sources.Invocation) (string, error) {
			return t.ResolutionContext(ctx, inv.Query)
		}
		out[sources.SlotTicketDetail] = func(ctx context.Context, inv sources.Invocation) (string, error) {
			return t.TicketContext(ctx, inv.Param())
		}
		out[sources.SlotClient] = func(ctx context.Context, inv sources.Invocation) (string, error) {
			return t.ClientContext(ctx, inv.Param())
		}
	}
	if p := a.Portal; p != nil {
		out[sources.SlotDiversion] = func(ctx context.Context, inv sources.Invocation) (string, error) {
			return p.DiversionContext(ctx, inv.Params)
		}
		out[sources.SlotPortalFibre] = func(ctx context.Context, inv sources.Invocation) (string, error) {
			return p.FibreRequestContext(ctx, inv.Query)
		}
	}
	return out
}
