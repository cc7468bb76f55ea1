package app

import (
	"context"
	"errors"
	"strings"

	"arisbot/pkg/sources/connectivity"
)

const lineSearchLimit = 20

// ErrLineNotFound indicates no line carries the requested number.
var ErrLineNotFound = errors.New("línea no encontrada")

// LinesConfigured reports whether the connectivity dashboard is set up.
func (a *App) LinesConfigured() bool {
	return a.adapters.Lines != nil && a.adapters.Lines.Configured()
}

// LineStats aggregates the line inventory.
func (a *App) LineStats(ctx context.Context) (connectivity.Stats, error) {
	if !a.LinesConfigured() {
		return connectivity.Stats{}, ErrNotConfigured
	}
	return a.adapters.Lines.Stats(ctx)
}

// SearchLines finds lines matching every term of query.
func (a *App) SearchLines(ctx context.Context, query string) ([]connectivity.Line, error) {
	if !a.LinesConfigured() {
		return nil, ErrNotConfigured
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New(`query parameter "q" is required`)
	}
	return a.adapters.Lines.Search(ctx, query, lineSearchLimit)
}

// Line looks up one line by its number.
func (a *App) Line(ctx context.Context, number string) (connectivity.Line, error) {
	if !a.LinesConfigured() {
		return connectivity.Line{}, ErrNotConfigured
	}
	line, err := a.adapters.Lines.LineByNumber(ctx, strings.TrimSpace(number))
	if err != nil {
		return connectivity.Line{}, err
	}
	if line == nil {
		return connectivity.Line{}, ErrLineNotFound
	}
	return *line, nil
}
