package parser

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultDataColor is the background colour the line pages use for rows
// that carry a station and its arrival.
const DefaultDataColor = "#E3E3E3"

// RawStop is one scraped (station name, arrival string) pair.
type RawStop struct {
	Name    string
	Arrival string
}

// RouteRun is a maximal run of consecutive data-coloured rows.
type RouteRun []RawStop

// RouteTableScanner splits a line page into route runs by row colour.
type RouteTableScanner struct {
	dataColor string
	tracer    trace.Tracer
}

func NewRouteTableScanner(dataColor string) *RouteTableScanner {
	if dataColor == "" {
		dataColor = DefaultDataColor
	}
	return &RouteTableScanner{
		dataColor: normalizeColor(dataColor),
		tracer:    otel.Tracer("route-table-scanner"),
	}
}

// Scan parses an HTML line page and returns its route runs in document
// order. A page without data-coloured rows yields no runs and no error.
func (s *RouteTableScanner) Scan(ctx context.Context, r io.Reader) ([]RouteRun, error) {
	_, span := s.tracer.Start(ctx, "route_table.scan")
	defer span.End()

	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to parse line page: %w", err)
	}

	runs := s.ScanDocument(doc.Selection)

	span.SetAttributes(
		attribute.Int("routes_count", len(runs)),
	)
	return runs, nil
}

// ScanDocument walks every table in doc once, tracking only the current
// run and the previous row's colour.
func (s *RouteTableScanner) ScanDocument(doc *goquery.Selection) []RouteRun {
	var runs []RouteRun
	previous := ""

	doc.Find("table").Each(func(i int, row *goquery.Selection) {
		color := normalizeColor(row.AttrOr("bgcolor", ""))
		defer func() { previous = color }()

		if color != s.dataColor {
			return
		}
		if previous != s.dataColor {
			runs = append(runs, RouteRun{})
		}

		cells := row.Find("b")
		if cells.Length() < 3 {
			slog.Debug("Skipping data row without station and arrival cells", "row", i, "cells", cells.Length())
			return
		}

		current := len(runs) - 1
		runs[current] = append(runs[current], RawStop{
			Name:    strings.TrimSpace(cells.Eq(1).Text()),
			Arrival: strings.TrimSpace(cells.Eq(2).Text()),
		})
	})

	return runs
}

func normalizeColor(c string) string {
	return strings.ToUpper(strings.TrimSpace(c))
}
