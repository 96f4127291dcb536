package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"rattlive/pkg/metrics"
	rotel "rattlive/pkg/otel"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Warm loads the reference data and the route table into the cache. The
// bike feed is optional: its failure is logged, not returned.
func (s *Service) Warm(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "service.warm")
	defer span.End()

	if _, err := s.reconciler(ctx); err != nil {
		rotel.RecordError(span, err, rotel.ErrorTypeParse, false)
		return fmt.Errorf("failed to load reference data: %w", err)
	}
	routes, err := s.Routes(ctx)
	if err != nil {
		rotel.RecordError(span, err, rotel.ErrorTypeNetwork, true)
		return fmt.Errorf("failed to load routes: %w", err)
	}
	if s.bikes != nil {
		if _, err := s.BikeStations(ctx); err != nil {
			slog.Warn("Bike feed unavailable during warm-up", "error", err)
		}
	}

	span.SetAttributes(attribute.Int("routes.count", len(routes)))
	rotel.SetSpanOk(span)
	return nil
}

// refresh recomputes the route table in place. Readers keep the previous
// table until the new one is stored.
func (s *Service) refresh(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "service.refresh")
	defer span.End()

	// Line listings change with the daily timetable.
	s.cache.Invalidate(keyLineIDs)

	_, err := s.cache.Refresh(ctx, keyRoutes, s.config.ReferenceTTL, func(ctx context.Context) (any, error) {
		return s.computeRoutes(ctx)
	})
	metrics.RecordRefresh(ctx, err == nil)
	if err != nil {
		rotel.RecordError(span, err, rotel.ErrorTypeNetwork, true)
		return err
	}
	rotel.SetSpanOk(span)
	return nil
}

func (s *Service) warmUpBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = s.config.MaxElapsed
	return backoff.WithContext(b, ctx)
}

// Run warms the cache, retrying with exponential backoff, and then
// refreshes the route table every Interval until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	err := backoff.RetryNotify(
		func() error { return s.Warm(ctx) },
		s.warmUpBackOff(ctx),
		func(err error, d time.Duration) {
			slog.Warn("Warm-up failed, retrying", "retry_in", d, "error", err)
		},
	)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("warm-up gave up: %w", err)
	}
	metrics.RecordRefresh(ctx, true)

	if s.config.Interval <= 0 {
		slog.Info("Background refresh disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	slog.Info("Service started", "refresh_interval", s.config.Interval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Service stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.refresh(ctx); err != nil {
				slog.Error("Route refresh failed", "error", err)
			}
		}
	}
}

// dryRunRoute is one line of DryRun output.
type dryRunRoute struct {
	LineID   int      `json:"line_id"`
	Index    int      `json:"route_index"`
	Name     string   `json:"route_name"`
	Stations []string `json:"stations"`
}

// DryRun computes the route table once and writes one JSON document per
// direction to w, followed by a summary of the reconciliation gaps.
func (s *Service) DryRun(ctx context.Context, w io.Writer) error {
	ctx, span := s.tracer.Start(ctx, "service.dry_run")
	defer span.End()

	routes, err := s.Routes(ctx)
	if err != nil {
		rotel.RecordError(span, err, rotel.ErrorTypeNetwork, true)
		return err
	}

	enc := json.NewEncoder(w)
	printed := 0
	for _, id := range SortedLineIDs(routes) {
		for _, route := range routes[id] {
			names := make([]string, len(route.Stations))
			for i, st := range route.Stations {
				names[i] = st.FriendlyName
			}
			if err := enc.Encode(dryRunRoute{
				LineID:   id,
				Index:    route.Index,
				Name:     route.Name,
				Stations: names,
			}); err != nil {
				rotel.RecordError(span, err, rotel.ErrorTypeParse, false)
				return fmt.Errorf("failed to write dry run output: %w", err)
			}
			printed++
		}
	}

	if report := s.LastReport(); report != nil {
		fmt.Fprintf(w, "# lines: %d, dropped: %d, unknown stations: %d, unknown lines: %d\n",
			len(routes), len(report.DroppedLines), len(report.UnknownStations), len(report.UnknownLines))
	}

	span.SetAttributes(attribute.Int("routes.printed", printed))
	span.AddEvent("dry_run.done", trace.WithAttributes(attribute.Int("lines", len(routes))))
	return nil
}
