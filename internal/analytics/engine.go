// Package analytics computes revenue totals over local-calendar windows.
// It never authorizes; callers check access before asking for totals.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"billbook/internal/cache"
	"billbook/internal/domain"
	"billbook/internal/metrics"
	"billbook/internal/store"
	"billbook/internal/window"
)

var (
	// ErrInvalidRange is wrapped by every range validation failure.
	ErrInvalidRange = errors.New("invalid date range")

	ErrRangeIncomplete = fmt.Errorf("%w: please provide both From and To dates in YYYY-MM-DD format", ErrInvalidRange)
	ErrRangeInverted   = fmt.Errorf("%w: the From date must be on or before the To date", ErrInvalidRange)
)

type Engine struct {
	entries store.EntryReader
	cache   cache.OverviewCache
	metrics *metrics.Metrics
}

type Option func(*Engine)

// WithOverviewCache caches overview totals per (shop, local date).
func WithOverviewCache(c cache.OverviewCache) Option {
	return func(e *Engine) {
		if c != nil {
			e.cache = c
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

func New(entries store.EntryReader, opts ...Option) *Engine {
	e := &Engine{entries: entries, cache: cache.Noop{}}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Overview returns today, week-to-date and month-to-date totals, all derived
// from the single instant now. Each window is open-ended above.
func (e *Engine) Overview(ctx context.Context, shopID string, now time.Time) (domain.Overview, error) {
	localDate := window.LocalDate(now)

	entry, err := e.cache.GetOverview(ctx, shopID, localDate)
	cacheable := err == nil
	switch {
	case err != nil:
		e.metrics.OverviewCache(metrics.CacheError)
		slog.WarnContext(ctx, "overview cache read failed", "shop_id", shopID, "error", err)
	case entry.Overview != nil:
		e.metrics.OverviewCache(metrics.CacheHit)
		return *entry.Overview, nil
	default:
		e.metrics.OverviewCache(metrics.CacheMiss)
	}

	overview, err := e.computeOverview(ctx, shopID, now)
	if err != nil {
		return domain.Overview{}, err
	}
	if !cacheable {
		return overview, nil
	}
	// SetOverview refuses when the shop was invalidated after the read above.
	err = e.cache.SetOverview(ctx, shopID, localDate, entry.Version, overview)
	switch {
	case errors.Is(err, cache.ErrStale):
		slog.DebugContext(ctx, "overview not cached, shop changed during compute", "shop_id", shopID)
	case err != nil:
		slog.WarnContext(ctx, "overview cache write failed", "shop_id", shopID, "error", err)
	}
	return overview, nil
}

func (e *Engine) computeOverview(ctx context.Context, shopID string, now time.Time) (domain.Overview, error) {
	starts := [3]time.Time{
		window.StartOfDay(now),
		window.StartOfWeek(now),
		window.StartOfMonth(now),
	}
	var totals [3]decimal.Decimal

	g, gctx := errgroup.WithContext(ctx)
	for i, start := range starts {
		g.Go(func() error {
			total, err := e.sum(gctx, shopID, window.Since(start))
			if err != nil {
				return err
			}
			totals[i] = total
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return domain.Overview{}, err
	}

	return domain.Overview{
		Today:       totals[0],
		WeekToDate:  totals[1],
		MonthToDate: totals[2],
		AsOf:        now.UTC().Format(time.RFC3339),
		LocalDate:   window.LocalDate(now),
	}, nil
}

// SpecificDate totals one local calendar day. An absent or malformed date is
// not an error; the result is simply not selected.
func (e *Engine) SpecificDate(ctx context.Context, shopID string, date string, includeEntries bool) (domain.DateTotal, error) {
	result := domain.DateTotal{Date: date, Total: decimal.Zero}
	start, ok := window.ParseLocalDate(date)
	if !ok {
		return result, nil
	}
	result.Selected = true
	day := window.Day(start)

	if !includeEntries {
		total, err := e.sum(ctx, shopID, day)
		if err != nil {
			return domain.DateTotal{}, err
		}
		result.Total = total
		return result, nil
	}

	amounts, err := e.entries.ListEntryAmounts(ctx, shopID, day.Start, day.End)
	if err != nil {
		return domain.DateTotal{}, err
	}
	total := decimal.Zero
	for _, amount := range amounts {
		total = total.Add(amount)
	}
	result.Total = total
	result.Entries = amounts
	result.Count = len(amounts)
	result.Listed = true
	return result, nil
}

// Range totals the local days from..to, both inclusive.
func (e *Engine) Range(ctx context.Context, shopID string, from string, to string) (domain.RangeTotal, error) {
	start, okFrom := window.ParseLocalDate(from)
	end, okTo := window.ParseLocalDate(to)
	if !okFrom || !okTo {
		return domain.RangeTotal{}, ErrRangeIncomplete
	}
	if start.After(end) {
		return domain.RangeTotal{}, ErrRangeInverted
	}

	total, err := e.sum(ctx, shopID, window.Range(start, end))
	if err != nil {
		return domain.RangeTotal{}, err
	}
	return domain.RangeTotal{From: from, To: to, Total: total}, nil
}

// Dashboard assembles the owner's shop page. A range with neither bound set
// is not selected; any other range problem is reported in RangeError.
func (e *Engine) Dashboard(ctx context.Context, shopID string, now time.Time, query domain.DashboardQuery) (domain.Dashboard, error) {
	dashboard := domain.Dashboard{
		ShopID: shopID,
		Date:   domain.DateTotal{Date: query.Date, Total: decimal.Zero},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		overview, err := e.Overview(gctx, shopID, now)
		if err != nil {
			return err
		}
		dashboard.Overview = overview
		return nil
	})
	if query.Date != "" {
		g.Go(func() error {
			date, err := e.SpecificDate(gctx, shopID, query.Date, query.ShowEntries)
			if err != nil {
				return err
			}
			dashboard.Date = date
			return nil
		})
	}
	if query.From != "" || query.To != "" {
		g.Go(func() error {
			total, err := e.Range(gctx, shopID, query.From, query.To)
			if errors.Is(err, ErrInvalidRange) {
				dashboard.RangeError = RangeMessage(err)
				return nil
			}
			if err != nil {
				return err
			}
			dashboard.Range = &total
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return domain.Dashboard{}, err
	}
	return dashboard, nil
}

// RangeMessage is the user-facing text of a range validation error.
func RangeMessage(err error) string {
	switch {
	case errors.Is(err, ErrRangeInverted):
		return "From date must be on or before To date."
	case errors.Is(err, ErrRangeIncomplete):
		return "Please provide both From and To dates in YYYY-MM-DD format."
	default:
		return err.Error()
	}
}

func (e *Engine) sum(ctx context.Context, shopID string, w window.Window) (decimal.Decimal, error) {
	return e.entries.SumEntries(ctx, shopID, w.Start, w.End)
}
