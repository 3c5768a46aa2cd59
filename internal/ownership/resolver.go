// Package ownership resolves the owner of many devices concurrently.
package ownership

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/gridview/internal/domain"
)

// DefaultConcurrency bounds in-flight lookups.
const DefaultConcurrency = 8

// Lookup returns the owner of one device, or "" when unassigned.
type Lookup interface {
	DeviceOwner(ctx context.Context, deviceID string) (string, error)
}

// Resolver fans out owner lookups.
type Resolver struct {
	lookup      Lookup
	concurrency int
	log         *slog.Logger
}

func NewResolver(lookup Lookup, concurrency int, logger *slog.Logger) *Resolver {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		lookup:      lookup,
		concurrency: concurrency,
		log:         logger.With("component", "ownership"),
	}
}

// Resolve looks up every device. Results are in input order; a device
// whose lookup fails or has no owner resolves to domain.Unassigned.
func (r *Resolver) Resolve(ctx context.Context, deviceIDs []string) []domain.DeviceOwnership {
	results := make([]domain.DeviceOwnership, len(deviceIDs))

	// Lookups never return an error to the group so one failure cannot
	// cancel its siblings.
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, id := range deviceIDs {
		g.Go(func() error {
			owner, err := r.lookup.DeviceOwner(ctx, id)
			if err != nil {
				r.log.Warn("owner lookup failed", "device", id, "error", err)
				owner = ""
			}
			if owner == "" {
				owner = domain.Unassigned
			}
			results[i] = domain.DeviceOwnership{DeviceID: id, OwnerID: owner}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
