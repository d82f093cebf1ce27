// Package platform defines the AdPlatform capability and the vendor
// adapters behind it. Each adapter parses its vendor's raw payload into a
// typed record and maps it onto the canonical Metric; free-form maps never
// cross into the engine.
package platform

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ignite/budget-optimizer/internal/domain"
)

// ArmBinding ties an engine arm to its identity on the remote platform.
type ArmBinding struct {
	ArmID    int64
	ArmKey   string
	RemoteID string
	Bid      float64
}

// RemoteCampaign is a campaign as the vendor reports it, used for
// discovery only.
type RemoteCampaign struct {
	ID     string
	Name   string
	Status string
}

// AdPlatform is the pluggable vendor capability. FetchMetrics must be
// idempotent for a given window; SetBid must be idempotent by
// (binding, bid) so the engine can retry freely.
type AdPlatform interface {
	Name() domain.Platform
	FetchMetrics(ctx context.Context, accountID string, bindings []ArmBinding, since time.Time) ([]domain.Metric, error)
	SetBid(ctx context.Context, binding ArmBinding, newBid float64) error
	ListCampaigns(ctx context.Context, accountID string) ([]RemoteCampaign, error)
}

// APIError carries the vendor's HTTP status so callers can separate
// transient failures (retry) from permanent ones (log and skip the cycle).
type APIError struct {
	Platform domain.Platform
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Platform, e.Status, e.Body)
}

// IsTransient reports whether the failure should feed the retry policy:
// network errors, deadline hits, 408, 429, and 5xx. Any other vendor
// status is permanent for the current cycle.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == 408, apiErr.Status == 429:
			return true
		case apiErr.Status >= 500:
			return true
		default:
			return false
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Unclassified errors (connection reset wrapped in url.Error, etc.)
	// default to transient; the retry cap bounds the damage.
	return true
}

// bindingIndex maps remote IDs and arm keys back to bindings during
// response mapping.
type bindingIndex struct {
	byRemote map[string]*ArmBinding
	byKey    map[string]*ArmBinding
}

func indexBindings(bindings []ArmBinding) *bindingIndex {
	idx := &bindingIndex{
		byRemote: make(map[string]*ArmBinding, len(bindings)),
		byKey:    make(map[string]*ArmBinding, len(bindings)),
	}
	for i := range bindings {
		b := &bindings[i]
		if b.RemoteID != "" {
			idx.byRemote[b.RemoteID] = b
		}
		idx.byKey[b.ArmKey] = b
	}
	return idx
}

// lookup resolves a response row to a binding by remote ID first, arm key
// second. Rows for unknown entities are skipped by the adapters.
func (idx *bindingIndex) lookup(remoteID, armKey string) (*ArmBinding, bool) {
	if b, ok := idx.byRemote[remoteID]; ok {
		return b, true
	}
	b, ok := idx.byKey[armKey]
	return b, ok
}
