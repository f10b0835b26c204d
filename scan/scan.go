/*
Package scan provides the receipt-scan service implementations.

PURPOSE:
  The session engine treats the scan as an opaque async operation that
  either resolves with structured fields or rejects with a classified
  error. This package supplies the concrete operations behind that
  boundary:

    GeminiScanner - real extraction via the Gemini API
    StubScanner   - canned extraction for development without an API key
    Registry      - TTL registry of in-flight scans, the corroborating
                    evidence consulted by crash recovery

ERROR CLASSIFICATION:
  Every failure is reported as a *session.ScanFailure with one of the
  classes network, quota, or unrecognized. The orchestrator refunds the
  scan's credit reservation on any of them.

SEE ALSO:
  - session/collaborators.go: Scanner and TaskRegistry interfaces
  - gemini.go: The Gemini-backed implementation
*/
package scan

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/ledgerlens/session-engine/credit"
	"github.com/ledgerlens/session-engine/session"
)

// =============================================================================
// IMAGE SOURCE
// =============================================================================

// ImageSource resolves an opaque image ref into bytes for the scanner.
// Capture and upload are outside this subsystem; the ref format is
// whatever the surrounding app stored.
type ImageSource interface {
	Fetch(ctx context.Context, ref session.ImageRef) (data []byte, mimeType string, err error)
}

// =============================================================================
// TASK REGISTRY
// =============================================================================

// Registry tracks scan calls in flight in this process, keyed by the
// reservation the scan was started under. Entries expire on their own
// so an entry leaked by a crash mid-registration cannot corroborate a
// scan forever.
type Registry struct {
	cache *gocache.Cache
}

// NewRegistry creates a registry whose entries expire after ttl.
// ttl should comfortably exceed the scan timeout.
func NewRegistry(ttl time.Duration) *Registry {
	return &Registry{cache: gocache.New(ttl, ttl)}
}

func (r *Registry) Register(id credit.ReservationID) {
	r.cache.SetDefault(string(id), struct{}{})
}

func (r *Registry) Resolve(id credit.ReservationID) {
	r.cache.Delete(string(id))
}

func (r *Registry) InFlight(id credit.ReservationID) bool {
	_, ok := r.cache.Get(string(id))
	return ok
}

// =============================================================================
// STUB SCANNER
// =============================================================================

// StubScanner returns a fixed extraction after a short delay. Used in
// development when no Gemini API key is configured.
type StubScanner struct {
	Delay  time.Duration
	Result session.ExtractionResult
}

func (s *StubScanner) StartScan(ctx context.Context, _ session.ImageRef) (*session.ExtractionResult, error) {
	select {
	case <-time.After(s.Delay):
	case <-ctx.Done():
		return nil, &session.ScanFailure{Class: session.ScanFailureNetwork, Message: ctx.Err().Error()}
	}
	out := s.Result
	return &out, nil
}
