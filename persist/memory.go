// memory.go - In-memory Persister implementation (for testing/dev)
package persist

import (
	"context"
	"sync"

	"github.com/ledgerlens/session-engine/session"
)

// Memory keeps the encoded envelope in memory. It round-trips through
// the codec on every Save/Load so tests exercise the same serialization
// path as the durable adapter.
type Memory struct {
	mu   sync.Mutex
	blob []byte

	// FailNextSaves makes the next n Save calls fail, for exercising the
	// retry-once policy.
	FailNextSaves int
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Save(_ context.Context, rec *session.ActiveRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailNextSaves > 0 {
		m.FailNextSaves--
		return errSaveFailed
	}
	blob, err := Encode(rec)
	if err != nil {
		return err
	}
	m.blob = blob
	return nil
}

func (m *Memory) Load(_ context.Context) (*session.ActiveRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.blob == nil {
		return nil, false, nil
	}
	rec, err := Decode(m.blob)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blob = nil
	return nil
}

type saveError struct{}

func (saveError) Error() string { return "simulated save failure" }

var errSaveFailed = saveError{}
