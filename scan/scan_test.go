package scan

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerlens/session-engine/credit"
	"github.com/ledgerlens/session-engine/session"
)

// =============================================================================
// MODEL OUTPUT PARSING
// =============================================================================

func TestParseExtraction_FullReceipt(t *testing.T) {
	raw := `{
		"merchant": "Cafe Oslo",
		"category": "Dining",
		"total": 12.50,
		"currency": "EUR",
		"location": "Oslo",
		"date": "2026-03-14",
		"line_items": [
			{"description": "Flat white", "quantity": 2, "amount": 8.00},
			{"description": "Croissant", "quantity": 1, "amount": 4.50}
		]
	}`

	result, err := parseExtraction(raw)

	require.NoError(t, err)
	assert.Equal(t, "Cafe Oslo", result.Merchant)
	assert.Equal(t, "12.5", result.Total.String())
	assert.Equal(t, "EUR", result.Currency)
	assert.Equal(t, 2026, result.OccurredAt.Year())
	require.Len(t, result.LineItems, 2)
	assert.Equal(t, 2, result.LineItems[0].Quantity)
}

func TestParseExtraction_NullFieldsStayZero(t *testing.T) {
	raw := `{"merchant": "Kiosk", "category": null, "total": null,
		"currency": null, "location": null, "date": null, "line_items": []}`

	result, err := parseExtraction(raw)

	require.NoError(t, err)
	assert.Equal(t, "Kiosk", result.Merchant)
	assert.Empty(t, result.Category)
	assert.True(t, result.Total.IsZero())
	assert.True(t, result.OccurredAt.IsZero())
}

func TestParseExtraction_NothingRecognizable(t *testing.T) {
	raw := `{"merchant": null, "total": null, "line_items": []}`

	_, err := parseExtraction(raw)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no recognizable receipt fields")
}

func TestParseExtraction_InvalidJSON(t *testing.T) {
	_, err := parseExtraction("this is not a receipt")
	assert.Error(t, err)
}

func TestCleanModelJSON_StripsFences(t *testing.T) {
	cases := map[string]string{
		"```json\n{\"a\":1}\n```": `{"a":1}`,
		"```\n{\"a\":1}\n```":     `{"a":1}`,
		`{"a":1}`:                 `{"a":1}`,
		"  {\"a\":1}  ":           `{"a":1}`,
	}
	for in, want := range cases {
		assert.Equal(t, want, cleanModelJSON(in))
	}
}

func TestClassifyAPIError(t *testing.T) {
	quota := classifyAPIError(errTest("Error 429: RESOURCE_EXHAUSTED"))
	assert.Equal(t, session.ScanFailureQuota, quota.Class)

	network := classifyAPIError(errTest("connection refused"))
	assert.Equal(t, session.ScanFailureNetwork, network.Class)
}

type errTest string

func (e errTest) Error() string { return string(e) }

// =============================================================================
// TASK REGISTRY
// =============================================================================

func TestRegistry_RegisterResolve(t *testing.T) {
	r := NewRegistry(time.Minute)
	id := credit.ReservationID("res-1")

	assert.False(t, r.InFlight(id))

	r.Register(id)
	assert.True(t, r.InFlight(id))

	r.Resolve(id)
	assert.False(t, r.InFlight(id))
}

func TestRegistry_EntriesExpire(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	id := credit.ReservationID("res-1")
	r.Register(id)

	time.Sleep(50 * time.Millisecond)

	assert.False(t, r.InFlight(id), "stale entries must stop corroborating")
}

// =============================================================================
// IMAGE SOURCE
// =============================================================================

func TestDirImageSource_FetchAndMime(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "receipt.png"), []byte("png-bytes"), 0o644))
	src := DirImageSource{Dir: dir}

	data, mime, err := src.Fetch(context.Background(), "receipt.png")

	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)
	assert.Equal(t, "image/png", mime)
}

func TestDirImageSource_RefsCannotEscapeDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "receipt.jpg"), []byte("jpg"), 0o644))
	src := DirImageSource{Dir: dir}

	// The path component is stripped; only the base name resolves.
	data, _, err := src.Fetch(context.Background(), "../../etc/receipt.jpg")

	require.NoError(t, err)
	assert.Equal(t, []byte("jpg"), data)

	_, _, err = src.Fetch(context.Background(), "../../etc/passwd")
	assert.Error(t, err)
}
