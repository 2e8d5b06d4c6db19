package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScanIDString(t *testing.T) {
	id, ok := ScanID([]byte(`{"method":"add","id":"42","params":[1,2]}`))
	require.True(t, ok)
	require.Equal(t, "42", id)
}

func TestScanIDNumber(t *testing.T) {
	id, ok := ScanID([]byte(`{"id":7,"method":"add"}`))
	require.True(t, ok)
	require.Equal(t, "7", id)
}

func TestScanIDNestedValuesSkipped(t *testing.T) {
	id, ok := ScanID([]byte(`{"params":{"nested":{"id":"wrong"}},"id":"right"}`))
	require.True(t, ok)
	require.Equal(t, "right", id)
}

func TestScanIDMissing(t *testing.T) {
	_, ok := ScanID([]byte(`{"method":"add"}`))
	require.False(t, ok)
}

func TestScanIDMalformedAfterID(t *testing.T) {
	// id appears before the malformed tail; ScanID should still find it
	// since it never needs to parse past the id field.
	id, ok := ScanID([]byte(`{"id":"5","broken":`))
	require.True(t, ok)
	require.Equal(t, "5", id)
}

func TestScanIDNotAnObject(t *testing.T) {
	_, ok := ScanID([]byte(`[1,2,3]`))
	require.False(t, ok)
}

func TestResponseConstructors(t *testing.T) {
	ok := OK("1", "render.jpeg", []byte("body"))
	require.Equal(t, 200, ok.Status)
	require.Equal(t, "1", ok.ID)

	nf := NotFound()
	require.Equal(t, 404, nf.Status)
	require.Equal(t, -32601, nf.Code)

	collision := CollisionID("7")
	require.Equal(t, 400, collision.Status)
	require.Equal(t, -1, collision.Code)

	unavailable := ServiceUnavailable("9")
	require.Equal(t, 503, unavailable.Status)
	require.Equal(t, "9", unavailable.ID)
}
