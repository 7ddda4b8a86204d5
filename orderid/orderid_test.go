package orderid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewExpiryTagStaysInsideJitterWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 200; i++ {
		tag := NewExpiryTag(now)
		delta := int64(tag) - now.Unix()
		require.GreaterOrEqual(t, delta, int64(expiryJitterMinSeconds))
		require.LessOrEqual(t, delta, int64(expiryJitterMaxSeconds))
	}
}

func TestExpiryTagRoundTrip(t *testing.T) {
	t.Parallel()

	tag := ExpiryTag(1700722495)
	parsed, err := ParseExpiryTag(tag.String())
	require.NoError(t, err)
	require.Equal(t, tag, parsed)
	require.Equal(t, time.Unix(1700722495, 0).UTC(), tag.Time())

	parsed, err = ParseExpiryTag("  1700722495 ")
	require.NoError(t, err)
	require.Equal(t, tag, parsed)

	_, err = ParseExpiryTag("not-a-tag")
	require.Error(t, err)
}

func TestClientOrderIDValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, ClientOrderID("c1").Validate())
	require.ErrorIs(t, ClientOrderID("").Validate(), ErrEmptyClientOrderID)
	require.ErrorIs(t, ClientOrderID("   ").Validate(), ErrEmptyClientOrderID)
}
