package listener

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePayload(t *testing.T) {
	d, err := decodePayload(`{"device_id":"U1","data":{"campaign":"abc","is_first_launch":true,"media_source":null}}`)
	require.NoError(t, err)
	assert.Equal(t, "U1", d.DeviceID)
	assert.Equal(t, map[string]string{"campaign": "abc", "is_first_launch": "true"}, d.Attributes)

	d, err = decodePayload(`{}`)
	require.NoError(t, err)
	assert.Empty(t, d.DeviceID)
	assert.Empty(t, d.Attributes)

	_, err = decodePayload(`not json`)
	assert.Error(t, err)
}

func TestJitter(t *testing.T) {
	tests := []struct {
		name string
		base time.Duration
		lo   time.Duration
		hi   time.Duration
	}{
		{"scales base", 4 * time.Second, 2 * time.Second, 6 * time.Second},
		{"zero base means one second", 0, 500 * time.Millisecond, 1500 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 50; i++ {
				got := jitter(tt.base)
				assert.GreaterOrEqual(t, got, tt.lo)
				assert.LessOrEqual(t, got, tt.hi)
			}
		})
	}
}
