package ownet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ownet/errors"
)

func Test_SplitID(t *testing.T) {
	family, code, chksum, err := SplitID("10.345678.90")
	require.NoError(t, err)

	assert.Equal(t, byte(0x10), family)
	assert.Equal(t, uint64(0x345678), code)
	assert.Equal(t, byte(0x90), chksum)
}

func Test_SplitID_FullCode(t *testing.T) {
	family, code, _, err := SplitID("28.FFFFFFFFFFFF.11")
	require.NoError(t, err)

	assert.Equal(t, byte(0x28), family)
	assert.Equal(t, uint64(0xFFFFFFFFFFFF), code)
}

func Test_SplitID_Lowercase(t *testing.T) {
	family, _, _, err := SplitID("1f.abcdef.f1")
	require.NoError(t, err)
	assert.Equal(t, byte(0x1F), family)
}

func Test_SplitID_Invalid(t *testing.T) {
	tests := []string{
		"",
		"alarm",
		"bus.0",
		"10.345678",
		"10.345678.90.11",
		"XX.345678.90",
		"10.34567Z.90",
		"100.345678.90",
	}

	for _, id := range tests {
		t.Run(id, func(t *testing.T) {
			_, _, _, err := SplitID(id)
			assert.ErrorIs(t, err, errors.ErrNotADevice)
		})
	}
}

func Test_CanonicalID(t *testing.T) {
	assert.Equal(t, "1F.ABCDEF.F1", canonicalID("1f.abcdef.f1"))
}
