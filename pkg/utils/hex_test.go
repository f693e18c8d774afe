package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatUint32Hex(t *testing.T) {
	assert.Equal(t, "0x08800000", FormatUint32Hex(0x08800000))
	assert.Equal(t, "0x00000000", FormatUint32Hex(0))
}

func TestParseUint32(t *testing.T) {
	tests := []struct {
		in   string
		want uint32
	}{
		{"0x08800000", 0x08800000},
		{"0X10", 0x10},
		{"42", 42},
		{" 7 ", 7},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseUint32(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseUint32("0x100000000")
	assert.Error(t, err)
	_, err = ParseUint32("zz")
	assert.Error(t, err)
}
