package units

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEther(t *testing.T) {
	cases := map[string]string{
		"":         "0",
		"0":        "0",
		"1":        "1000000000000000000",
		"0.25":     "250000000000000000",
		" 0.001 ":  "1000000000000000",
		"1e-18":    "1",
		"12.00000": "12000000000000000000",
	}
	for in, want := range cases {
		got, err := ParseEther(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got.String(), in)
	}
}

func TestParseEtherRejects(t *testing.T) {
	for _, in := range []string{"-1", "abc", "0.0000000000000000001", "1,5"} {
		_, err := ParseEther(in)
		assert.Error(t, err, in)
	}
}

func TestFormatEther(t *testing.T) {
	wei, _ := new(big.Int).SetString("1500000000000000000", 10)
	assert.Equal(t, "1.5", FormatEther(wei))
	assert.Equal(t, "0", FormatEther(nil))
	assert.Equal(t, "0.00001", FormatEther(big.NewInt(10_000_000_000_000)))
}

func TestParseUnits(t *testing.T) {
	amount, err := ParseUnits("2.5", 6)
	require.NoError(t, err)
	assert.Equal(t, int64(2_500_000), amount.Int64())
}
