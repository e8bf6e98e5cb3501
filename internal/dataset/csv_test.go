package dataset

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	input := `hashrate,earnings,share_rate,reject_rate,latency
# warm-up sample
1.0, 2.0, 3.0, 0.01, 40
1.1,2.1,3.2,0.02,42
`
	ds, err := Load(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, []string{"hashrate", "earnings", "share_rate", "reject_rate", "latency"}, ds.Headers)
	assert.Equal(t, [][]float64{{1, 2, 3, 0.01, 40}, {1.1, 2.1, 3.2, 0.02, 42}}, ds.Rows)
	assert.Equal(t, 5, ds.Width())
}

func TestLoad_NoHeader(t *testing.T) {
	ds, err := Load(strings.NewReader("1;2\n3;4\n"), WithHeader(false), WithComma(';'))
	require.NoError(t, err)
	assert.Empty(t, ds.Headers)
	assert.Equal(t, [][]float64{{1, 2}, {3, 4}}, ds.Rows)
}

func TestLoad_Malformed(t *testing.T) {
	input := "a,b\n1,2\n1,x\n1,2,3\n5,6\n"

	_, err := Load(strings.NewReader(input))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 3")

	ds, err := Load(strings.NewReader(input), WithLenient(true))
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 2}, {5, 6}}, ds.Rows)
	assert.Equal(t, 2, ds.Skipped)
}

func TestLoad_Empty(t *testing.T) {
	_, err := Load(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = Load(strings.NewReader("a,b\n"))
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.csv")
	require.NoError(t, os.WriteFile(path, []byte("x\n1\n2\n"), 0o600))

	ds, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, ds.Rows, 2)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}
