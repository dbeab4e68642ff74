package superblock

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompareDominance(t *testing.T) {
	require.Equal(t, Equal, Compare(GenCnt{1, 2, 3, 4, 5}, GenCnt{1, 2, 3, 4, 5}))
	require.Equal(t, SelfNewer, Compare(GenCnt{2, 0, 0, 0, 0}, GenCnt{1, 0, 0, 0, 0}))
	require.Equal(t, PeerNewer, Compare(GenCnt{1, 0, 0, 0, 0}, GenCnt{2, 0, 0, 0, 0}))
	require.Equal(t, SplitBrain, Compare(GenCnt{2, 0, 0, 0, 0}, GenCnt{1, 1, 0, 0, 0}))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "superblock.dat")
	want := Superblock{GenCnt: GenCnt{3, 1, 4, 1, 5}}
	require.NoError(t, Save(path, want))

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestLoadMissingFileReturnsZeroValue(t *testing.T) {
	got, err := Load(filepath.Join(t.TempDir(), "does-not-exist.dat"))
	require.NoError(t, err)
	require.Equal(t, Superblock{}, got)
}
