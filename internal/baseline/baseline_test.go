package baseline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/schaermu/foldersyncd/internal/snapshot"
)

func TestEntry_Side(t *testing.T) {
	e := Entry{
		Source: snapshot.FileState{Path: "a", Size: 1, ModTime: 10},
		Target: snapshot.FileState{Path: "a", Size: 2, ModTime: 20},
	}
	assert.Equal(t, int64(1), e.Side(snapshot.Source).Size)
	assert.Equal(t, int64(2), e.Side(snapshot.Target).Size)
}

func TestBaseline_Paths(t *testing.T) {
	b := Baseline{"a": {}, "dir/b": {}}
	assert.Equal(t, map[string]struct{}{"a": {}, "dir/b": {}}, b.Paths())
	assert.Empty(t, Baseline(nil).Paths())
}
