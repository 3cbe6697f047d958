package scene

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWatcherPublishesReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scene.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cellYAML), 0o644))

	l := NewLoader(zap.NewNop())
	_, _, err := l.Load(FileSource{Path: path})
	require.NoError(t, err)

	w, err := NewWatcher(l, path, zap.NewNop())
	require.NoError(t, err)
	w.delay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// A broken write must not replace the loaded scene.
	require.NoError(t, os.WriteFile(path, []byte("nodes: [ {"), 0o644))
	time.Sleep(150 * time.Millisecond)
	_, current := l.Current()
	assert.Equal(t, 2, current.Len())

	updated := cellYAML + "  - {name: Belt_3, mesh: box, material: orange}\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	select {
	case s := <-w.Updates():
		assert.Equal(t, 3, s.Index.Len())
	case <-time.After(3 * time.Second):
		t.Fatal("no reload published")
	}
}
