package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_ReloadsValidChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcp.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"mcpServers": {"geo": {"command": "geo"}}}`), 0o600))

	docs := make(chan *Document, 4)
	w := NewWatcher(path, 50*time.Millisecond, func(d *Document) { docs <- d })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte(`{"mcpServers": {"geo": {"command": "geo"}, "calc": {"command": "calc"}}}`), 0o600))

	select {
	case doc := <-docs:
		assert.Equal(t, []string{"geo", "calc"}, names(doc.Backends))
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after a valid change")
	}

	// Invalid documents are ignored. A late duplicate of the valid reload
	// is tolerated.
	require.NoError(t, os.WriteFile(path, []byte(`{"mcpServers": {"geo": {}}}`), 0o600))
	timeout := time.After(500 * time.Millisecond)
	for {
		select {
		case doc := <-docs:
			require.Equal(t, []string{"geo", "calc"}, names(doc.Backends), "reloaded an invalid document")
		case <-timeout:
			return
		}
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcp.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"mcpServers": {}}`), 0o600))

	docs := make(chan *Document, 1)
	w := NewWatcher(path, 20*time.Millisecond, func(d *Document) { docs <- d })
	require.NoError(t, w.Start(context.Background()))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte(`{}`), 0o600))
	select {
	case <-docs:
		t.Fatal("reloaded for an unrelated file")
	case <-time.After(300 * time.Millisecond):
	}

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
}
