package reload

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/timzifer/pulseinj/config"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func TestUpdateTracksReferencedFiles(t *testing.T) {
	dir := t.TempDir()
	rootFile := filepath.Join(dir, "pulseinj.yaml")
	module := filepath.Join(dir, "stimulus.cue")
	frames := filepath.Join(dir, "frames.dbc")
	for _, path := range []string{rootFile, module, frames} {
		writeFile(t, path, filepath.Base(path))
	}

	cfg := &config.Config{
		Source: config.ModuleReference{File: rootFile},
		Sources: []config.SourceConfig{{
			ID:     "frames",
			CAN:    &config.CANSourceConfig{DBC: "frames.dbc"},
			Source: config.ModuleReference{File: module},
		}},
		Sinks: []config.SinkConfig{{ID: "trace", Source: config.ModuleReference{File: rootFile}}},
	}

	var w Watcher
	require.NoError(t, w.Update(rootFile, cfg))
	want := []string{rootFile, module, frames}
	sort.Strings(want)
	require.Equal(t, want, w.Files())
}

func TestUpdateIgnoresMissingFiles(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.yaml")
	w, err := NewWatcher(missing, &config.Config{Source: config.ModuleReference{File: missing}})
	require.NoError(t, err)
	require.Empty(t, w.Files())
}

func TestCheckReportsEditsAndRemovals(t *testing.T) {
	dir := t.TempDir()
	edited := filepath.Join(dir, "a.yaml")
	removed := filepath.Join(dir, "b.cue")
	writeFile(t, edited, "cycle: 1ms")
	writeFile(t, removed, "sinks: []")

	w, err := NewWatcher("", &config.Config{
		Source: config.ModuleReference{File: edited},
		Sinks:  []config.SinkConfig{{ID: "trace", Source: config.ModuleReference{File: removed}}},
	})
	require.NoError(t, err)

	changed, err := w.Check()
	require.NoError(t, err)
	require.Empty(t, changed)

	writeFile(t, edited, "cycle: 250us")
	require.NoError(t, os.Remove(removed))

	changed, err = w.Check()
	require.NoError(t, err)
	want := []string{edited, removed}
	sort.Strings(want)
	require.Equal(t, want, changed)
}

func TestCheckIgnoresTouchWithoutEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulseinj.yaml")
	writeFile(t, path, "cycle: 1ms")
	w, err := NewWatcher(path, &config.Config{})
	require.NoError(t, err)

	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))

	changed, err := w.Check()
	require.NoError(t, err)
	require.Empty(t, changed)
}

func TestWatchDeliversChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulseinj.yaml")
	writeFile(t, path, "cycle: 1ms")
	w, err := NewWatcher(path, &config.Config{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	changes := w.Watch(ctx, 5*time.Millisecond)
	writeFile(t, path, "cycle: 20ms")

	select {
	case changed := <-changes:
		require.Equal(t, []string{path}, changed)
	case <-time.After(2 * time.Second):
		t.Fatal("no change delivered")
	}

	cancel()
	for range changes {
	}
}

func TestNilWatcher(t *testing.T) {
	var w *Watcher
	require.NoError(t, w.Update("", &config.Config{}))
	changed, err := w.Check()
	require.NoError(t, err)
	require.Nil(t, changed)
	require.Nil(t, w.Files())
}
