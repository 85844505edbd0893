package source

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldIgnoreEvent(t *testing.T) {
	tests := []struct {
		name  string
		event fsnotify.Event
		want  bool
	}{
		{name: "write module", event: fsnotify.Event{Name: "/src/agent.py", Op: fsnotify.Write}, want: false},
		{name: "create module", event: fsnotify.Event{Name: "/src/new.go", Op: fsnotify.Create}, want: false},
		{name: "remove module", event: fsnotify.Event{Name: "/src/old.go", Op: fsnotify.Remove}, want: false},
		{name: "chmod ignored", event: fsnotify.Event{Name: "/src/agent.py", Op: fsnotify.Chmod}, want: true},
		{name: "hidden file ignored", event: fsnotify.Event{Name: "/src/.agent.py.swp", Op: fsnotify.Write}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shouldIgnoreEvent(tt.event))
		})
	}
}

func TestWatcherInvalidatesOnWrite(t *testing.T) {
	root := t.TempDir()
	var calls atomic.Int32
	w := NewWatcher(root, 20*time.Millisecond, func() { calls.Add(1) }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register the root.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(root, "agent.py"), []byte("x"), 0o644))

	assert.Eventually(t, func() bool { return calls.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
