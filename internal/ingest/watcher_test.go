package ingest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/chatsense/pkg/types"
)

type captureSink struct {
	mu       sync.Mutex
	messages []types.Message
}

func (s *captureSink) IngestMessage(_ context.Context, msg *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, *msg)
	return nil
}

func (s *captureSink) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.ID
	}
	return out
}

func writeSpool(t *testing.T, dir, name string, msg types.Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	// Write then rename so the watcher never sees a half-written file.
	tmp := filepath.Join(dir, name+".tmp")
	require.NoError(t, os.WriteFile(tmp, data, 0o644))
	require.NoError(t, os.Rename(tmp, filepath.Join(dir, name)))
}

func TestDrainsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	sink := &captureSink{}

	writeSpool(t, dir, "a.json", types.Message{ID: "m1", RoomID: "room-a", Sender: "alice", Content: "hi"})
	writeSpool(t, dir, "b.json", types.Message{ID: "m2", RoomID: "room-a", Sender: "bob", Content: "hey"})

	w, err := NewWatcher(dir, sink)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return len(sink.ids()) == 2 }, 3*time.Second, 20*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.ElementsMatch(t, []string{"m1", "m2"}, sink.ids())

	// Processed files are removed.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	sink := &captureSink{}

	w, err := NewWatcher(dir, sink)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	writeSpool(t, dir, "late.json", types.Message{ID: "m3", RoomID: "room-b", Sender: "carol", Content: "anyone around?"})

	require.Eventually(t, func() bool { return len(sink.ids()) == 1 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"m3"}, sink.ids())
}

func TestMalformedFileMovedAside(t *testing.T) {
	dir := t.TempDir()
	sink := &captureSink{}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{not json"), 0o644))
	// Valid JSON but missing required identifiers.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.json"), []byte(`{"content":"x"}`), 0o644))

	w, err := NewWatcher(dir, sink)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err1 := os.Stat(filepath.Join(dir, "bad.json"+malformedSuffix))
		_, err2 := os.Stat(filepath.Join(dir, "empty.json"+malformedSuffix))
		return err1 == nil && err2 == nil
	}, 3*time.Second, 20*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Empty(t, sink.ids())
}

func TestIgnoresNonSpoolFiles(t *testing.T) {
	dir := t.TempDir()
	sink := &captureSink{}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.txt"), []byte("not a message"), 0o644))

	w, err := NewWatcher(dir, sink)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(200 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Empty(t, sink.ids())
	_, err = os.Stat(filepath.Join(dir, "README.txt"))
	assert.NoError(t, err)
}
