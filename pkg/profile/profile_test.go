package profile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesFileWhenMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.json")

	s, err := Open(path, nil)
	require.NoError(t, err)
	defer s.Close()

	assert.FileExists(t, path)
	assert.Equal(t, Profile{}, s.Current())
}

func TestWriteNotifiesObservers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.json")

	s, err := Open(path, nil)
	require.NoError(t, err)
	defer s.Close()

	seen := make(chan Profile, 1)
	s.Subscribe(ObserverFunc(func(p Profile) { seen <- p }))

	want := Profile{
		ShowRegisters: []string{"0x0302", "0x0006"},
		LogFolder:     "/var/log/etherkitten",
		MaximumMemory: 1 << 20,
	}
	require.NoError(t, s.Write(want))

	select {
	case got := <-seen:
		assert.Equal(t, want, got)
	case <-time.After(time.Second):
		t.Fatal("observer was never notified")
	}
	assert.Equal(t, want, s.Current())
}

func TestMigrateLegacyINI(t *testing.T) {
	dir := t.TempDir()
	ini := filepath.Join(dir, "profile.ini")
	require.NoError(t, os.WriteFile(ini, []byte(
		"show_registers = 0x0302, 0x0006\n"+
			"log_folder = ~/ethercat-logs\n"+
			"maximum_memory = 4096\n"+
			"[graph.slaves]\n"+
			"1 = 10, 20\n"+
			"2 = 30, 40\n"), 0o644))

	path := filepath.Join(dir, "profile.json")
	s, err := Open(path, nil)
	require.NoError(t, err)
	defer s.Close()

	p := s.Current()
	assert.Equal(t, []string{"0x0302", "0x0006"}, p.ShowRegisters)
	assert.Equal(t, "~/ethercat-logs", p.LogFolder)
	assert.EqualValues(t, 4096, p.MaximumMemory)
	assert.ElementsMatch(t, []Position{{X: 10, Y: 20}, {X: 30, Y: 40}}, p.GraphSlaves)
	assert.FileExists(t, path, "migration should persist the JSON form")
}

func TestResolveLogFolderExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	resolved, err := ResolveLogFolder("~/logs")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "logs"), resolved)

	resolved, err = ResolveLogFolder("/absolute/path")
	require.NoError(t, err)
	assert.Equal(t, "/absolute/path", resolved)
}
