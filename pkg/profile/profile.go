// Package profile implements the JSON profile store described in
// spec.md section 6.3: a plain key/value settings file (`show_registers`,
// `graph.slaves`, `log_folder`, `maximum_memory`) with an observer
// pattern that notifies interested components when the file changes,
// either because this process wrote it or because it was edited
// externally.
//
// The component itself is an external collaborator per spec.md section 1
// ("Out of scope ... the on-disk JSON profile store"); it is carried here
// as part of SPEC_FULL.md's ambient stack so `cmd/etherkitten` has a
// concrete settings surface to wire `SetMaximumMemory` and the log
// folder to, grounded on the teacher's `pkg/config` getter/setter-over-a
// -store shape and on original_source/config's `ConfigIO` (read/write +
// notify-on-change).
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/ini.v1"
)

// Position is a slave's location on the GUI collaborator's graph view.
// Carried here only because it is a profile field, not rendered.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Profile is the in-memory form of the on-disk settings file.
type Profile struct {
	ShowRegisters []string   `json:"show_registers"`
	GraphSlaves   []Position `json:"graph.slaves"`
	LogFolder     string     `json:"log_folder"`
	MaximumMemory uint64     `json:"maximum_memory"`
}

// Observer is notified whenever the active Profile changes, whether
// because this process wrote it (Store.Write) or because it changed on
// disk (an fsnotify event). Mirrors original_source/config's
// ConfigObserver, generalized to a single callback over the whole
// Profile rather than one callback per field.
type Observer interface {
	OnProfileChanged(Profile)
}

// ObserverFunc adapts a plain function to Observer.
type ObserverFunc func(Profile)

func (f ObserverFunc) OnProfileChanged(p Profile) { f(p) }

// Store owns one profile file on disk plus the set of observers
// watching it. A Store is safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	path      string
	current   Profile
	observers []Observer
	watcher   *fsnotify.Watcher
	logger    *slog.Logger
}

// Open loads the profile at path, migrating a legacy `.ini`-formatted
// file in its place if no JSON file exists yet (see migrateLegacyINI),
// and starts watching it for external edits. The returned Store must be
// closed with Close when no longer needed.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{path: path, logger: logger}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		legacy := strings.TrimSuffix(path, filepath.Ext(path)) + ".ini"
		if _, lerr := os.Stat(legacy); lerr == nil {
			p, merr := migrateLegacyINI(legacy)
			if merr != nil {
				return nil, fmt.Errorf("profile: migrating legacy ini %s: %w", legacy, merr)
			}
			s.current = p
			if werr := s.writeLocked(p); werr != nil {
				return nil, werr
			}
		} else {
			s.current = Profile{}
			if werr := s.writeLocked(s.current); werr != nil {
				return nil, werr
			}
		}
	} else if err != nil {
		return nil, fmt.Errorf("profile: stat %s: %w", path, err)
	} else {
		p, rerr := readFile(path)
		if rerr != nil {
			return nil, rerr
		}
		s.current = p
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("profile: creating watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("profile: watching %s: %w", path, err)
	}
	s.watcher = w
	go s.watchLoop()
	return s, nil
}

func (s *Store) watchLoop() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			p, err := readFile(s.path)
			if err != nil {
				s.logger.Warn("profile: reload after external edit failed", "error", err)
				continue
			}
			s.mu.Lock()
			s.current = p
			s.notifyLocked(p)
			s.mu.Unlock()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("profile: watcher error", "error", err)
		}
	}
}

// Close stops watching the profile file.
func (s *Store) Close() error {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Close()
}

// Subscribe registers an observer, called on every future change. It is
// not called for the current state; callers that need it should read
// Current first.
func (s *Store) Subscribe(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Current returns the most recently loaded or written profile.
func (s *Store) Current() Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Write persists p to disk and notifies observers.
func (s *Store) Write(p Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeLocked(p); err != nil {
		return err
	}
	s.current = p
	s.notifyLocked(p)
	return nil
}

func (s *Store) writeLocked(p Profile) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("profile: marshal: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("profile: write %s: %w", tmp, err)
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) notifyLocked(p Profile) {
	for _, o := range s.observers {
		o.OnProfileChanged(p)
	}
}

func readFile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("profile: read %s: %w", path, err)
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("profile: parse %s: %w", path, err)
	}
	return p, nil
}

// ResolveLogFolder expands a leading "~" to the current user's home
// directory, per spec.md section 6.3; any other path is returned
// verbatim.
func ResolveLogFolder(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	u, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("profile: resolving home directory: %w", err)
	}
	rest := strings.TrimPrefix(path, "~")
	rest = strings.TrimPrefix(rest, string(filepath.Separator))
	return filepath.Join(u.HomeDir, rest), nil
}

// migrateLegacyINI reads a flat key/value `.ini`-formatted profile, the
// format original_source/config's ConfigIO round-tripped through before
// the JSON profile store existed, and converts it to a Profile. Grounded
// on the teacher's own ini.v1 usage for EDS (also flat key/value)
// parsing in its object-dictionary loader.
func migrateLegacyINI(path string) (Profile, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return Profile{}, fmt.Errorf("profile: loading legacy ini %s: %w", path, err)
	}
	sec := cfg.Section("")
	p := Profile{
		LogFolder: sec.Key("log_folder").String(),
	}
	if raw := sec.Key("show_registers").String(); raw != "" {
		for _, tok := range strings.Split(raw, ",") {
			tok = strings.TrimSpace(tok)
			if tok != "" {
				p.ShowRegisters = append(p.ShowRegisters, tok)
			}
		}
	}
	if raw := sec.Key("maximum_memory").String(); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return Profile{}, fmt.Errorf("profile: legacy maximum_memory %q: %w", raw, err)
		}
		p.MaximumMemory = v
	}
	for _, gs := range cfg.Section("graph.slaves").Keys() {
		parts := strings.SplitN(gs.String(), ",", 2)
		if len(parts) != 2 {
			continue
		}
		x, xerr := strconv.Atoi(strings.TrimSpace(parts[0]))
		y, yerr := strconv.Atoi(strings.TrimSpace(parts[1]))
		if xerr != nil || yerr != nil {
			continue
		}
		p.GraphSlaves = append(p.GraphSlaves, Position{X: x, Y: y})
	}
	return p, nil
}
