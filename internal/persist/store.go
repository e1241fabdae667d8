package persist

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"pkt.systems/pslog"
	"pkt.systems/shellhost/internal/eventbus"
	"pkt.systems/shellhost/schema"
)

const tempPrefix = ".tmp-"

var emptyObject = json.RawMessage(`{}`)

// Store keeps one JSON document per key under a directory.
type Store struct {
	dir string
	log pslog.Logger
	bus *eventbus.Bus
	mu  sync.Mutex
}

// NewStore constructs a persistent store at the given directory.
func NewStore(dir string) (*Store, error) {
	return NewStoreWithLogger(dir, nil)
}

// NewStoreWithLogger constructs a persistent store with logging.
func NewStoreWithLogger(dir string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("state_dir", dir)
	}
	return &Store{dir: dir, log: logger}, nil
}

// WithBus makes SetJSON publish a state change event.
func (s *Store) WithBus(bus *eventbus.Bus) *Store {
	s.bus = bus
	return s
}

// Dir returns the directory backing the store.
func (s *Store) Dir() string {
	return s.dir
}

// GetJSON returns the stored document for key, or {} when nothing is stored.
func (s *Store) GetJSON(key string) (json.RawMessage, error) {
	path := s.pathForKey(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if s.log != nil {
				s.log.Debug("state load miss", "key", key)
			}
			return emptyObject, nil
		}
		if s.log != nil {
			s.log.Warn("state load failed", "key", key, "err", err)
		}
		return nil, err
	}
	if !json.Valid(data) {
		err := errors.New("stored state is not valid JSON")
		if s.log != nil {
			s.log.Warn("state load failed", "key", key, "err", err)
		}
		return nil, err
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		return nil, err
	}
	if s.log != nil {
		s.log.Debug("state load ok", "key", key, "bytes", compact.Len())
	}
	return compact.Bytes(), nil
}

// SetJSON replaces the document for key. Nil or empty values store {}.
func (s *Store) SetJSON(key string, value json.RawMessage) error {
	if len(bytes.TrimSpace(value)) == 0 {
		value = emptyObject
	}
	if !json.Valid(value) {
		return errors.New("state value is not valid JSON")
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, value, "", "  "); err != nil {
		return err
	}
	pretty.WriteByte('\n')

	path := s.pathForKey(key)
	s.mu.Lock()
	err := writeFileAtomic(path, pretty.Bytes())
	s.mu.Unlock()
	if err != nil {
		if s.log != nil {
			s.log.Warn("state save failed", "key", key, "err", err)
		}
		return err
	}
	if s.log != nil {
		s.log.Trace("state save ok", "key", key, "bytes", pretty.Len())
	}
	if s.bus != nil {
		s.bus.PublishStateChanged(schema.StateChangedEvent{Key: KeyName(key)})
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), tempPrefix+"*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// KeyName is the on-disk name used for key.
func KeyName(key string) string {
	name := sanitize(strings.TrimSpace(key))
	if name == "" {
		name = "unknown"
	}
	return name
}

func (s *Store) pathForKey(key string) string {
	return filepath.Join(s.dir, KeyName(key)+".json")
}

func sanitize(value string) string {
	var b strings.Builder
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if r == '-' || r == '_' {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('_')
	}
	return b.String()
}
