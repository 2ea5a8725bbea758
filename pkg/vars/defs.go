package vars

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/seawolf-auv/swhub/internal/logger"
	"github.com/seawolf-auv/swhub/pkg/config"
)

// Load builds the store from the variable definitions file and, when any
// variable is persistent, overlays stored values from the database file.
// Any parse or range violation is fatal to startup. A missing database
// file is created empty so a fresh deployment needs no seed file.
func Load(defsPath, dbPath string) (*Store, error) {
	s := &Store{
		table: make(map[string]*Variable),
		dirty: make(chan struct{}, 1),
	}

	if err := s.loadDefinitions(defsPath); err != nil {
		return nil, err
	}

	if s.HasPersistent() {
		if err := ensureFile(dbPath); err != nil {
			return nil, fmt.Errorf("create variable database: %w", err)
		}
		if err := s.loadPersistentValues(dbPath); err != nil {
			return nil, err
		}
	}

	logger.Debug("Variable store loaded",
		"variables", len(s.table), "persistent", len(s.persistent))
	return s, nil
}

// loadDefinitions parses lines of the form
//
//	name = default, persistent, readonly
//
// where default is a double and the two flags are 0 or 1.
func (s *Store) loadDefinitions(path string) error {
	entries, err := config.ParseFlatFile(path)
	if err != nil {
		return fmt.Errorf("variable definitions: %w", err)
	}

	for _, e := range entries {
		if _, exists := s.table[e.Key]; exists {
			return fmt.Errorf("%s: duplicate variable %q on line %d", path, e.Key, e.Line)
		}

		v, err := parseDefinition(e.Key, e.Value)
		if err != nil {
			return fmt.Errorf("%s: line %d: %w", path, e.Line, err)
		}

		s.table[e.Key] = v
		if v.persistent {
			s.persistent = append(s.persistent, v)
		}
	}
	return nil
}

func parseDefinition(name, def string) (*Variable, error) {
	fields := strings.Split(def, ",")
	if len(fields) != 3 {
		return nil, fmt.Errorf("definition for %q needs 3 fields (default, persistent, readonly), got %d", name, len(fields))
	}

	defaultVal, err := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
	if err != nil {
		return nil, fmt.Errorf("bad default value for %q: %w", name, err)
	}

	persistent, err := parseFlag(fields[1])
	if err != nil {
		return nil, fmt.Errorf("persistent flag for %q: %w", name, err)
	}
	readonly, err := parseFlag(fields[2])
	if err != nil {
		return nil, fmt.Errorf("readonly flag for %q: %w", name, err)
	}

	return &Variable{
		name:       name,
		defaultVal: defaultVal,
		value:      defaultVal,
		persistent: persistent,
		readonly:   readonly,
	}, nil
}

func parseFlag(field string) (bool, error) {
	switch strings.TrimSpace(field) {
	case "0":
		return false, nil
	case "1":
		return true, nil
	default:
		return false, fmt.Errorf("must be 0 or 1, got %q", strings.TrimSpace(field))
	}
}

// loadPersistentValues overlays stored values onto the table. A name absent
// from the definitions is fatal; a value for a non-persistent variable is
// loaded but flagged as a warning, matching what an older database left
// behind after a definitions change.
func (s *Store) loadPersistentValues(path string) error {
	entries, err := config.ParseFlatFile(path)
	if err != nil {
		return fmt.Errorf("variable database: %w", err)
	}

	for _, e := range entries {
		v, ok := s.table[e.Key]
		if !ok {
			return fmt.Errorf("%s: variable %q in database but not in definitions", path, e.Key)
		}

		value, err := strconv.ParseFloat(e.Value, 64)
		if err != nil {
			return fmt.Errorf("%s: line %d: bad value for %q: %w", path, e.Line, e.Key, err)
		}

		if !v.persistent {
			logger.Warning("Loading value for non-persistent variable from database", "variable", e.Key)
		}
		v.value = value
	}
	return nil
}

func ensureFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}
