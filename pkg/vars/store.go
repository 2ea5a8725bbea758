// Package vars implements the hub's shared-variable store: a static table
// of named doubles loaded from the definitions file, with per-variable
// read/write locks, change subscriptions, and write-behind persistence for
// variables flagged persistent.
package vars

import (
	"errors"
	"fmt"
	"sync"

	"github.com/seawolf-auv/swhub/internal/logger"
)

var (
	// ErrNoSuchVariable reports access to a name absent from the
	// definitions file.
	ErrNoSuchVariable = errors.New("no such variable")

	// ErrReadOnly reports a SET on a read-only variable.
	ErrReadOnly = errors.New("variable is read-only")
)

// Subscriber receives WATCH updates for variables it subscribed to.
// Implemented by the hub's client session; Send reports failure when the
// peer is gone, in which case the fan-out path marks it closed and moves on.
type Subscriber interface {
	// SendWatch delivers an asynchronous WATCH update frame.
	SendWatch(name, value string) error
}

// Variable is one entry of the store. Value and the subscriber list are
// guarded by mu; the descriptor fields are immutable after load.
type Variable struct {
	name       string
	defaultVal float64
	persistent bool
	readonly   bool

	mu          sync.RWMutex
	value       float64
	subscribers []Subscriber
}

// Name returns the variable's unique name.
func (v *Variable) Name() string { return v.name }

// Persistent reports whether SETs on this variable are written to disk.
func (v *Variable) Persistent() bool { return v.persistent }

// ReadOnly reports whether SETs on this variable are refused.
func (v *Variable) ReadOnly() bool { return v.readonly }

// Value returns the current value under the variable's read lock.
func (v *Variable) Value() float64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.value
}

// FormatValue renders a value the way it appears on the wire and in
// VAR.VALUE responses.
func FormatValue(value float64) string {
	return fmt.Sprintf("%f", value)
}

// Store is the in-memory variable table. The set of variables is fixed at
// load time, so the map itself needs no lock at runtime; all mutable state
// lives behind each variable's own lock.
type Store struct {
	table      map[string]*Variable
	persistent []*Variable // load order, drives the database line order

	// dirty coalesces persistence signals: a full channel already has a
	// flush pending, so further SETs need not (and must not) block.
	dirty chan struct{}
}

// Lookup returns the named variable, or ErrNoSuchVariable.
func (s *Store) Lookup(name string) (*Variable, error) {
	v, ok := s.table[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchVariable, name)
	}
	return v, nil
}

// Get returns the current value and read-only flag of the named variable.
func (s *Store) Get(name string) (value float64, readonly bool, err error) {
	v, err := s.Lookup(name)
	if err != nil {
		return 0, false, err
	}
	return v.Value(), v.readonly, nil
}

// Set assigns a value to the named variable and fans the update out to its
// subscribers. For persistent variables the write-behind flusher is
// signalled; multiple signals between flushes coalesce.
//
// The WATCH frames are sent while the variable's lock is held, so every
// subscriber observes values in the order they were assigned. A failed send
// does not unlink the subscriber here; the connection reaper owns teardown.
func (s *Store) Set(name string, value float64) error {
	v, ok := s.table[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchVariable, name)
	}
	if v.readonly {
		return fmt.Errorf("%w: %s", ErrReadOnly, name)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.value = value
	if v.persistent {
		s.signalFlush()
	}

	formatted := FormatValue(value)
	for _, sub := range v.subscribers {
		if err := sub.SendWatch(name, formatted); err != nil {
			logger.Debug("Watch update failed, subscriber marked for reaping",
				"variable", name, "error", err)
		}
	}
	return nil
}

// Subscribe registers sub for WATCH updates on the named variable and
// returns the variable so the caller can keep its back-reference.
func (s *Store) Subscribe(name string, sub Subscriber) (*Variable, error) {
	v, err := s.Lookup(name)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.subscribers = append(v.subscribers, sub)
	v.mu.Unlock()
	return v, nil
}

// Unsubscribe removes sub from the named variable's subscriber list.
// Removing an absent subscriber is a no-op: the reaper's cleanup path and
// an explicit WATCH.DEL may race, and both must succeed.
func (s *Store) Unsubscribe(name string, sub Subscriber) (*Variable, error) {
	v, err := s.Lookup(name)
	if err != nil {
		return nil, err
	}
	v.Detach(sub)
	return v, nil
}

// Detach removes sub from v's subscriber list under v's write lock.
func (v *Variable) Detach(sub Subscriber) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, existing := range v.subscribers {
		if existing == sub {
			v.subscribers = append(v.subscribers[:i], v.subscribers[i+1:]...)
			return
		}
	}
}

// subscriberCount is a test hook.
func (v *Variable) subscriberCount() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.subscribers)
}

// signalFlush arms the write-behind flusher without ever blocking the SET
// path.
func (s *Store) signalFlush() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

// HasPersistent reports whether any variable is flagged persistent.
func (s *Store) HasPersistent() bool {
	return len(s.persistent) > 0
}

// snapshotPersistent captures name/value pairs of all persistent variables
// for a database flush, taking each variable's read lock in turn.
func (s *Store) snapshotPersistent() []persistentValue {
	snapshot := make([]persistentValue, 0, len(s.persistent))
	for _, v := range s.persistent {
		snapshot = append(snapshot, persistentValue{name: v.name, value: v.Value()})
	}
	return snapshot
}

type persistentValue struct {
	name  string
	value float64
}
