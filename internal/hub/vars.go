package hub

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNoSuchVariable and ErrReadOnly are the two semantic-error outcomes of
// a VAR.SET, both of which the dispatcher turns into a kick with
// ReasonInvalidVarAccess (§4.6, §7).
var (
	ErrNoSuchVariable = errors.New("no such variable")
	ErrReadOnly       = errors.New("variable is read-only")
)

// Variable is a named double maintained by the hub, with an optional
// default, a persistence flag, a read-only flag, and the set of sessions
// currently watching it (§3).
type Variable struct {
	name    string
	def     float64
	persist bool
	ro      bool

	// mu guards value and subscribers together: a SET assigns the value and
	// enumerates subscribers to fan out a WATCH update in the same critical
	// section, so a racing second SET on the same variable cannot reorder
	// its WATCH ahead of an earlier one on the wire (§4.6, §5 ordering
	// guarantee (b)).
	mu          sync.RWMutex
	value       float64
	subscribers map[*Session]struct{}
}

// Name returns the variable's name.
func (v *Variable) Name() string { return v.name }

// ReadOnly reports whether SET is rejected for this variable. The flag is
// fixed at load time, so no lock is needed to read it.
func (v *Variable) ReadOnly() bool { return v.ro }

// Persistent reports whether this variable is durable (§3, §4.7).
func (v *Variable) Persistent() bool { return v.persist }

// Default returns the variable's configured default value.
func (v *Variable) Default() float64 { return v.def }

// Value returns the current value.
func (v *Variable) Value() float64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.value
}

// formatValue renders a variable's value the way every wire response does:
// Go's default "%f" verb already yields six decimal digits, matching the
// spec's literal examples ("1.500000", "3.000000").
func formatValue(f float64) string {
	return fmt.Sprintf("%f", f)
}

// set assigns newVal and, while still holding the write lock, invokes
// onPersist (if persistent) and fans a WATCH update out to every current
// subscriber (§4.6). Send failures mark the offending session Closed and do
// not abort the fan-out to the remaining subscribers (§4.5 "best effort").
func (v *Variable) set(newVal float64, onPersist func()) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.value = newVal

	if v.persist && onPersist != nil {
		onPersist()
	}

	if len(v.subscribers) == 0 {
		return
	}

	frame := NewFrame(NoResponse, NsWatch, v.name, formatValue(newVal))
	packed, err := frame.Pack()
	if err != nil {
		return
	}
	for sess := range v.subscribers {
		_ = sess.SendBytes(packed)
	}
}

// addSubscriber adds sess to this variable's subscriber list under the
// write lock (§4.6).
func (v *Variable) addSubscriber(sess *Session) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.subscribers == nil {
		v.subscribers = make(map[*Session]struct{})
	}
	v.subscribers[sess] = struct{}{}
}

// removeSubscriber removes sess. Removing an absent subscriber is a no-op,
// the idempotent cleanup path the reaper relies on (§4.6).
func (v *Variable) removeSubscriber(sess *Session) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.subscribers, sess)
}

// VariableStore is the in-memory table of variable descriptors, built once
// at startup from the definitions file. The map itself is static after
// LoadVariableDefinitions returns, so no lock guards membership at runtime (§3, §5) --
// only each Variable's own mu guards its mutable fields.
type VariableStore struct {
	vars map[string]*Variable
}

// NewVariableStore builds an empty store; defs are added via define().
func NewVariableStore() *VariableStore {
	return &VariableStore{vars: make(map[string]*Variable)}
}

// define registers one variable from the definitions file (§4.8). Called
// only during startup, before any client connects.
func (vs *VariableStore) define(name string, def float64, persistent, readonly bool) {
	vs.vars[name] = &Variable{
		name:    name,
		def:     def,
		value:   def,
		persist: persistent,
		ro:      readonly,
	}
}

// Get looks up a variable by name.
func (vs *VariableStore) Get(name string) (*Variable, bool) {
	v, ok := vs.vars[name]
	return v, ok
}

// All returns every defined variable, for the persistence writer's flush
// pass and for tests.
func (vs *VariableStore) All() []*Variable {
	out := make([]*Variable, 0, len(vs.vars))
	for _, v := range vs.vars {
		out = append(out, v)
	}
	return out
}

// GetValue looks up name and returns its value and read-only flag, or
// ErrNoSuchVariable (§4.6 GET).
func (vs *VariableStore) GetValue(name string) (value float64, readonly bool, err error) {
	v, ok := vs.Get(name)
	if !ok {
		return 0, false, ErrNoSuchVariable
	}
	return v.Value(), v.ReadOnly(), nil
}

// SetValue applies newVal to name, signaling persistence and fanning the
// update out to subscribers. onPersist is invoked only for persistent
// variables (§4.6, §4.7).
func (vs *VariableStore) SetValue(name string, newVal float64, onPersist func()) error {
	v, ok := vs.Get(name)
	if !ok {
		return ErrNoSuchVariable
	}
	if v.ReadOnly() {
		return ErrReadOnly
	}
	v.set(newVal, onPersist)
	return nil
}

// Subscribe links sess to the named variable in both directions: the
// variable's subscriber set and the session's subscribed-variables list
// (§4.6 ADD). Returns ErrNoSuchVariable if name is not defined.
func (vs *VariableStore) Subscribe(name string, sess *Session) error {
	v, ok := vs.Get(name)
	if !ok {
		return ErrNoSuchVariable
	}
	v.addSubscriber(sess)
	sess.addSubscription(v)
	return nil
}

// Unsubscribe removes the (sess, name) link in both directions (§4.6 DEL).
// Returns ErrNoSuchVariable if name is not defined; missing in either
// direction beyond that is tolerated (idempotent, used by the reaper).
func (vs *VariableStore) Unsubscribe(name string, sess *Session) error {
	v, ok := vs.Get(name)
	if !ok {
		return ErrNoSuchVariable
	}
	v.removeSubscriber(sess)
	sess.removeSubscription(v)
	return nil
}

// DetachSession removes sess from every variable it was subscribed to. The
// reaper calls this after removing sess from the active client registry but
// before releasing the session (§4.3 step d, §9).
func (vs *VariableStore) DetachSession(sess *Session) {
	for _, v := range sess.subscriptions() {
		v.removeSubscriber(sess)
		sess.removeSubscription(v)
	}
}
