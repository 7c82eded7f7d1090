// Package numpad implements the numpad key dispatcher: confirm/execute handling
// of mapped macros, knob adjustments and debounced Z offset persistence
package numpad

import (
	"fmt"
	"sort"
	"strings"
)

// KeyID identifies one of the physical numpad keys
type KeyID string

// Physical keys. The _alt variants are sent when the numpad is in its
// alternate layer (num lock off).
const (
	Key1        KeyID = "key_1"
	Key2        KeyID = "key_2"
	Key3        KeyID = "key_3"
	Key4        KeyID = "key_4"
	Key5        KeyID = "key_5"
	Key6        KeyID = "key_6"
	Key7        KeyID = "key_7"
	Key8        KeyID = "key_8"
	Key9        KeyID = "key_9"
	Key0        KeyID = "key_0"
	KeyDot      KeyID = "key_dot"
	KeyEnter    KeyID = "key_enter"
	KeyUp       KeyID = "key_up"
	KeyDown     KeyID = "key_down"
	Key1Alt     KeyID = "key_1_alt"
	Key2Alt     KeyID = "key_2_alt"
	Key3Alt     KeyID = "key_3_alt"
	Key4Alt     KeyID = "key_4_alt"
	Key5Alt     KeyID = "key_5_alt"
	Key6Alt     KeyID = "key_6_alt"
	Key7Alt     KeyID = "key_7_alt"
	Key8Alt     KeyID = "key_8_alt"
	Key9Alt     KeyID = "key_9_alt"
	Key0Alt     KeyID = "key_0_alt"
	KeyDotAlt   KeyID = "key_dot_alt"
	KeyEnterAlt KeyID = "key_enter_alt"
)

// AllKeys lists every key in configuration order
var AllKeys = []KeyID{
	Key1, Key2, Key3, Key4, Key5,
	Key6, Key7, Key8, Key9, Key0,
	KeyDot, KeyEnter, KeyUp, KeyDown,
	Key1Alt, Key2Alt, Key3Alt, Key4Alt,
	Key5Alt, Key6Alt, Key7Alt, Key8Alt,
	Key9Alt, Key0Alt, KeyDotAlt, KeyEnterAlt,
}

var knownKeys = func() map[KeyID]bool {
	m := make(map[KeyID]bool, len(AllKeys))
	for _, k := range AllKeys {
		m[k] = true
	}
	return m
}()

// ParseKey validates a key name
func ParseKey(name string) (KeyID, error) {
	k := KeyID(strings.TrimSpace(name))
	if !knownKeys[k] {
		return "", fmt.Errorf("%w: %q", ErrUnknownKey, name)
	}
	return k, nil
}

// IsKnob reports whether the key is one of the two adjustment keys
func (k KeyID) IsKnob() bool {
	return k == KeyUp || k == KeyDown
}

// KeySet is an unordered set of keys
type KeySet map[KeyID]struct{}

// NewKeySet builds a set from keys
func NewKeySet(keys ...KeyID) KeySet {
	s := make(KeySet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// ParseKeySet parses a comma separated key list such as "key_up,key_down"
func ParseKeySet(list string) (KeySet, error) {
	s := make(KeySet)
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, err := ParseKey(part)
		if err != nil {
			return nil, err
		}
		s[k] = struct{}{}
	}
	return s, nil
}

// Has reports set membership
func (s KeySet) Has(k KeyID) bool {
	_, ok := s[k]
	return ok
}

// Strings returns the set members sorted by name
func (s KeySet) Strings() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, string(k))
	}
	sort.Strings(out)
	return out
}

// UnassignedCommand is the macro issued for keys without a configured command
func UnassignedCommand(k KeyID) string {
	return fmt.Sprintf("_NO_ASSIGNED_MACRO KEY=%s", k)
}

// QueryCommand derives the query macro for a command
func QueryCommand(cmd string) string {
	if strings.HasPrefix(cmd, "_") {
		return "_QUERY" + cmd
	}
	return "_QUERY_" + cmd
}

// KeyMap holds the command and query mappings for all keys. It is built once
// and never mutated.
type KeyMap struct {
	commands map[KeyID]string
	queries  map[KeyID]string
}

// NewKeyMap builds the mappings from configured key commands. Keys missing
// from configured, or configured with an empty command, map to the
// unassigned macro in both mappings.
func NewKeyMap(configured map[string]string) (*KeyMap, error) {
	for name := range configured {
		if _, err := ParseKey(name); err != nil {
			return nil, err
		}
	}

	m := &KeyMap{
		commands: make(map[KeyID]string, len(AllKeys)),
		queries:  make(map[KeyID]string, len(AllKeys)),
	}
	for _, k := range AllKeys {
		cmd := strings.TrimSpace(configured[string(k)])
		if cmd == "" {
			m.commands[k] = UnassignedCommand(k)
			m.queries[k] = UnassignedCommand(k)
			continue
		}
		m.commands[k] = cmd
		m.queries[k] = QueryCommand(cmd)
	}
	return m, nil
}

// Command returns the command mapped to k
func (m *KeyMap) Command(k KeyID) string {
	return m.commands[k]
}

// Query returns the query command mapped to k
func (m *KeyMap) Query(k KeyID) string {
	return m.queries[k]
}

// Commands returns a copy of the command mapping keyed by key name
func (m *KeyMap) Commands() map[string]string {
	return copyMapping(m.commands)
}

// Queries returns a copy of the query mapping keyed by key name
func (m *KeyMap) Queries() map[string]string {
	return copyMapping(m.queries)
}

func copyMapping(src map[KeyID]string) map[string]string {
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[string(k)] = v
	}
	return out
}
