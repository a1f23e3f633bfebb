package filter

import (
	"fmt"
	"strings"

	"github.com/bamsammich/mirror/internal/event"
)

const numTypes = int(event.AddTree) + 1

// Mask selects, for each event type, the file types the event is applied
// to. The zero Mask allows nothing.
type Mask [numTypes]uint16

const allFileTypes = uint16(1)<<(int(event.Unknown)+1) - 1

// AllEvents returns a mask that allows every event on every file type.
func AllEvents() Mask {
	var m Mask
	for i := range m {
		m[i] = allFileTypes
	}
	return m
}

// Set allows events of type t on the given file types, or on every file
// type when none are given.
func (m *Mask) Set(t event.Type, fts ...event.FileType) {
	if len(fts) == 0 {
		m[t] = allFileTypes
		return
	}
	for _, ft := range fts {
		m[t] |= 1 << ft
	}
}

// Clear disables events of type t.
func (m *Mask) Clear(t event.Type) { m[t] = 0 }

// Allows reports whether an event of type t on a file of type ft passes the
// mask. Overflow and NoSpace carry no meaningful file type: they pass when
// their type is enabled at all.
func (m *Mask) Allows(t event.Type, ft event.FileType) bool {
	if !t.Valid() {
		return false
	}
	switch t {
	case event.Overflow, event.NoSpace:
		return m[t] != 0
	}
	if !ft.Valid() {
		ft = event.Unknown
	}
	return m[t]&(1<<ft) != 0
}

// ParseMask builds a mask from a map of event type name to file type names,
// as written in the configuration file. Event types missing from the map keep
// every file type; an empty list disables the event type. The special name
// "all" selects every file type.
func ParseMask(byType map[string][]string) (Mask, error) {
	m := AllEvents()
	for name, fts := range byType {
		t, ok := parseType(name)
		if !ok {
			return m, fmt.Errorf("unknown event type %q", name)
		}
		m.Clear(t)
		for _, ftName := range fts {
			if strings.EqualFold(ftName, "all") {
				m.Set(t)
				continue
			}
			ft, ok := event.ParseFileType(strings.ToLower(ftName))
			if !ok {
				return m, fmt.Errorf("event %s: unknown file type %q", name, ftName)
			}
			m.Set(t, ft)
		}
	}
	return m, nil
}

// parseType accepts "ChangeData", "change_data" and "change-data".
func parseType(name string) (event.Type, bool) {
	norm := strings.ToLower(strings.NewReplacer("_", "", "-", "").Replace(name))
	for t := event.Create; t <= event.AddTree; t++ {
		if strings.ToLower(t.String()) == norm {
			return t, true
		}
	}
	return 0, false
}
