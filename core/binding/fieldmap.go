package binding

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/asaidimu/go-sqlm/core"
	"gopkg.in/yaml.v3"
)

// ErrInvalidFieldMap is returned when a FieldMap cannot be resolved into an
// ordered list of parameter slots.
var ErrInvalidFieldMap = errors.New("sqlm: invalid field map")

type fieldMapKind uint8

const (
	kindEmpty fieldMapKind = iota
	kindPositions
	kindSequence
)

// Field pairs a field name with its intended parameter position. Position
// may be any integer or float kind, or a numeric string optionally prefixed
// with '$' ("3", "$3").
type Field struct {
	Name     string
	Position any
}

// FieldMap describes which document fields a binding reads and in what
// order they are bound. It is either a set of explicit positions or an
// ordered sequence of names. Positions only order the fields; they are never
// used as indexes into the resulting parameter array.
type FieldMap struct {
	kind   fieldMapKind
	fields []Field
	names  []string
}

// Positions builds a FieldMap from explicit name→position pairs. Go maps
// have no order, so fields sharing a position are ordered by name.
func Positions(m map[string]any) FieldMap {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	fields := make([]Field, 0, len(names))
	for _, name := range names {
		fields = append(fields, Field{Name: name, Position: m[name]})
	}
	return FieldMap{kind: kindPositions, fields: fields}
}

// OrderedPositions builds a FieldMap from explicit positions, keeping the
// argument order as the tie-break for equal positions.
func OrderedPositions(fields ...Field) FieldMap {
	return FieldMap{kind: kindPositions, fields: append([]Field(nil), fields...)}
}

// Sequence builds a FieldMap where each name's position is its 0-based index.
func Sequence(names ...string) FieldMap {
	return FieldMap{kind: kindSequence, names: append([]string(nil), names...)}
}

// Len returns the number of mapped fields.
func (m FieldMap) Len() int {
	if m.kind == kindSequence {
		return len(m.names)
	}
	return len(m.fields)
}

// slot is one resolved parameter position.
type slot struct {
	name     string
	position float64
}

// resolve turns either representation into slots sorted by ascending
// position. The sort is stable so ties keep their declaration order.
func (m FieldMap) resolve() ([]slot, error) {
	seen := make(map[string]struct{}, m.Len())
	slots := make([]slot, 0, m.Len())

	add := func(name string, position float64) error {
		if name == "" {
			return fmt.Errorf("%w: empty field name", ErrInvalidFieldMap)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: field %q mapped more than once", ErrInvalidFieldMap, name)
		}
		seen[name] = struct{}{}
		slots = append(slots, slot{name: name, position: position})
		return nil
	}

	switch m.kind {
	case kindSequence:
		for i, name := range m.names {
			if err := add(name, float64(i)); err != nil {
				return nil, err
			}
		}
	case kindPositions:
		for _, f := range m.fields {
			pos, err := parsePosition(f.Position)
			if err != nil {
				return nil, fmt.Errorf("%w: field %q: %v", ErrInvalidFieldMap, f.Name, err)
			}
			if err := add(f.Name, pos); err != nil {
				return nil, err
			}
		}
	}

	sort.SliceStable(slots, func(i, j int) bool {
		return slots[i].position < slots[j].position
	})
	return slots, nil
}

// parsePosition reads a position as a number. Strings may carry a leading
// '$' in the style of Postgres placeholders.
func parsePosition(v any) (float64, error) {
	if s, ok := v.(string); ok {
		v = strings.TrimPrefix(strings.TrimSpace(s), "$")
	}
	f, ok := core.ToFloat64(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("position %v is not a number", v)
	}
	return f, nil
}

// UnmarshalJSON accepts either an object of name→position, whose key order
// is kept for tie-breaking, or an array of names.
func (m *FieldMap) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("%w: empty JSON", ErrInvalidFieldMap)
	}

	switch trimmed[0] {
	case '[':
		var names []string
		if err := json.Unmarshal(trimmed, &names); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidFieldMap, err)
		}
		*m = Sequence(names...)
		return nil
	case '{':
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		if _, err := dec.Token(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidFieldMap, err)
		}
		var fields []Field
		for dec.More() {
			tok, err := dec.Token()
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidFieldMap, err)
			}
			name, _ := tok.(string)
			var pos any
			if err := dec.Decode(&pos); err != nil {
				return fmt.Errorf("%w: field %q: %v", ErrInvalidFieldMap, name, err)
			}
			if n, ok := pos.(json.Number); ok {
				pos = n.String()
			}
			fields = append(fields, Field{Name: name, Position: pos})
		}
		*m = OrderedPositions(fields...)
		return nil
	default:
		return fmt.Errorf("%w: expected object or array", ErrInvalidFieldMap)
	}
}

// UnmarshalYAML accepts a mapping of name→position, in document order, or
// a sequence of names.
func (m *FieldMap) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var names []string
		if err := node.Decode(&names); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidFieldMap, err)
		}
		*m = Sequence(names...)
		return nil
	case yaml.MappingNode:
		fields := make([]Field, 0, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, value := node.Content[i], node.Content[i+1]
			if value.Kind != yaml.ScalarNode {
				return fmt.Errorf("%w: field %q: position must be a scalar", ErrInvalidFieldMap, key.Value)
			}
			fields = append(fields, Field{Name: key.Value, Position: value.Value})
		}
		*m = OrderedPositions(fields...)
		return nil
	default:
		return fmt.Errorf("%w: expected mapping or sequence", ErrInvalidFieldMap)
	}
}
