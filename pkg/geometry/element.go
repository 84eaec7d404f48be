// Package geometry defines annotation element shapes and the bounding box
// computation used for spatial indexing.
package geometry

import (
	"regexp"
)

// Element is a raw annotation element as decoded from JSON.  The shape
// variants share a common set of optional style fields; the "type" tag selects
// the variant.  The payload is kept in map form so that it round-trips through
// storage byte-for-byte and so the structural validator can compare shapes
// generically.
type Element map[string]any

// ShapeTypes lists the recognized element type tags.
var ShapeTypes = []string{
	"arrow", "circle", "ellipse", "griddata", "heatmap",
	"point", "polyline", "rectangle", "rectanglegrid",
}

// IDPattern matches the opaque 24 character hex identifiers used for
// annotations and elements.
var IDPattern = regexp.MustCompile(`^[0-9a-f]{24}$`)

// ColorPattern accepts #rgb, #rrggbb, rgb(r,g,b) and rgba(r,g,b,a) forms.
var ColorPattern = regexp.MustCompile(
	`^(#[0-9a-fA-F]{3,6}|rgb\(\d+,\s*\d+,\s*\d+\)|rgba\(\d+,\s*\d+,\s*\d+,\s*(\d?\.|)\d+\))$`)

// Type returns the element's type tag, or an empty string.
func (e Element) Type() string {
	t, _ := e["type"].(string)
	return t
}

// ID returns the element id, or an empty string when unassigned.
func (e Element) ID() string {
	id, _ := e["id"].(string)
	return id
}

// SetID assigns the element id in place.
func (e Element) SetID(id string) {
	e["id"] = id
}

// Group returns the element group tag.  ok is false when the element has no
// group (the ungrouped, "null", case).
func (e Element) Group() (group string, ok bool) {
	group, ok = e["group"].(string)
	return group, ok
}

// Float reads a numeric field.  JSON decoding yields float64 for all numbers,
// but ints can appear when elements are constructed programmatically.
func (e Element) Float(key string) (float64, bool) {
	return toFloat(e[key])
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Coord reads a field as an [x, y, z] coordinate.
func (e Element) Coord(key string) ([]float64, bool) {
	return toCoord(e[key], 3)
}

// Points reads a field as a list of coordinate tuples.  Tuples of any width
// of at least 2 are accepted, such as 3 (coordinates) and 4 (coordinate plus
// value, as in heatmaps).
func (e Element) Points(key string) ([][]float64, bool) {
	raw, ok := e[key].([]any)
	if !ok {
		return nil, false
	}
	points := make([][]float64, 0, len(raw))
	for _, entry := range raw {
		pt, ok := toCoord(entry, 0)
		if !ok {
			return nil, false
		}
		points = append(points, pt)
	}
	return points, true
}

// Values reads a flat numeric array field, such as griddata values.
func (e Element) Values(key string) ([]float64, bool) {
	raw, ok := e[key].([]any)
	if !ok {
		return nil, false
	}
	values := make([]float64, 0, len(raw))
	for _, entry := range raw {
		v, ok := toFloat(entry)
		if !ok {
			return nil, false
		}
		values = append(values, v)
	}
	return values, true
}

// toCoord converts a raw JSON array into a float tuple.  width of 0 accepts
// any length >= 2; otherwise the tuple must be exactly width long.
func toCoord(v any, width int) ([]float64, bool) {
	raw, ok := v.([]any)
	if !ok {
		return nil, false
	}
	if width > 0 && len(raw) != width {
		return nil, false
	}
	if width == 0 && len(raw) < 2 {
		return nil, false
	}
	coord := make([]float64, len(raw))
	for i, entry := range raw {
		f, ok := toFloat(entry)
		if !ok {
			return nil, false
		}
		coord[i] = f
	}
	return coord, true
}

// Copy returns a shallow copy of the element.  Nested values are shared.
func (e Element) Copy() Element {
	out := make(Element, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}
