// Package query translates region descriptors into element cursor plans.  A
// region restricts which elements of an annotation are fetched: a spatial
// box, a minimum on-screen size, a detail budget and paging.
package query

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Region describes a spatial / level-of-detail query over the elements of an
// annotation.
type Region struct {
	Left        *float64
	Right       *float64
	Top         *float64
	Bottom      *float64
	Low         *float64
	High        *float64
	MinimumSize *float64

	Sort       string
	SortDir    int
	Limit      int64
	Offset     int64
	MaxDetails int64
	Centroids  bool
}

// Info is the query side channel returned with element results.
type Info struct {
	Count      int64    `json:"count"`
	Offset     int64    `json:"offset"`
	Returned   int64    `json:"returned"`
	Details    int64    `json:"details"`
	Filter     string   `json:"filter"`
	Sort       []any    `json:"sort"`
	Limit      int64    `json:"limit,omitempty"`
	MaxDetails int64    `json:"maxDetails,omitempty"`
	Centroids  bool     `json:"centroids,omitempty"`
	Props      [][]any  `json:"props,omitempty"`
	PropsKeys  []string `json:"propskeys,omitempty"`
}

// PropsKeys are the element properties deduplicated into the props table of a
// centroid response.
var PropsKeys = []string{"type", "fillColor", "lineColor", "lineWidth", "closed"}

// Condition is one bbox comparison of the cursor plan.
type Condition struct {
	Column string
	Op     string
	Value  float64
}

// bboxKeys maps region keys to the bbox column and operator that implement
// them.  An element is included when its bounding box at least partially
// intersects the requested area.
var bboxKeys = map[string]struct {
	column string
	op     string
}{
	"left":        {"highx", ">="},
	"right":       {"lowx", "<"},
	"top":         {"highy", ">="},
	"bottom":      {"lowy", "<"},
	"low":         {"highz", ">="},
	"high":        {"lowz", "<"},
	"minimumSize": {"size", ">="},
}

// sortColumns are the recognized sort keys.  Anything else sorts by id.
var sortColumns = map[string]string{
	"size":     "size",
	"details":  "details",
	"created":  "created",
	"_version": "version",
	"version":  "version",
	"_id":      "id",
	"id":       "id",
}

// ParseRegion builds a region from request query values.  Unrecognized keys
// are ignored; malformed values for recognized keys are an error.
func ParseRegion(values url.Values) (*Region, error) {
	r := &Region{SortDir: 1}
	for key := range bboxKeys {
		raw := values.Get(key)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid %s", key)
		}
		r.setBound(key, v)
	}
	if raw := values.Get("sort"); raw != "" {
		r.Sort = raw
	}
	if raw := values.Get("sortdir"); raw != "" {
		dir, err := strconv.Atoi(raw)
		if err != nil || (dir != 1 && dir != -1) {
			return nil, errors.Errorf("invalid sortdir %q", raw)
		}
		r.SortDir = dir
	}
	var err error
	if r.Limit, err = parseCount(values, "limit"); err != nil {
		return nil, err
	}
	if r.Offset, err = parseCount(values, "offset"); err != nil {
		return nil, err
	}
	if r.MaxDetails, err = parseCount(values, "maxDetails"); err != nil {
		return nil, err
	}
	r.Centroids = strings.EqualFold(values.Get("centroids"), "true")
	return r, nil
}

func parseCount(values url.Values, key string) (int64, error) {
	raw := values.Get(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, errors.Errorf("invalid %s %q", key, raw)
	}
	return v, nil
}

func (r *Region) setBound(key string, v float64) {
	value := v
	switch key {
	case "left":
		r.Left = &value
	case "right":
		r.Right = &value
	case "top":
		r.Top = &value
	case "bottom":
		r.Bottom = &value
	case "low":
		r.Low = &value
	case "high":
		r.High = &value
	case "minimumSize":
		r.MinimumSize = &value
	}
}

// Conditions returns the bbox comparisons for the region.  Lower-bound
// comparisons against non-positive thresholds are vacuous and dropped.
func (r *Region) Conditions() []Condition {
	if r == nil {
		return nil
	}
	var conds []Condition
	add := func(key string, v *float64) {
		if v == nil {
			return
		}
		spec := bboxKeys[key]
		if spec.op == ">=" && *v <= 0 {
			return
		}
		conds = append(conds, Condition{Column: spec.column, Op: spec.op, Value: *v})
	}
	add("left", r.Left)
	add("right", r.Right)
	add("top", r.Top)
	add("bottom", r.Bottom)
	add("low", r.Low)
	add("high", r.High)
	add("minimumSize", r.MinimumSize)
	return conds
}

// SortPlan resolves the sort column and direction.  Unrecognized sort keys
// fall back to id.
func (r *Region) SortPlan() (column string, dir int) {
	if r == nil {
		return "id", 1
	}
	column, ok := sortColumns[r.Sort]
	if !ok {
		column = "id"
	}
	dir = r.SortDir
	if dir == 0 {
		dir = 1
	}
	return column, dir
}

// EffectiveLimit is the row cap handed to the cursor: maxDetails bounds the
// number of rows as well, since every element contributes at least one detail.
func (r *Region) EffectiveLimit() int64 {
	if r == nil {
		return 0
	}
	if r.MaxDetails > 0 && (r.Limit == 0 || r.MaxDetails < r.Limit) {
		return r.MaxDetails
	}
	return r.Limit
}
