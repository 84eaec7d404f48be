// Package validate checks annotation payloads against the element shape
// rules.  Validating every element of a large annotation is expensive, so the
// validator keeps the last element that passed full validation and skips any
// element whose structure matches it.
package validate

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/wholeslide/annostore/pkg/geometry"
)

// Arrays longer than this are probed numerically rather than checked
// entry-by-entry.
const validateArrayLength = 1000

// ErrInvalidAnnotation reports a payload that fails validation.
var ErrInvalidAnnotation = errors.New("invalid annotation")

// Invalidf wraps ErrInvalidAnnotation with a description of the failure.
func Invalidf(format string, args ...any) error {
	return errors.Wrapf(ErrInvalidAnnotation, format, args...)
}

// Validator validates annotation bodies.  It is not safe for concurrent use;
// create one per validation pass.
type Validator struct {
	log *zap.Logger

	lastValidated geometry.Element
}

// New creates a validator.  log may be nil.
func New(log *zap.Logger) *Validator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Validator{log: log}
}

// Annotation validates the header fields and every element.  Elements whose
// structure matches the previously validated one skip the full check.
func (v *Validator) Annotation(name, description string, attributes map[string]any, elements []geometry.Element) error {
	start := time.Now()
	last := start
	if name == "" {
		return Invalidf("name must be a non-empty string")
	}
	for idx, element := range elements {
		restore := v.truncateLargeArray(element)
		if restore != nil {
			if err := restore.probe(); err != nil {
				restore.undo()
				return errors.Wrapf(err, "element %d", idx)
			}
		}
		if !SimilarStructure(map[string]any(v.lastValidated), map[string]any(element), "") {
			if err := Shape(element); err != nil {
				if restore != nil {
					restore.undo()
				}
				return errors.Wrapf(err, "element %d", idx)
			}
			v.lastValidated = element
		}
		if restore != nil {
			restore.undo()
		}
		if time.Since(last) > 10*time.Second {
			v.log.Info("validated elements",
				zap.Int("done", idx+1), zap.Int("total", len(elements)),
				zap.Duration("elapsed", time.Since(start)))
			last = time.Now()
		}
	}
	seen := make(map[string]struct{}, len(elements))
	for _, element := range elements {
		id := element.ID()
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			return Invalidf("element ids are not unique")
		}
		seen[id] = struct{}{}
	}
	return nil
}

// arrayRestore remembers a truncated points/values array so it can be put
// back after validation.
type arrayRestore struct {
	element geometry.Element
	key     string
	full    []any
}

func (r *arrayRestore) undo() {
	r.element[r.key] = r.full
}

// probe verifies the whole array numerically coerces: scalars must be
// numbers, tuples must be uniform numeric tuples.
func (r *arrayRestore) probe() error {
	width := -1
	for _, entry := range r.full {
		switch val := entry.(type) {
		case []any:
			if width == -1 {
				width = len(val)
			} else if len(val) != width {
				return Invalidf("%s entries have mixed lengths", r.key)
			}
			for _, cell := range val {
				if !isNumber(cell) {
					return Invalidf("%s entries must be numeric", r.key)
				}
			}
		default:
			if width > 0 {
				return Invalidf("%s entries have mixed shapes", r.key)
			}
			width = 0
			if !isNumber(val) {
				return Invalidf("%s entries must be numeric", r.key)
			}
		}
	}
	return nil
}

// truncateLargeArray swaps a long points/values array for its first
// validateArrayLength entries, returning the restore record, or nil if the
// element has no long array.
func (v *Validator) truncateLargeArray(element geometry.Element) *arrayRestore {
	for _, key := range []string{"points", "values"} {
		raw, ok := element[key].([]any)
		if ok && len(raw) > validateArrayLength {
			element[key] = raw[:validateArrayLength]
			return &arrayRestore{element: element, key: key, full: raw}
		}
	}
	return nil
}

// SimilarStructure reports whether b has the same structure as a, such that
// if a validated then b must too.  Types must match, dictionaries must have
// the same keys, and arrays the same length.  Numeric values may differ (ints
// and floats are interchangeable; JSON decoding produces float64 for both),
// ids may differ as long as they are well formed, label values may differ,
// and points/values arrays may differ in length when every entry is a numeric
// 3-tuple.
func SimilarStructure(a, b any, parentKey string) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || av == nil || len(av) != len(bv) {
			return false
		}
		for k, aval := range av {
			bval, present := bv[k]
			if !present {
				return false
			}
			if k == "id" {
				id, ok := bval.(string)
				if !ok || !geometry.IDPattern.MatchString(id) {
					return false
				}
			} else if parentKey != "label" || k != "value" {
				if !SimilarStructure(aval, bval, k) {
					return false
				}
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok {
			return false
		}
		if len(av) != len(bv) {
			if (parentKey != "points" && parentKey != "values") || len(av) < 2 || len(bv) < 2 {
				return false
			}
			// An array of points of a different length still validates.
			for _, entry := range bv {
				tuple, ok := entry.([]any)
				if !ok || len(tuple) != 3 ||
					!isNumber(tuple[0]) || !isNumber(tuple[1]) || !isNumber(tuple[2]) {
					return false
				}
			}
			return true
		}
		for idx := range av {
			if !SimilarStructure(av[idx], bv[idx], parentKey) {
				return false
			}
		}
		return true
	default:
		if isNumber(a) {
			return isNumber(b)
		}
		if fmt.Sprintf("%T", a) != fmt.Sprintf("%T", b) {
			return false
		}
		return a == b
	}
}

func isNumber(v any) bool {
	switch v.(type) {
	case float64, float32, int, int64:
		return true
	}
	return false
}
