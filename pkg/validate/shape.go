package validate

import (
	"math"

	"github.com/wholeslide/annostore/pkg/geometry"
)

// shapeRule describes the checks for one element variant.
type shapeRule struct {
	required []string
	fields   map[string]fieldCheck
}

type fieldCheck func(el geometry.Element, key string) error

var baseFields = map[string]fieldCheck{
	"id":        checkID,
	"type":      checkString,
	"user":      checkObject,
	"label":     checkLabel,
	"lineColor": checkColor,
	"lineWidth": checkNonNegative,
	"group":     checkString,
}

var shapeRules = map[string]shapeRule{
	"point": {
		required: []string{"center"},
		fields: map[string]fieldCheck{
			"center":    checkCoord,
			"fillColor": checkColor,
		},
	},
	"arrow": {
		required: []string{"points"},
		fields: map[string]fieldCheck{
			"points":    checkPointPair,
			"fillColor": checkColor,
		},
	},
	"circle": {
		required: []string{"center", "radius"},
		fields: map[string]fieldCheck{
			"center":    checkCoord,
			"radius":    checkNonNegative,
			"fillColor": checkColor,
		},
	},
	"polyline": {
		required: []string{"points"},
		fields: map[string]fieldCheck{
			"points":    checkPointList,
			"closed":    checkBool,
			"holes":     checkHoles,
			"fillColor": checkColor,
		},
	},
	"rectangle": {
		required: []string{"center", "width", "height"},
		fields:   rectangleFields,
	},
	"ellipse": {
		required: []string{"center", "width", "height"},
		fields:   rectangleFields,
	},
	"rectanglegrid": {
		required: []string{"center", "width", "height", "widthSubdivisions", "heightSubdivisions"},
		fields: merge(rectangleFields, map[string]fieldCheck{
			"widthSubdivisions":  checkPositiveInt,
			"heightSubdivisions": checkPositiveInt,
		}),
	},
	"heatmap": {
		required: []string{"points"},
		fields: map[string]fieldCheck{
			"points":         checkValuePoints,
			"radius":         checkPositive,
			"colorRange":     checkColorList,
			"rangeValues":    checkNumberList,
			"normalizeRange": checkBool,
			"fillColor":      checkColor,
		},
	},
	"griddata": {
		required: []string{"values", "gridWidth"},
		fields: map[string]fieldCheck{
			"origin":         checkCoord,
			"dx":             checkNumber,
			"dy":             checkNumber,
			"gridWidth":      checkPositiveInt,
			"values":         checkNumberList,
			"interpretation": checkEnum("heatmap", "contour", "choropleth"),
			"radius":         checkPositive,
			"colorRange":     checkColorList,
			"rangeValues":    checkNumberList,
			"normalizeRange": checkBool,
			"stepped":        checkBool,
			"minColor":       checkColor,
			"maxColor":       checkColor,
			"fillColor":      checkColor,
		},
	},
}

var rectangleFields = map[string]fieldCheck{
	"center":    checkCoord,
	"width":     checkNonNegative,
	"height":    checkNonNegative,
	"rotation":  checkNumber,
	"normal":    checkCoord,
	"fillColor": checkColor,
}

func merge(maps ...map[string]fieldCheck) map[string]fieldCheck {
	out := map[string]fieldCheck{}
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// Shape fully validates a single element against its variant's rules.
func Shape(element geometry.Element) error {
	rule, ok := shapeRules[element.Type()]
	if !ok {
		return Invalidf("unknown element type %q", element.Type())
	}
	for _, key := range rule.required {
		if _, present := element[key]; !present {
			return Invalidf("%s element requires %q", element.Type(), key)
		}
	}
	for key := range element {
		if key == "type" {
			continue
		}
		check := rule.fields[key]
		if check == nil {
			check = baseFields[key]
		}
		if check == nil {
			return Invalidf("%s element has unknown field %q", element.Type(), key)
		}
		if err := check(element, key); err != nil {
			return err
		}
	}
	return nil
}

func checkString(el geometry.Element, key string) error {
	if _, ok := el[key].(string); !ok {
		return Invalidf("%q must be a string", key)
	}
	return nil
}

func checkBool(el geometry.Element, key string) error {
	if _, ok := el[key].(bool); !ok {
		return Invalidf("%q must be a boolean", key)
	}
	return nil
}

func checkObject(el geometry.Element, key string) error {
	if _, ok := el[key].(map[string]any); !ok {
		return Invalidf("%q must be an object", key)
	}
	return nil
}

func checkID(el geometry.Element, key string) error {
	id, ok := el[key].(string)
	if !ok || !geometry.IDPattern.MatchString(id) {
		return Invalidf("%q must be a 24 character hex string", key)
	}
	return nil
}

func checkNumber(el geometry.Element, key string) error {
	if _, ok := el.Float(key); !ok {
		return Invalidf("%q must be a number", key)
	}
	return nil
}

func checkNonNegative(el geometry.Element, key string) error {
	v, ok := el.Float(key)
	if !ok || v < 0 {
		return Invalidf("%q must be a non-negative number", key)
	}
	return nil
}

func checkPositive(el geometry.Element, key string) error {
	v, ok := el.Float(key)
	if !ok || v <= 0 {
		return Invalidf("%q must be a positive number", key)
	}
	return nil
}

func checkPositiveInt(el geometry.Element, key string) error {
	v, ok := el.Float(key)
	if !ok || v < 1 || v != math.Trunc(v) {
		return Invalidf("%q must be an integer >= 1", key)
	}
	return nil
}

func checkColor(el geometry.Element, key string) error {
	color, ok := el[key].(string)
	if !ok || !geometry.ColorPattern.MatchString(color) {
		return Invalidf("%q must be a color", key)
	}
	return nil
}

func checkCoord(el geometry.Element, key string) error {
	if _, ok := el.Coord(key); !ok {
		return Invalidf("%q must be an [x, y, z] coordinate", key)
	}
	return nil
}

func checkPointPair(el geometry.Element, key string) error {
	points, ok := el.Points(key)
	if !ok || len(points) != 2 || !uniformWidth(points, 3) {
		return Invalidf("%q must be exactly two [x, y, z] coordinates", key)
	}
	return nil
}

func checkPointList(el geometry.Element, key string) error {
	points, ok := el.Points(key)
	if !ok || len(points) < 2 || !uniformWidth(points, 3) {
		return Invalidf("%q must be at least two [x, y, z] coordinates", key)
	}
	return nil
}

func checkValuePoints(el geometry.Element, key string) error {
	points, ok := el.Points(key)
	if !ok || !uniformWidth(points, 4) {
		return Invalidf("%q must be [x, y, z, value] tuples", key)
	}
	return nil
}

func checkHoles(el geometry.Element, key string) error {
	loops, ok := el[key].([]any)
	if !ok {
		return Invalidf("%q must be a list of coordinate loops", key)
	}
	for _, loop := range loops {
		raw, ok := loop.([]any)
		if !ok {
			return Invalidf("%q must be a list of coordinate loops", key)
		}
		for _, entry := range raw {
			if _, ok := asCoord(entry); !ok {
				return Invalidf("%q loops must contain [x, y, z] coordinates", key)
			}
		}
	}
	return nil
}

func checkColorList(el geometry.Element, key string) error {
	raw, ok := el[key].([]any)
	if !ok {
		return Invalidf("%q must be a list of colors", key)
	}
	for _, entry := range raw {
		color, ok := entry.(string)
		if !ok || !geometry.ColorPattern.MatchString(color) {
			return Invalidf("%q must be a list of colors", key)
		}
	}
	return nil
}

func checkNumberList(el geometry.Element, key string) error {
	if _, ok := el.Values(key); !ok {
		return Invalidf("%q must be a list of numbers", key)
	}
	return nil
}

func checkLabel(el geometry.Element, key string) error {
	label, ok := el[key].(map[string]any)
	if !ok {
		return Invalidf("%q must be an object", key)
	}
	if _, ok := label["value"].(string); !ok {
		return Invalidf("label value must be a string")
	}
	for k, v := range label {
		switch k {
		case "value":
		case "visibility":
			s, ok := v.(string)
			if !ok || (s != "hidden" && s != "always" && s != "onhover") {
				return Invalidf("label visibility must be hidden, always or onhover")
			}
		case "fontSize":
			f, ok := toNumber(v)
			if !ok || f <= 0 {
				return Invalidf("label fontSize must be a positive number")
			}
		case "color":
			s, ok := v.(string)
			if !ok || !geometry.ColorPattern.MatchString(s) {
				return Invalidf("label color must be a color")
			}
		default:
			return Invalidf("label has unknown field %q", k)
		}
	}
	return nil
}

func checkEnum(values ...string) fieldCheck {
	return func(el geometry.Element, key string) error {
		v, ok := el[key].(string)
		if ok {
			for _, allowed := range values {
				if v == allowed {
					return nil
				}
			}
		}
		return Invalidf("%q must be one of %v", key, values)
	}
}

func uniformWidth(points [][]float64, width int) bool {
	for _, p := range points {
		if len(p) != width {
			return false
		}
	}
	return true
}

func asCoord(v any) ([]float64, bool) {
	raw, ok := v.([]any)
	if !ok || len(raw) != 3 {
		return nil, false
	}
	coord := make([]float64, 3)
	for i, entry := range raw {
		f, ok := toNumber(entry)
		if !ok {
			return nil, false
		}
		coord[i] = f
	}
	return coord, true
}

func toNumber(v any) (float64, bool) {
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
