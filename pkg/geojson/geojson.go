// Package geojson converts between annotation elements and GeoJSON feature
// geometries.  Points, polylines, rectangles, ellipses and circles map both
// ways; heatmaps, grid data, arrows and rectangle grids have no GeoJSON
// representation and are skipped or rejected.
package geojson

import (
	"math"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/wholeslide/annostore/pkg/geometry"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// passthroughProps are element fields carried into feature properties and
// back unchanged.
var passthroughProps = []string{
	"id", "label", "group", "user", "lineColor", "lineWidth",
	"fillColor", "radius", "width", "height", "rotation", "normal",
}

var geometryTypes = map[string]struct{}{
	"Point": {}, "LineString": {}, "Polygon": {}, "MultiPoint": {},
	"MultiLineString": {}, "MultiPolygon": {},
}

// IsGeoJSON reports whether a decoded JSON value looks like a GeoJSON record.
func IsGeoJSON(v any) bool {
	if list, ok := v.([]any); ok {
		if len(list) < 1 {
			return false
		}
		v = list[0]
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return false
	}
	t, _ := obj["type"].(string)
	switch t {
	case "Feature", "FeatureCollection", "GeometryCollection":
		return true
	}
	_, geom := geometryTypes[t]
	return geom
}

// FromElements converts elements into a GeoJSON FeatureCollection.  The
// annotation body (name, description, attributes) rides on the first
// feature's properties under the "annotation" key.  With mustConvert set an
// unrepresentable element is an error; otherwise it is skipped.
func FromElements(body map[string]any, elements []geometry.Element, mustConvert bool) (map[string]any, error) {
	features := []any{}
	for _, element := range elements {
		feature := elementToFeature(element)
		if feature == nil {
			if mustConvert {
				return nil, errors.Errorf(
					"element of type %s cannot be represented as geojson", element.Type())
			}
			continue
		}
		if len(features) == 0 && body != nil {
			feature["properties"].(map[string]any)["annotation"] = body
		}
		features = append(features, feature)
	}
	return map[string]any{
		"type":     "FeatureCollection",
		"features": features,
	}, nil
}

func elementToFeature(element geometry.Element) map[string]any {
	props := map[string]any{}
	for _, key := range passthroughProps {
		if v, ok := element[key]; ok {
			props[key] = v
		}
	}
	geom := map[string]any{}
	switch element.Type() {
	case "point":
		geom["type"] = "Point"
		geom["coordinates"] = element["center"]
	case "polyline":
		polylineGeometry(element, geom)
	case "rectangle", "ellipse":
		rectangleGeometry(element, geom)
	case "circle":
		circleGeometry(element, geom)
	default:
		return nil
	}
	result := map[string]any{
		"type":       "Feature",
		"geometry":   geom,
		"properties": props,
	}
	// Shapes that render as a generic geometry remember their element type.
	geomType, _ := geom["type"].(string)
	if !strings.EqualFold(geomType, element.Type()) {
		props["type"] = element.Type()
	}
	return result
}

func polylineGeometry(element geometry.Element, geom map[string]any) {
	closed, _ := element["closed"].(bool)
	points, _ := element.Points("points")
	if closed {
		ring := closeLoop(points)
		coords := []any{ring}
		if holes, ok := element["holes"].([]any); ok {
			for _, hole := range holes {
				raw, ok := hole.([]any)
				if !ok {
					continue
				}
				loop := make([][]float64, 0, len(raw))
				for _, pt := range raw {
					coord, ok := toCoord(pt)
					if !ok {
						continue
					}
					loop = append(loop, coord)
				}
				coords = append(coords, closeLoop(loop))
			}
		}
		geom["type"] = "Polygon"
		geom["coordinates"] = coords
	} else {
		geom["type"] = "LineString"
		geom["coordinates"] = points
	}
}

func closeLoop(points [][]float64) [][]float64 {
	loop := append([][]float64{}, points...)
	if len(loop) > 0 {
		loop = append(loop, loop[0])
	}
	return loop
}

func rectangleGeometry(element geometry.Element, geom map[string]any) {
	center, _ := element.Coord("center")
	width, _ := element.Float("width")
	height, _ := element.Float("height")
	rotation, _ := element.Float("rotation")
	x, y, z := center[0], center[1], center[2]
	left, right := x-width/2, x+width/2
	top, bottom := y-height/2, y+height/2
	geom["type"] = "Polygon"
	geom["coordinates"] = [][][]float64{{
		rotate(rotation, x, y, left, top, z),
		rotate(rotation, x, y, right, top, z),
		rotate(rotation, x, y, right, bottom, z),
		rotate(rotation, x, y, left, bottom, z),
		rotate(rotation, x, y, left, top, z),
	}}
}

func rotate(r, cx, cy, x, y, z float64) []float64 {
	if r == 0 {
		return []float64{x, y, z}
	}
	cosr, sinr := math.Cos(r), math.Sin(r)
	x -= cx
	y -= cy
	return []float64{x*cosr - y*sinr + cx, x*sinr + y*cosr + cy, z}
}

func circleGeometry(element geometry.Element, geom map[string]any) {
	center, _ := element.Coord("center")
	radius, _ := element.Float("radius")
	x, y, z := center[0], center[1], center[2]
	geom["type"] = "Polygon"
	geom["coordinates"] = [][][]float64{{
		{x - radius, y - radius, z},
		{x + radius, y - radius, z},
		{x + radius, y + radius, z},
		{x - radius, y + radius, z},
		{x - radius, y - radius, z},
	}}
}

// Annotation is the result of parsing a GeoJSON document: an annotation body
// with the recovered elements.
type Annotation struct {
	Body     map[string]any
	Elements []geometry.Element
}

// Parse decodes GeoJSON bytes into annotation elements.
func Parse(data []byte) (*Annotation, error) {
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, errors.Wrap(err, "parse geojson")
	}
	return FromJSON(decoded)
}

// FromJSON converts a decoded GeoJSON value into annotation elements.
func FromJSON(decoded any) (*Annotation, error) {
	a := &Annotation{Body: map[string]any{}}
	a.parseFeature(decoded)
	return a, nil
}

func (a *Annotation) parseFeature(v any) {
	if list, ok := v.([]any); ok {
		for _, entry := range list {
			a.parseFeature(entry)
		}
		return
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return
	}
	t, _ := obj["type"].(string)
	switch {
	case t == "FeatureCollection":
		a.parseFeature(obj["features"])
		return
	case t == "GeometryCollection":
		if geometries, ok := obj["geometries"].([]any); ok {
			for _, geom := range geometries {
				a.parseFeature(map[string]any{"type": "Feature", "geometry": geom})
			}
		}
		return
	}
	if _, geom := geometryTypes[t]; geom {
		obj = map[string]any{"type": "Feature", "geometry": obj}
		t = "Feature"
	}
	if t != "Feature" {
		return
	}
	props, _ := obj["properties"].(map[string]any)
	element := geometry.Element{}
	for _, key := range passthroughProps {
		if v, ok := props[key]; ok {
			element[key] = v
		}
	}
	if body, ok := props["annotation"].(map[string]any); ok {
		for k, v := range body {
			if k != "elements" {
				a.Body[k] = v
			}
		}
	}
	geom, _ := obj["geometry"].(map[string]any)
	if geom == nil {
		return
	}
	elemType, _ := props["type"].(string)
	if elemType == "" {
		elemType, _ = geom["type"].(string)
	}
	results := convertGeometry(elemType, geom, element)
	a.Elements = append(a.Elements, results...)
}

func convertGeometry(elemType string, geom map[string]any, element geometry.Element) []geometry.Element {
	coords := geom["coordinates"]
	geomType, _ := geom["type"].(string)
	switch strings.ToLower(elemType) {
	case "circle":
		return []geometry.Element{circleElement(coords, element)}
	case "ellipse":
		result := rectangleElement(coords, element)
		result["type"] = "ellipse"
		return []geometry.Element{result}
	case "rectangle":
		return []geometry.Element{rectangleElement(coords, element)}
	case "point":
		if geomType == "MultiPoint" {
			return multiPointElements(coords, element)
		}
		return []geometry.Element{pointElement(coords, element)}
	case "polyline":
		if geomType == "LineString" {
			return []geometry.Element{lineStringElement(coords, element)}
		}
		return []geometry.Element{polygonElement(coords, element)}
	case "polygon":
		return []geometry.Element{polygonElement(coords, element)}
	case "linestring":
		return []geometry.Element{lineStringElement(coords, element)}
	case "multipoint":
		return multiPointElements(coords, element)
	case "multilinestring":
		return multiLineStringElements(coords, element)
	case "multipolygon":
		return multiPolygonElements(coords, element)
	}
	return nil
}

func toCoord(v any) ([]float64, bool) {
	raw, ok := v.([]any)
	if !ok {
		return nil, false
	}
	coord := make([]float64, 0, 3)
	for _, entry := range raw {
		f, ok := entry.(float64)
		if !ok {
			if i, isInt := entry.(int); isInt {
				f = float64(i)
			} else {
				return nil, false
			}
		}
		coord = append(coord, f)
	}
	for len(coord) < 3 {
		coord = append(coord, 0)
	}
	return coord[:3], true
}

func toRing(v any) [][]float64 {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	ring := make([][]float64, 0, len(raw))
	for _, entry := range raw {
		coord, ok := toCoord(entry)
		if !ok {
			continue
		}
		ring = append(ring, coord)
	}
	return ring
}

func coordsToAny(points [][]float64) []any {
	out := make([]any, len(points))
	for i, p := range points {
		out[i] = []any{p[0], p[1], p[2]}
	}
	return out
}

func pointElement(coords any, element geometry.Element) geometry.Element {
	result := element.Copy()
	coord, _ := toCoord(coords)
	if coord == nil {
		coord = []float64{0, 0, 0}
	}
	result["type"] = "point"
	result["center"] = []any{coord[0], coord[1], coord[2]}
	return result
}

func multiPointElements(coords any, element geometry.Element) []geometry.Element {
	raw, _ := coords.([]any)
	results := make([]geometry.Element, 0, len(raw))
	for _, entry := range raw {
		results = append(results, pointElement(entry, element))
	}
	return results
}

func lineStringElement(coords any, element geometry.Element) geometry.Element {
	result := element.Copy()
	result["type"] = "polyline"
	result["closed"] = false
	result["points"] = coordsToAny(toRing(coords))
	return result
}

func multiLineStringElements(coords any, element geometry.Element) []geometry.Element {
	raw, _ := coords.([]any)
	results := make([]geometry.Element, 0, len(raw))
	for _, entry := range raw {
		results = append(results, lineStringElement(entry, element))
	}
	return results
}

// polygonElement recovers a closed polyline, dropping each ring's repeated
// final point and putting inner rings into holes.
func polygonElement(coords any, element geometry.Element) geometry.Element {
	result := element.Copy()
	result["type"] = "polyline"
	result["closed"] = true
	rings, _ := coords.([]any)
	if len(rings) > 0 {
		result["points"] = coordsToAny(openLoop(toRing(rings[0])))
		if len(rings) > 1 {
			holes := make([]any, 0, len(rings)-1)
			for _, ring := range rings[1:] {
				holes = append(holes, coordsToAny(openLoop(toRing(ring))))
			}
			result["holes"] = holes
		}
	}
	return result
}

func openLoop(ring [][]float64) [][]float64 {
	if len(ring) > 1 {
		return ring[:len(ring)-1]
	}
	return ring
}

func multiPolygonElements(coords any, element geometry.Element) []geometry.Element {
	raw, _ := coords.([]any)
	results := make([]geometry.Element, 0, len(raw))
	for _, entry := range raw {
		results = append(results, polygonElement(entry, element))
	}
	return results
}

func rectangleElement(coords any, element geometry.Element) geometry.Element {
	result := element.Copy()
	rings, _ := coords.([]any)
	var ring [][]float64
	if len(rings) > 0 {
		ring = toRing(rings[0])
	}
	if len(ring) < 4 {
		result["type"] = "rectangle"
		return result
	}
	var cx, cy float64
	for _, pt := range ring[:4] {
		cx += pt[0]
		cy += pt[1]
	}
	cx /= 4
	cy /= 4
	cz := ring[0][2]
	width := math.Hypot(ring[0][0]-ring[1][0], ring[0][1]-ring[1][1])
	height := math.Hypot(ring[1][0]-ring[2][0], ring[1][1]-ring[2][1])
	rotation := math.Atan2(ring[1][1]-ring[0][1], ring[1][0]-ring[0][0])
	result["type"] = "rectangle"
	result["center"] = []any{cx, cy, cz}
	result["width"] = width
	result["height"] = height
	result["rotation"] = rotation
	return result
}

func circleElement(coords any, element geometry.Element) geometry.Element {
	result := element.Copy()
	rings, _ := coords.([]any)
	var ring [][]float64
	if len(rings) > 0 {
		ring = toRing(rings[0])
	}
	if len(ring) < 4 {
		result["type"] = "circle"
		return result
	}
	var cx, cy, minX, maxX float64
	minX, maxX = ring[0][0], ring[0][0]
	for _, pt := range ring[:4] {
		cx += pt[0]
		cy += pt[1]
		minX = math.Min(minX, pt[0])
		maxX = math.Max(maxX, pt[0])
	}
	cx /= 4
	cy /= 4
	result["type"] = "circle"
	result["center"] = []any{cx, cy, ring[0][2]}
	result["radius"] = (maxX - minX) / 2
	return result
}
