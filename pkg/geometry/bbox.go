package geometry

import "math"

// BBox is the axis-aligned bounding box of an element, plus a complexity
// metric (details) and the length of the x-y diagonal (size).
type BBox struct {
	LowX    float64 `json:"lowx"`
	LowY    float64 `json:"lowy"`
	LowZ    float64 `json:"lowz"`
	HighX   float64 `json:"highx"`
	HighY   float64 `json:"highy"`
	HighZ   float64 `json:"highz"`
	Size    float64 `json:"size"`
	Details int64   `json:"details"`
}

// Bounds computes the bounding box of an element.  Point-like elements with
// no extent get a degenerate half-pixel box so they remain discoverable by
// spatial queries.  The function is pure: it never modifies the element.
func Bounds(element Element) BBox {
	var bbox BBox
	if points, ok := element.Points("points"); ok && len(points) > 0 {
		bbox.LowX, bbox.LowY, bbox.LowZ = points[0][0], points[0][1], points[0][2]
		bbox.HighX, bbox.HighY, bbox.HighZ = bbox.LowX, bbox.LowY, bbox.LowZ
		for _, p := range points[1:] {
			bbox.LowX = math.Min(bbox.LowX, p[0])
			bbox.LowY = math.Min(bbox.LowY, p[1])
			bbox.LowZ = math.Min(bbox.LowZ, p[2])
			bbox.HighX = math.Max(bbox.HighX, p[0])
			bbox.HighY = math.Max(bbox.HighY, p[1])
			bbox.HighZ = math.Max(bbox.HighZ, p[2])
		}
		bbox.Details = int64(len(points))
	} else if origin, ok := element.Coord("origin"); ok {
		// griddata: origin plus dx/dy spacing over a gridWidth x rows lattice.
		values, _ := element.Values("values")
		gridWidth, _ := element.Float("gridWidth")
		dx, hasDX := element.Float("dx")
		dy, hasDY := element.Float("dy")
		if !hasDX {
			dx = 1
		}
		if !hasDY {
			dy = 1
		}
		w := math.Max(gridWidth-1, 0)
		var h float64
		if gridWidth >= 1 && len(values) > 0 {
			h = math.Max(math.Ceil(float64(len(values))/gridWidth)-1, 0)
		}
		bbox.LowX = math.Min(origin[0], origin[0]+dx*w)
		bbox.HighX = math.Max(origin[0], origin[0]+dx*w)
		bbox.LowY = math.Min(origin[1], origin[1]+dy*h)
		bbox.HighY = math.Max(origin[1], origin[1]+dy*h)
		bbox.LowZ, bbox.HighZ = origin[2], origin[2]
		bbox.Details = int64(len(values))
		if bbox.Details < 1 {
			bbox.Details = 1
		}
	} else {
		center, _ := element.Coord("center")
		if center == nil {
			center = []float64{0, 0, 0}
		}
		bbox.LowZ, bbox.HighZ = center[2], center[2]
		if width, ok := element.Float("width"); ok {
			height, _ := element.Float("height")
			w := width * 0.5
			h := height * 0.5
			if rotation, ok := element.Float("rotation"); ok && rotation != 0 {
				absin := math.Abs(math.Sin(rotation))
				abcos := math.Abs(math.Cos(rotation))
				w, h = math.Max(abcos*w, absin*h), math.Max(absin*w, abcos*h)
			}
			bbox.LowX, bbox.HighX = center[0]-w, center[0]+w
			bbox.LowY, bbox.HighY = center[1]-h, center[1]+h
			bbox.Details = 4
		} else if radius, ok := element.Float("radius"); ok {
			bbox.LowX, bbox.HighX = center[0]-radius, center[0]+radius
			bbox.LowY, bbox.HighY = center[1]-radius, center[1]+radius
			bbox.Details = 4
		} else {
			// Points have no dimension; give the box some extent.
			bbox.LowX, bbox.HighX = center[0]-0.5, center[0]+0.5
			bbox.LowY, bbox.HighY = center[1]-0.5, center[1]+0.5
			bbox.Details = 1
		}
	}
	bbox.Size = math.Hypot(bbox.HighX-bbox.LowX, bbox.HighY-bbox.LowY)
	return bbox
}
