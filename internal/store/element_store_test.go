package store

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wholeslide/annostore/internal/access"
	"github.com/wholeslide/annostore/pkg/geometry"
	"github.com/wholeslide/annostore/pkg/query"
)

// largeSample tiles rectangles of increasing size across a 10000 x 10000
// plane, one in seventeen kept, the way a low-zoom annotation layer looks.
func largeSample() []geometry.Element {
	rng := rand.New(rand.NewSource(0))
	elements := []geometry.Element{}
	skip := 0
	for z := 0; z < 16; z++ {
		step := 32 * (1 << z)
		if step > 10000 {
			step = 10000
		}
		for y := 0; y < 10000; y += step {
			for x := 0; x < 10000; x += step {
				if skip%17 == 0 {
					elements = append(elements, geometry.Element{
						"type":   "rectangle",
						"center": []any{float64(x) + rng.Float64(), float64(y) + rng.Float64(), 0.0},
						"width":  (8 + rng.Float64()) * float64(int(1)<<z),
						"height": (8 + rng.Float64()) * float64(int(1)<<z),
					})
				}
				skip++
			}
		}
		if 32*(1<<z) > 10000 {
			break
		}
	}
	return elements
}

func createLarge(t *testing.T) (*Store, *Annotation, []geometry.Element) {
	t.Helper()
	s, item, admin := testStore(t)
	elements := largeSample()
	a, err := s.Create(context.Background(), item, admin, Body{
		Name: "sample_large", Elements: elements}, nil)
	require.NoError(t, err)
	return s, a, elements
}

func collect(t *testing.T, s *Store, a *Annotation, region *query.Region) ([]geometry.Element, *query.Info) {
	t.Helper()
	info := &query.Info{}
	cursor, err := s.YieldElements(context.Background(), a, region, info)
	require.NoError(t, err)
	elements, err := cursor.Collect()
	require.NoError(t, err)
	return elements, info
}

// bruteRegion filters elements the slow way for cross-checking.
func bruteRegion(elements []geometry.Element, left, right, top, bottom, minimumSize float64) int {
	count := 0
	for _, element := range elements {
		bbox := geometry.Bounds(element)
		if bbox.HighX >= left && bbox.LowX < right &&
			bbox.HighY >= top && bbox.LowY < bottom &&
			bbox.Size >= minimumSize {
			count++
		}
	}
	return count
}

func TestYieldAllElements(t *testing.T) {
	s, a, elements := createLarge(t)
	got, info := collect(t, s, a, nil)
	require.Len(t, got, len(elements))
	assert.Equal(t, int64(len(elements)), info.Count)
	assert.Equal(t, int64(len(elements)), info.Returned)
	// The default id sort reproduces insertion order.
	for i := range got {
		wantCenter, _ := elements[i].Coord("center")
		gotCenter, _ := got[i].Coord("center")
		require.Equal(t, wantCenter, gotCenter, "element %d out of order", i)
	}
}

func TestYieldLimitOffset(t *testing.T) {
	s, a, elements := createLarge(t)
	got, info := collect(t, s, a, &query.Region{Limit: 100})
	assert.Len(t, got, 100)
	assert.Equal(t, int64(len(elements)), info.Count)
	assert.Equal(t, int64(100), info.Returned)
	assert.Equal(t, int64(100), info.Limit)

	page2, _ := collect(t, s, a, &query.Region{Limit: 100, Offset: 100})
	require.Len(t, page2, 100)
	assert.NotEqual(t, got[0].ID(), page2[0].ID())
}

func TestYieldSpatialRegion(t *testing.T) {
	s, a, elements := createLarge(t)
	left, right, top, bottom := 3000.0, 4000.0, 4500.0, 6500.0
	region := &query.Region{Left: &left, Right: &right, Top: &top, Bottom: &bottom}
	got, _ := collect(t, s, a, region)
	want := bruteRegion(elements, left, right, top, bottom, 0)
	require.Equal(t, want, len(got))
	require.NotZero(t, want)

	// Every returned element actually intersects the box.
	for _, element := range got {
		bbox := geometry.Bounds(element)
		assert.GreaterOrEqual(t, bbox.HighX, left)
		assert.Less(t, bbox.LowX, right)
		assert.GreaterOrEqual(t, bbox.HighY, top)
		assert.Less(t, bbox.LowY, bottom)
	}
}

func TestYieldMinimumSize(t *testing.T) {
	s, a, elements := createLarge(t)
	left, right, top, bottom := 3000.0, 4000.0, 4500.0, 6500.0
	minimumSize := 16.0
	region := &query.Region{
		Left: &left, Right: &right, Top: &top, Bottom: &bottom,
		MinimumSize: &minimumSize,
	}
	got, _ := collect(t, s, a, region)
	want := bruteRegion(elements, left, right, top, bottom, minimumSize)
	require.Equal(t, want, len(got))
	plain := bruteRegion(elements, left, right, top, bottom, 0)
	assert.Less(t, want, plain)
}

func TestYieldMaxDetails(t *testing.T) {
	s, a, _ := createLarge(t)
	got, info := collect(t, s, a, &query.Region{MaxDetails: 300})
	// Rectangles have details 4, so the budget admits 75 elements.
	assert.Len(t, got, 75)
	assert.Equal(t, int64(300), info.Details)
	assert.Equal(t, int64(300), info.MaxDetails)
	assert.Equal(t, int64(75), info.Returned)
}

func TestYieldSortBySize(t *testing.T) {
	s, a, _ := createLarge(t)
	desc, _ := collect(t, s, a, &query.Region{MaxDetails: 300, Sort: "size", SortDir: -1})
	require.NotEmpty(t, desc)
	first := geometry.Bounds(desc[0])
	last := geometry.Bounds(desc[len(desc)-1])
	assert.Greater(t, first.Size, last.Size)

	asc, _ := collect(t, s, a, &query.Region{MaxDetails: 300, Sort: "size", SortDir: 1})
	first = geometry.Bounds(asc[0])
	last = geometry.Bounds(asc[len(asc)-1])
	assert.Less(t, first.Size, last.Size)
}

func TestYieldCentroids(t *testing.T) {
	s, a, elements := createLarge(t)
	info := &query.Info{}
	cursor, err := s.YieldElements(context.Background(), a, &query.Region{Centroids: true}, info)
	require.NoError(t, err)
	count := 0
	for {
		element, centroid, err := cursor.Next()
		require.NoError(t, err)
		if element == nil && centroid == nil {
			break
		}
		require.Nil(t, element)
		require.Regexp(t, "^[0-9a-f]{24}$", centroid.ID)
		count++
	}
	assert.Equal(t, len(elements), count)
	assert.True(t, info.Centroids)
	// All rectangles share one (type, colors, width, closed) tuple.
	assert.Len(t, info.Props, 1)
	assert.Equal(t, query.PropsKeys, info.PropsKeys)
}

func TestCentroidValues(t *testing.T) {
	s, item, admin := testStore(t)
	ctx := context.Background()
	a, err := s.Create(ctx, item, admin, Body{
		Name: "c",
		Elements: []geometry.Element{
			sampleRectangle(),
			samplePoint(7, 9, ""),
		}}, nil)
	require.NoError(t, err)

	cursor, err := s.YieldElements(ctx, a, &query.Region{Centroids: true}, &query.Info{})
	require.NoError(t, err)
	var centroids []*Centroid
	for {
		_, centroid, err := cursor.Next()
		require.NoError(t, err)
		if centroid == nil {
			break
		}
		centroids = append(centroids, centroid)
	}
	require.Len(t, centroids, 2)
	// The cursor orders by row id, so find the two shapes by position.
	rect, point := centroids[0], centroids[1]
	if rect.Size == 0 {
		rect, point = point, rect
	}
	assert.InDelta(t, 20, rect.CX, 1e-6)
	assert.InDelta(t, 25, rect.CY, 1e-6)
	assert.Greater(t, rect.Size, 20.0)
	// Point elements report size zero.
	assert.InDelta(t, 7, point.CX, 1e-6)
	assert.Zero(t, point.Size)
	// Two shape types make two property tuples.
	assert.NotEqual(t, rect.PropIndex, point.PropIndex)
}

func TestRemoveWithQueryRefusesUnscoped(t *testing.T) {
	s, _, _ := testStore(t)
	err := s.removeElements(context.Background(), "")
	require.ErrorIs(t, err, ErrValidation)
}

func TestRemoveOlderThanBounds(t *testing.T) {
	s, item, admin := testStore(t, WithHistory(false))
	ctx := context.Background()
	a, err := s.Create(ctx, item, admin, Body{
		Name: "r", Elements: []geometry.Element{samplePoint(1, 1, "")}}, nil)
	require.NoError(t, err)
	v1 := a.Version
	a.Annotation.Elements = []geometry.Element{samplePoint(2, 2, "")}
	a, err = s.UpdateAnnotation(ctx, a, admin)
	require.NoError(t, err)

	// Old version gone, current intact, sentinel untouched.
	assert.Equal(t, 0, elementCount(t, s, a.ID, v1))
	assert.Equal(t, 1, elementCount(t, s, a.ID, a.Version))
	var sentinel int
	require.NoError(t, s.db.QueryRow(`
		SELECT COUNT(*) FROM annotation_elements WHERE annotation_id = ?`,
		versionSentinel).Scan(&sentinel))
	assert.Equal(t, 1, sentinel)
}

func TestDistinctGroups(t *testing.T) {
	s, item, admin := testStore(t)
	ctx := context.Background()
	a, err := s.Create(ctx, item, admin, Body{
		Name: "g",
		Elements: []geometry.Element{
			samplePoint(1, 1, "z"),
			samplePoint(2, 2, "a"),
			samplePoint(3, 3, ""),
		}}, nil)
	require.NoError(t, err)
	groups, err := s.DistinctGroups(ctx, a.ID, a.Version)
	require.NoError(t, err)
	require.Len(t, groups, 3)
	assert.Equal(t, "a", *groups[0])
	assert.Equal(t, "z", *groups[1])
	assert.Nil(t, groups[2])
}

func TestInsertManyAssignsIDs(t *testing.T) {
	s, item, admin := testStore(t)
	ctx := context.Background()
	given := fmtID(7)
	elements := []geometry.Element{
		samplePoint(1, 1, ""),
		{"type": "point", "center": []any{2.0, 2.0, 0.0}, "id": given},
	}
	a, err := s.Create(ctx, item, admin, Body{Name: "ids", Elements: elements}, nil)
	require.NoError(t, err)
	loaded, err := s.Load(ctx, a.ID, nil, true, admin.Principal(), access.Read)
	require.NoError(t, err)
	require.Len(t, loaded.Annotation.Elements, 2)
	ids := map[string]bool{}
	for _, element := range loaded.Annotation.Elements {
		ids[element.ID()] = true
	}
	assert.True(t, ids[given], "caller-assigned id survives")
	// The generated id was written back into the input payload too.
	assert.Regexp(t, "^[0-9a-f]{24}$", elements[0].ID())
}
