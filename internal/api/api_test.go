package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wholeslide/annostore/internal/access"
	"github.com/wholeslide/annostore/internal/hooks"
	"github.com/wholeslide/annostore/internal/store"
)

type fixture struct {
	server *httptest.Server
	store  *store.Store
	item   *store.Item
	admin  *store.User
}

func setup(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(":memory:", store.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	admin := &store.User{Login: "admin", Admin: true}
	require.NoError(t, s.CreateUser(ctx, admin))
	folder := &store.Folder{Name: "Public", Public: true, Access: &access.ACL{
		Users: []access.Grant{{ID: admin.ID, Level: access.Admin}}}}
	require.NoError(t, s.CreateFolder(ctx, folder))
	item := &store.Item{FolderID: folder.ID, Name: "sample"}
	require.NoError(t, s.CreateItem(ctx, item))

	hk := hooks.New(s, zap.NewNop())
	server := httptest.NewServer(New(s, hk, zap.NewNop()).Router(nil))
	t.Cleanup(server.Close)
	return &fixture{server: server, store: s, item: item, admin: admin}
}

func (f *fixture) request(t *testing.T, method, path string, body any, user *store.User) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	if user != nil {
		req.Header.Set("X-User-Id", user.ID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, raw
}

func rectanglePayload(name string) map[string]any {
	return map[string]any{
		"name": name,
		"elements": []any{map[string]any{
			"type":   "rectangle",
			"center": []any{20.0, 25.0, 0.0},
			"width":  14.0,
			"height": 15.0,
		}},
	}
}

func (f *fixture) createAnnotation(t *testing.T, payload map[string]any) map[string]any {
	t.Helper()
	resp, raw := f.request(t, "POST", "/annotation?itemId="+f.item.ID, payload, f.admin)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	var created map[string]any
	require.NoError(t, json.Unmarshal(raw, &created))
	return created
}

func TestCreateAndGetAnnotation(t *testing.T) {
	f := setup(t)
	created := f.createAnnotation(t, rectanglePayload("r"))
	id, _ := created["_id"].(string)
	require.NotEmpty(t, id)

	resp, raw := f.request(t, "GET", "/annotation/"+id, nil, f.admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var loaded map[string]any
	require.NoError(t, json.Unmarshal(raw, &loaded))
	body := loaded["annotation"].(map[string]any)
	assert.Equal(t, "r", body["name"])
	elements := body["elements"].([]any)
	require.Len(t, elements, 1)
	assert.Contains(t, loaded, "_elementQuery")
}

func TestGetAnnotationNotFound(t *testing.T) {
	f := setup(t)
	resp, _ := f.request(t, "GET", "/annotation/"+store.NewID(), nil, f.admin)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateRequiresValidBody(t *testing.T) {
	f := setup(t)
	resp, _ := f.request(t, "POST", "/annotation?itemId="+f.item.ID,
		map[string]any{"name": ""}, f.admin)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.request(t, "POST", "/annotation?itemId="+f.item.ID,
		rectanglePayload("x"), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRegionQueryParams(t *testing.T) {
	f := setup(t)
	payload := map[string]any{"name": "many", "elements": []any{}}
	for i := 0; i < 20; i++ {
		payload["elements"] = append(payload["elements"].([]any), map[string]any{
			"type":   "rectangle",
			"center": []any{float64(i * 100), float64(i * 100), 0.0},
			"width":  10.0,
			"height": 10.0,
		})
	}
	created := f.createAnnotation(t, payload)
	id := created["_id"].(string)

	resp, raw := f.request(t, "GET",
		"/annotation/"+id+"?left=0&right=550&top=0&bottom=550", nil, f.admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var loaded map[string]any
	require.NoError(t, json.Unmarshal(raw, &loaded))
	elements := loaded["annotation"].(map[string]any)["elements"].([]any)
	assert.Len(t, elements, 6)

	resp, raw = f.request(t, "GET", "/annotation/"+id+"?limit=5", nil, f.admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(raw, &loaded))
	elements = loaded["annotation"].(map[string]any)["elements"].([]any)
	assert.Len(t, elements, 5)

	resp, _ = f.request(t, "GET", "/annotation/"+id+"?left=abc", nil, f.admin)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCentroidResponse(t *testing.T) {
	f := setup(t)
	created := f.createAnnotation(t, rectanglePayload("c"))
	id := created["_id"].(string)
	resp, raw := f.request(t, "GET", "/annotation/"+id+"?centroids=true", nil, f.admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	marker := []byte(`"elements":[`)
	start := bytes.Index(raw, marker)
	require.Positive(t, start)
	payload := raw[start+len(marker):]
	assert.Equal(t, byte(0), payload[0])
	// One element: 28 bytes between the null frames.
	assert.Equal(t, byte(0), payload[1+28])
}

func TestUpdatePreservesElementsWhenOmitted(t *testing.T) {
	f := setup(t)
	created := f.createAnnotation(t, rectanglePayload("before"))
	id := created["_id"].(string)

	resp, raw := f.request(t, "PUT", "/annotation/"+id,
		map[string]any{"name": "after"}, f.admin)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

	resp, raw = f.request(t, "GET", "/annotation/"+id, nil, f.admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var loaded map[string]any
	require.NoError(t, json.Unmarshal(raw, &loaded))
	body := loaded["annotation"].(map[string]any)
	assert.Equal(t, "after", body["name"])
	assert.Len(t, body["elements"].([]any), 1)
}

func TestDeleteAndHistoryRevert(t *testing.T) {
	f := setup(t)
	created := f.createAnnotation(t, rectanglePayload("undelete me"))
	id := created["_id"].(string)

	resp, _ := f.request(t, "DELETE", "/annotation/"+id, nil, f.admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The live header is inactive now; revert restores it.
	resp, raw := f.request(t, "PUT", "/annotation/"+id+"/history/revert", nil, f.admin)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	var reverted map[string]any
	require.NoError(t, json.Unmarshal(raw, &reverted))
	assert.Equal(t, true, reverted["_active"])
}

func TestHistoryListAndVersionFetch(t *testing.T) {
	f := setup(t)
	created := f.createAnnotation(t, rectanglePayload("v"))
	id := created["_id"].(string)
	v1 := int64(created["_version"].(float64))

	payload := rectanglePayload("v")
	payload["elements"] = append(payload["elements"].([]any),
		map[string]any{"type": "point", "center": []any{1.0, 1.0, 0.0}},
		map[string]any{"type": "point", "center": []any{2.0, 2.0, 0.0}},
		map[string]any{"type": "point", "center": []any{3.0, 3.0, 0.0}})
	resp, raw := f.request(t, "PUT", "/annotation/"+id, payload, f.admin)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

	resp, raw = f.request(t, "GET", "/annotation/"+id+"/history", nil, f.admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entries []map[string]any
	require.NoError(t, json.Unmarshal(raw, &entries))
	require.Len(t, entries, 2)

	resp, raw = f.request(t, "GET",
		fmt.Sprintf("/annotation/%s/history/%d", id, v1), nil, f.admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var version map[string]any
	require.NoError(t, json.Unmarshal(raw, &version))
	assert.Len(t, version["annotation"].(map[string]any)["elements"].([]any), 1)

	v2 := int64(entries[0]["_version"].(float64))
	resp, raw = f.request(t, "GET",
		fmt.Sprintf("/annotation/%s/history/%d", id, v2), nil, f.admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(raw, &version))
	assert.Len(t, version["annotation"].(map[string]any)["elements"].([]any), 4)

	resp, _ = f.request(t, "GET", "/annotation/"+id+"/history/999999", nil, f.admin)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFindAnnotations(t *testing.T) {
	f := setup(t)
	f.createAnnotation(t, rectanglePayload("alpha"))
	f.createAnnotation(t, rectanglePayload("beta"))

	resp, raw := f.request(t, "GET", "/annotation?itemId="+f.item.ID, nil, f.admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed []map[string]any
	require.NoError(t, json.Unmarshal(raw, &listed))
	require.Len(t, listed, 2)
	// Listings are slim: no element payloads.
	body := listed[0]["annotation"].(map[string]any)
	assert.NotContains(t, body, "elements")

	resp, raw = f.request(t, "GET", "/annotation?itemId="+f.item.ID+"&name=alpha", nil, f.admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(raw, &listed))
	assert.Len(t, listed, 1)
}

func TestItemAnnotationRoutes(t *testing.T) {
	f := setup(t)
	resp, raw := f.request(t, "POST", "/annotation/item/"+f.item.ID,
		[]any{rectanglePayload("one"), rectanglePayload("two")}, f.admin)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	var count int
	require.NoError(t, json.Unmarshal(raw, &count))
	assert.Equal(t, 2, count)

	resp, raw = f.request(t, "GET", "/annotation/item/"+f.item.ID, nil, f.admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var full []map[string]any
	require.NoError(t, json.Unmarshal(raw, &full))
	require.Len(t, full, 2)
	assert.Len(t, full[0]["annotation"].(map[string]any)["elements"].([]any), 1)

	resp, raw = f.request(t, "DELETE", "/annotation/item/"+f.item.ID, nil, f.admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(raw, &count))
	assert.Equal(t, 2, count)

	resp, raw = f.request(t, "GET", "/annotation?itemId="+f.item.ID, nil, f.admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed []map[string]any
	require.NoError(t, json.Unmarshal(raw, &listed))
	assert.Empty(t, listed)
}

func TestAnnotationCounts(t *testing.T) {
	f := setup(t)
	f.createAnnotation(t, rectanglePayload("one"))
	other := &store.Item{FolderID: f.item.FolderID, Name: "empty"}
	require.NoError(t, f.store.CreateItem(context.Background(), other))

	resp, raw := f.request(t, "GET",
		"/annotation/counts?items="+f.item.ID+","+other.ID, nil, f.admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var counts map[string]int64
	require.NoError(t, json.Unmarshal(raw, &counts))
	assert.Equal(t, int64(1), counts[f.item.ID])
	assert.Equal(t, int64(0), counts[other.ID])
}

func TestCopyItemAnnotationFlag(t *testing.T) {
	f := setup(t)
	f.createAnnotation(t, rectanglePayload("tocopy"))

	// copyAnnotations=false clones nothing.
	resp, raw := f.request(t, "POST",
		"/item/"+f.item.ID+"/copy?copyAnnotations=false&name=J", nil, f.admin)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	var bare map[string]any
	require.NoError(t, json.Unmarshal(raw, &bare))
	resp, raw = f.request(t, "GET", "/annotation?itemId="+bare["_id"].(string), nil, f.admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed []map[string]any
	require.NoError(t, json.Unmarshal(raw, &listed))
	assert.Empty(t, listed)

	// The default copies the one active annotation.
	resp, raw = f.request(t, "POST", "/item/"+f.item.ID+"/copy?name=K", nil, f.admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var full map[string]any
	require.NoError(t, json.Unmarshal(raw, &full))
	resp, raw = f.request(t, "GET", "/annotation?itemId="+full["_id"].(string), nil, f.admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(raw, &listed))
	assert.Len(t, listed, 1)
}

func TestAccessRoutes(t *testing.T) {
	f := setup(t)
	created := f.createAnnotation(t, rectanglePayload("acl"))
	id := created["_id"].(string)

	resp, raw := f.request(t, "GET", "/annotation/"+id+"/access", nil, f.admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var acl access.ACL
	require.NoError(t, json.Unmarshal(raw, &acl))
	require.NotEmpty(t, acl.Users)

	public := false
	resp, _ = f.request(t, "PUT", "/annotation/"+id+"/access", map[string]any{
		"access": acl, "public": public}, f.admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// A stranger can no longer read the now-private annotation.
	stranger := &store.User{Login: "stranger"}
	require.NoError(t, f.store.CreateUser(context.Background(), stranger))
	resp, _ = f.request(t, "GET", "/annotation/"+id, nil, stranger)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSchemaRoute(t *testing.T) {
	f := setup(t)
	resp, raw := f.request(t, "GET", "/annotation/schema", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var schema map[string]any
	require.NoError(t, json.Unmarshal(raw, &schema))
	assert.Contains(t, schema, "properties")
}

func TestOldAnnotationRoutes(t *testing.T) {
	f := setup(t)
	resp, _ := f.request(t, "GET", "/annotation/old", nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, raw := f.request(t, "GET", "/annotation/old?age=30&versions=10", nil, f.admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report map[string]any
	require.NoError(t, json.Unmarshal(raw, &report))
	assert.Contains(t, report, "abandonedVersions")

	// Removal demands a minimum age of seven days.
	resp, _ = f.request(t, "DELETE", "/annotation/old?age=3", nil, f.admin)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.request(t, "DELETE", "/annotation/old?age=30", nil, f.admin)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAnnotatedImagesRoute(t *testing.T) {
	f := setup(t)
	f.createAnnotation(t, rectanglePayload("r"))
	resp, raw := f.request(t, "GET", "/annotation/images?imageName=sam", nil, f.admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var images []map[string]any
	require.NoError(t, json.Unmarshal(raw, &images))
	require.Len(t, images, 1)
	assert.Equal(t, "sample", images[0]["name"])
}

func TestGeoJSONRoute(t *testing.T) {
	f := setup(t)
	created := f.createAnnotation(t, rectanglePayload("geo"))
	id := created["_id"].(string)
	resp, raw := f.request(t, "GET", "/annotation/"+id+"/geojson", nil, f.admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var collection map[string]any
	require.NoError(t, json.Unmarshal(raw, &collection))
	assert.Equal(t, "FeatureCollection", collection["type"])
	features := collection["features"].([]any)
	require.Len(t, features, 1)
}

func TestCreateFromGeoJSON(t *testing.T) {
	f := setup(t)
	body := map[string]any{
		"type": "FeatureCollection",
		"features": []any{map[string]any{
			"type":       "Feature",
			"geometry":   map[string]any{"type": "Point", "coordinates": []any{1.0, 2.0}},
			"properties": map[string]any{"annotation": map[string]any{"name": "geo"}},
		}},
	}
	resp, raw := f.request(t, "POST", "/annotation?itemId="+f.item.ID, body, f.admin)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	var created map[string]any
	require.NoError(t, json.Unmarshal(raw, &created))
	assert.Equal(t, "geo",
		created["annotation"].(map[string]any)["name"])
}

func TestCopyAnnotationRoute(t *testing.T) {
	f := setup(t)
	created := f.createAnnotation(t, rectanglePayload("orig"))
	id := created["_id"].(string)
	dest := &store.Item{FolderID: f.item.FolderID, Name: "dest"}
	require.NoError(t, f.store.CreateItem(context.Background(), dest))

	resp, raw := f.request(t, "POST",
		"/annotation/"+id+"/copy?itemId="+dest.ID, nil, f.admin)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	var copied map[string]any
	require.NoError(t, json.Unmarshal(raw, &copied))
	assert.NotEqual(t, id, copied["_id"])
	assert.Equal(t, dest.ID, copied["itemId"])
}

func TestPlottableRoutes(t *testing.T) {
	f := setup(t)
	f.createAnnotation(t, rectanglePayload("plot"))
	resp, raw := f.request(t, "GET",
		"/item/"+f.item.ID+"/plot/list?annotations=__all__", nil, f.admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var columns []map[string]any
	require.NoError(t, json.Unmarshal(raw, &columns))
	keys := []string{}
	for _, col := range columns {
		keys = append(keys, col["key"].(string))
	}
	assert.Contains(t, keys, "_0_item.name")
	assert.Contains(t, keys, "_bbox.x0")

	resp, raw = f.request(t, "POST", "/item/"+f.item.ID+"/plot/data", map[string]any{
		"annotations": []string{"__all__"},
		"columns":     []string{"_bbox.x0", "_bbox.x1", "_0_item.name"},
	}, f.admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var table map[string]any
	require.NoError(t, json.Unmarshal(raw, &table))
	data := table["data"].([]any)
	require.Len(t, data, 1)
	row := data[0].([]any)
	require.Len(t, row, 3)
	// Columns come back sorted by key: item name first, then the bbox pair.
	assert.Equal(t, "sample", row[0])
}

func TestStrayRouteValidation(t *testing.T) {
	f := setup(t)
	req, err := http.NewRequest("POST", f.server.URL+"/annotation?itemId="+f.item.ID,
		strings.NewReader("{not json"))
	require.NoError(t, err)
	req.Header.Set("X-User-Id", f.admin.ID)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
