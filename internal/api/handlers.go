package api

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/wholeslide/annostore/internal/access"
	"github.com/wholeslide/annostore/internal/hooks"
	"github.com/wholeslide/annostore/internal/store"
	"github.com/wholeslide/annostore/pkg/encode"
	"github.com/wholeslide/annostore/pkg/geojson"
	"github.com/wholeslide/annostore/pkg/plottable"
	"github.com/wholeslide/annostore/pkg/query"
	"github.com/wholeslide/annostore/pkg/validate"
)

const defaultPageLimit = 50

func pagingParams(r *http.Request) (limit, offset int64, sort string, sortDir int) {
	q := r.URL.Query()
	limit = defaultPageLimit
	if raw := q.Get("limit"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil && v >= 0 {
			limit = v
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil && v >= 0 {
			offset = v
		}
	}
	sort = q.Get("sort")
	sortDir = 1
	if raw := q.Get("sortdir"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v < 0 {
			sortDir = -1
		}
	}
	return limit, offset, sort, sortDir
}

// GET /annotation
func (s *Server) findAnnotations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, sort, sortDir := pagingParams(r)
	opts := store.FindOptions{
		ActiveOnly: true,
		Limit:      limit,
		Offset:     offset,
		SortField:  sort,
		SortDir:    sortDir,
		Principal:  s.principal(r),
		Level:      access.Read,
	}
	if itemID := q.Get("itemId"); itemID != "" {
		item, err := s.store.GetItem(r.Context(), itemID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if item == nil {
			s.writeStatus(w, http.StatusBadRequest, "invalid itemId")
			return
		}
		if !s.store.ItemAccessible(r.Context(), s.principal(r), item, access.Read) {
			s.writeStatus(w, http.StatusForbidden, "read access was denied on the parent item")
			return
		}
		opts.ItemID = item.ID
	}
	if userID := q.Get("userId"); userID != "" {
		opts.CreatorID = userID
	}
	opts.Text = q.Get("text")
	opts.Name = q.Get("name")
	annotations, err := s.store.Find(r.Context(), opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, slimAnnotations(annotations))
}

// GET /annotation/schema
func (s *Server) getSchema(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, validate.SchemaJSON)
}

// GET /annotation/{id}
func (s *Server) getAnnotation(w http.ResponseWriter, r *http.Request) {
	region, err := query.ParseRegion(r.URL.Query())
	if err != nil {
		s.writeStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	s.streamAnnotation(w, r, chi.URLParam(r, "id"), region)
}

func (s *Server) streamAnnotation(w http.ResponseWriter, r *http.Request, id string, region *query.Region) {
	// Streaming a large annotation can legitimately run for a very long
	// time; raise the write deadline far beyond the server default.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(timeNow().Add(streamDeadline))

	a, err := s.store.Load(r.Context(), id, nil, false, s.principal(r), access.Read)
	if err != nil {
		s.writeError(w, err)
		return
	}
	info := &query.Info{}
	cursor, err := s.store.YieldElements(r.Context(), a, region, info)
	if err != nil {
		s.writeError(w, err)
		return
	}
	centroids := region != nil && region.Centroids
	w.Header().Set("Content-Type", encode.ContentType(centroids))
	if err := encode.NewEncoder(w).WriteAnnotation(a, cursor); err != nil {
		s.log.Warn("annotation stream aborted", zap.String("id", id), zap.Error(err))
	}
}

// POST /annotation?itemId=...
func (s *Server) createAnnotation(w http.ResponseWriter, r *http.Request) {
	user := s.requireUser(w, r)
	if user == nil {
		return
	}
	item, ok := s.loadItemParam(w, r, r.URL.Query().Get("itemId"), access.Write)
	if !ok {
		return
	}
	body, err := readAnnotationBody(r)
	if err != nil {
		s.writeStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	a, err := s.store.Create(r.Context(), item, user, *body, nil)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, a)
}

// POST /annotation/{id}/copy?itemId=...
func (s *Server) copyAnnotation(w http.ResponseWriter, r *http.Request) {
	user := s.requireUser(w, r)
	if user == nil {
		return
	}
	a, err := s.store.Load(r.Context(), chi.URLParam(r, "id"), nil, true,
		user.Principal(), access.Read)
	if err != nil {
		s.writeError(w, err)
		return
	}
	item, ok := s.loadItemParam(w, r, r.URL.Query().Get("itemId"), access.Write)
	if !ok {
		return
	}
	copied, err := s.store.Create(r.Context(), item, user, a.Annotation, nil)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, copied)
}

// PUT /annotation/{id}
func (s *Server) updateAnnotation(w http.ResponseWriter, r *http.Request) {
	user := s.requireUser(w, r)
	if user == nil {
		return
	}
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(timeNow().Add(streamDeadline))

	a, err := s.store.Load(r.Context(), chi.URLParam(r, "id"), nil, true,
		user.Principal(), access.Write)
	if err != nil {
		s.writeError(w, err)
		return
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeStatus(w, http.StatusBadRequest, "could not read body")
		return
	}
	// A body without elements updates the header and keeps the stored ones.
	returnElements := true
	if len(raw) > 0 {
		var decoded map[string]any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			s.writeStatus(w, http.StatusBadRequest, "invalid JSON passed in request body")
			return
		}
		body, err := parseBodyObject(decoded)
		if err != nil {
			s.writeStatus(w, http.StatusBadRequest, err.Error())
			return
		}
		oldElements := a.Annotation.Elements
		a.Annotation = *body
		if body.Elements == nil && len(oldElements) > 0 {
			a.Annotation.Elements = oldElements
			returnElements = false
		}
	}
	if itemID := r.URL.Query().Get("itemId"); itemID != "" {
		item, ok := s.loadItemParam(w, r, itemID, access.Write)
		if !ok {
			return
		}
		a.ItemID = item.ID
	}
	updated, err := s.store.UpdateAnnotation(r.Context(), a, user)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !returnElements {
		updated.Annotation.Elements = nil
	}
	s.writeJSON(w, updated)
}

// DELETE /annotation/{id}
func (s *Server) deleteAnnotation(w http.ResponseWriter, r *http.Request) {
	user := s.requireUser(w, r)
	if user == nil {
		return
	}
	a, err := s.store.Load(r.Context(), chi.URLParam(r, "id"), nil, false,
		user.Principal(), access.Write)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.Remove(r.Context(), a); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GET /annotation/images
func (s *Server) findAnnotatedImages(w http.ResponseWriter, r *http.Request) {
	limit, offset, _, _ := pagingParams(r)
	var creator *store.User
	if creatorID := r.URL.Query().Get("creatorId"); creatorID != "" {
		user, err := s.store.GetUser(r.Context(), creatorID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		creator = user
	}
	images, err := s.store.FindAnnotatedImages(r.Context(), creator,
		r.URL.Query().Get("imageName"), s.principal(r), limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, images)
}

// GET /annotation/{id}/access
func (s *Server) getAnnotationAccess(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.Load(r.Context(), chi.URLParam(r, "id"), nil, false,
		s.principal(r), access.Admin)
	if err != nil {
		s.writeError(w, err)
		return
	}
	acl := a.Access
	if acl == nil {
		acl = &access.ACL{}
	}
	s.writeJSON(w, acl)
}

// PUT /annotation/{id}/access
func (s *Server) updateAnnotationAccess(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.Load(r.Context(), chi.URLParam(r, "id"), nil, false,
		s.principal(r), access.Admin)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var payload struct {
		Access *access.ACL `json:"access"`
		Public *bool       `json:"public"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeStatus(w, http.StatusBadRequest, "invalid JSON passed in request body")
		return
	}
	if payload.Access == nil {
		s.writeStatus(w, http.StatusBadRequest, "access is required")
		return
	}
	if err := s.store.SetAccessList(r.Context(), a, payload.Access, payload.Public); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, a)
}

// GET /annotation/{id}/history
func (s *Server) annotationHistoryList(w http.ResponseWriter, r *http.Request) {
	limit, offset, _, _ := pagingParams(r)
	if r.URL.Query().Get("limit") == "" {
		limit = 0
	}
	entries, err := s.store.VersionList(r.Context(), chi.URLParam(r, "id"),
		s.principal(r), limit, offset, false)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, entries)
}

// GET /annotation/{id}/history/{version}
func (s *Server) annotationHistoryVersion(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.ParseInt(chi.URLParam(r, "version"), 10, 64)
	if err != nil {
		s.writeStatus(w, http.StatusBadRequest, "invalid version")
		return
	}
	a, err := s.store.GetVersion(r.Context(), chi.URLParam(r, "id"), version,
		s.principal(r), false)
	if errors.Is(err, store.ErrNotFound) {
		s.writeStatus(w, http.StatusNotFound, "annotation history version not found")
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, a)
}

// PUT /annotation/{id}/history/revert?version=...
func (s *Server) revertAnnotationHistory(w http.ResponseWriter, r *http.Request) {
	user := s.requireUser(w, r)
	if user == nil {
		return
	}
	var version int64
	if raw := r.URL.Query().Get("version"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeStatus(w, http.StatusBadRequest, "invalid version")
			return
		}
		version = v
	}
	a, err := s.store.RevertVersion(r.Context(), chi.URLParam(r, "id"), version, user, false)
	if errors.Is(err, store.ErrNotFound) {
		s.writeStatus(w, http.StatusNotFound, "annotation history version not found")
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	// The element list can be too verbose for a revert response.
	a.Annotation.Elements = nil
	s.writeJSON(w, a)
}

// GET /annotation/{id}/geojson
func (s *Server) getAnnotationGeoJSON(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.Load(r.Context(), chi.URLParam(r, "id"), nil, true,
		s.principal(r), access.Read)
	if err != nil {
		s.writeError(w, err)
		return
	}
	body := map[string]any{"name": a.Annotation.Name}
	if a.Annotation.Description != "" {
		body["description"] = a.Annotation.Description
	}
	if a.Annotation.Attributes != nil {
		body["attributes"] = a.Annotation.Attributes
	}
	collection, err := geojson.FromElements(body, a.Annotation.Elements, false)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, collection)
}

// GET /annotation/item/{id}
func (s *Server) getItemAnnotations(w http.ResponseWriter, r *http.Request) {
	item, ok := s.loadItemParam(w, r, chi.URLParam(r, "id"), access.Read)
	if !ok {
		return
	}
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(timeNow().Add(streamDeadline))

	headers, err := s.store.Find(r.Context(), store.FindOptions{
		ItemID: item.ID, ActiveOnly: true,
		Principal: s.principal(r), Level: access.Read,
		SortField: "id",
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	idx := 0
	err = encode.NewEncoder(w).WriteAnnotationList(func() (*store.Annotation, *store.ElementCursor, error) {
		for idx < len(headers) {
			header := headers[idx]
			idx++
			a, err := s.store.Load(r.Context(), header.ID, nil, false,
				s.principal(r), access.Read)
			if errors.Is(err, access.ErrDenied) || errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, nil, err
			}
			cursor, err := s.store.YieldElements(r.Context(), a, nil, &query.Info{})
			if err != nil {
				return nil, nil, err
			}
			return a, cursor, nil
		}
		return nil, nil, nil
	})
	if err != nil {
		s.log.Warn("item annotation stream aborted",
			zap.String("item", item.ID), zap.Error(err))
	}
}

// POST /annotation/item/{id}
func (s *Server) createItemAnnotations(w http.ResponseWriter, r *http.Request) {
	user := s.requireUser(w, r)
	if user == nil {
		return
	}
	item, ok := s.loadItemParam(w, r, chi.URLParam(r, "id"), access.Write)
	if !ok {
		return
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeStatus(w, http.StatusBadRequest, "could not read body")
		return
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		s.writeStatus(w, http.StatusBadRequest, "invalid JSON passed in request body")
		return
	}
	bodies, err := hooks.ParseBodies(decoded)
	if err != nil {
		s.writeStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, body := range bodies {
		if _, err := s.store.Create(r.Context(), item, user, body, nil); err != nil {
			s.writeError(w, err)
			return
		}
	}
	s.writeJSON(w, len(bodies))
}

// DELETE /annotation/item/{id}
func (s *Server) deleteItemAnnotations(w http.ResponseWriter, r *http.Request) {
	user := s.requireUser(w, r)
	if user == nil {
		return
	}
	item, ok := s.loadItemParam(w, r, chi.URLParam(r, "id"), access.Write)
	if !ok {
		return
	}
	headers, err := s.store.Find(r.Context(), store.FindOptions{
		ItemID: item.ID, ActiveOnly: true,
		Principal: user.Principal(), Level: access.Write,
		SortField: "id",
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	count := 0
	for _, header := range headers {
		if err := s.store.Remove(r.Context(), header); err != nil {
			s.writeError(w, err)
			return
		}
		count++
	}
	s.writeJSON(w, count)
}

// GET /annotation/counts?items=id1,id2
func (s *Server) annotationCounts(w http.ResponseWriter, r *http.Request) {
	results := map[string]int64{}
	for _, itemID := range strings.Split(r.URL.Query().Get("items"), ",") {
		itemID = strings.TrimSpace(itemID)
		if itemID == "" {
			continue
		}
		item, ok := s.loadItemParam(w, r, itemID, access.Read)
		if !ok {
			return
		}
		count, err := s.store.CountActive(r.Context(), item.ID, s.principal(r))
		if err != nil {
			s.writeError(w, err)
			return
		}
		results[itemID] = count
	}
	s.writeJSON(w, results)
}

// GET /annotation/old
func (s *Server) inspectOldAnnotations(w http.ResponseWriter, r *http.Request) {
	if s.requireAdmin(w, r) == nil {
		return
	}
	s.runOldAnnotations(w, r, false)
}

// DELETE /annotation/old
func (s *Server) deleteOldAnnotations(w http.ResponseWriter, r *http.Request) {
	if s.requireAdmin(w, r) == nil {
		return
	}
	s.runOldAnnotations(w, r, true)
}

func (s *Server) runOldAnnotations(w http.ResponseWriter, r *http.Request, remove bool) {
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(timeNow().Add(streamDeadline))
	age, versions := 30, 10
	if raw := r.URL.Query().Get("age"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			s.writeStatus(w, http.StatusBadRequest, "invalid age")
			return
		}
		age = v
	}
	if raw := r.URL.Query().Get("versions"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			s.writeStatus(w, http.StatusBadRequest, "invalid versions")
			return
		}
		versions = v
	}
	report, err := s.store.RemoveOldAnnotations(r.Context(), remove, age, versions)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, report)
}

// POST /item/{id}/copy?folderId=...&name=...&copyAnnotations=...
func (s *Server) copyItem(w http.ResponseWriter, r *http.Request) {
	user := s.requireUser(w, r)
	if user == nil {
		return
	}
	src, ok := s.loadItemParam(w, r, chi.URLParam(r, "id"), access.Read)
	if !ok {
		return
	}
	folderID := r.URL.Query().Get("folderId")
	if folderID == "" {
		folderID = src.FolderID
	}
	copyAnnotations := !strings.EqualFold(r.URL.Query().Get("copyAnnotations"), "false")
	dest, err := s.hooks.CopyItem(r.Context(), src, folderID,
		r.URL.Query().Get("name"), copyAnnotations)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, dest)
}

// DELETE /item/{id}
func (s *Server) removeItem(w http.ResponseWriter, r *http.Request) {
	user := s.requireUser(w, r)
	if user == nil {
		return
	}
	item, ok := s.loadItemParam(w, r, chi.URLParam(r, "id"), access.Write)
	if !ok {
		return
	}
	s.hooks.OnItemRemove(r.Context(), item)
	w.WriteHeader(http.StatusOK)
}

// GET /item/{id}/plot/list
func (s *Server) plottableColumns(w http.ResponseWriter, r *http.Request) {
	item, ok := s.loadItemParam(w, r, chi.URLParam(r, "id"), access.Read)
	if !ok {
		return
	}
	agg, err := plottable.New(r.Context(), s.store, s.principal(r), item,
		splitList(r.URL.Query().Get("annotations")),
		r.URL.Query().Get("adjacentItems"), s.log)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, agg.Columns(r.Context()))
}

// POST /item/{id}/plot/data
func (s *Server) plottableData(w http.ResponseWriter, r *http.Request) {
	item, ok := s.loadItemParam(w, r, chi.URLParam(r, "id"), access.Read)
	if !ok {
		return
	}
	var payload struct {
		Annotations     []string `json:"annotations"`
		AdjacentItems   string   `json:"adjacentItems"`
		Columns         []string `json:"columns"`
		RequiredColumns []string `json:"requiredColumns"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeStatus(w, http.StatusBadRequest, "invalid JSON passed in request body")
		return
	}
	agg, err := plottable.New(r.Context(), s.store, s.principal(r), item,
		payload.Annotations, payload.AdjacentItems, s.log)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, agg.Data(r.Context(), payload.Columns, payload.RequiredColumns))
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// loadItemParam fetches an item and enforces the required access level.
func (s *Server) loadItemParam(w http.ResponseWriter, r *http.Request, itemID string, level access.Level) (*store.Item, bool) {
	if itemID == "" {
		s.writeStatus(w, http.StatusBadRequest, "itemId is required")
		return nil, false
	}
	item, err := s.store.GetItem(r.Context(), itemID)
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	if item == nil {
		s.writeStatus(w, http.StatusBadRequest, "invalid item")
		return nil, false
	}
	if !s.store.ItemAccessible(r.Context(), s.principal(r), item, level) {
		s.writeStatus(w, http.StatusForbidden, "access was denied for the item")
		return nil, false
	}
	return item, true
}

// readAnnotationBody decodes a request body into an annotation body,
// accepting plain annotations, full model records, and GeoJSON.
func readAnnotationBody(r *http.Request) (*store.Body, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errors.New("could not read body")
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, errors.New("invalid JSON passed in request body")
	}
	obj, ok := decoded.(map[string]any)
	if !ok && !geojson.IsGeoJSON(decoded) {
		return nil, errors.New("annotation must be a JSON object")
	}
	if geojson.IsGeoJSON(decoded) {
		parsed, err := geojson.FromJSON(decoded)
		if err != nil {
			return nil, err
		}
		body := store.Body{Elements: parsed.Elements}
		if name, isString := parsed.Body["name"].(string); isString {
			body.Name = name
		}
		if body.Name == "" {
			body.Name = "Annotation"
		}
		if description, isString := parsed.Body["description"].(string); isString {
			body.Description = description
		}
		if attributes, isMap := parsed.Body["attributes"].(map[string]any); isMap {
			body.Attributes = attributes
		}
		return &body, nil
	}
	if inner, isMap := obj["annotation"].(map[string]any); isMap {
		obj = inner
	}
	body, err := parseBodyObject(obj)
	if err != nil {
		return nil, err
	}
	return body, nil
}

func parseBodyObject(obj map[string]any) (*store.Body, error) {
	body, err := hooks.BodyFromJSON(obj)
	if err != nil {
		return nil, err
	}
	return &body, nil
}
