package plottable

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wholeslide/annostore/internal/access"
	"github.com/wholeslide/annostore/internal/store"
	"github.com/wholeslide/annostore/pkg/geometry"
)

func setup(t *testing.T) (*store.Store, *store.Item, *store.User) {
	t.Helper()
	s, err := store.Open(":memory:", store.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	admin := &store.User{Login: "admin", Admin: true}
	require.NoError(t, s.CreateUser(ctx, admin))
	folder := &store.Folder{
		Name: "Public", Public: true, Access: &access.ACL{},
		Meta: map[string]any{"stain": "H&E", "magnification": 40.0},
	}
	require.NoError(t, s.CreateFolder(ctx, folder))
	item := &store.Item{
		FolderID: folder.ID, Name: "sample",
		Meta: map[string]any{
			"quality": 0.9,
			"cells": []any{
				map[string]any{"area": 10.0, "label": "tumor"},
				map[string]any{"area": 20.0, "label": "stroma"},
			},
		},
	}
	require.NoError(t, s.CreateItem(ctx, item))
	return s, item, admin
}

func columnByKey(columns []*Column, key string) *Column {
	for _, col := range columns {
		if col.Key == key {
			return col
		}
	}
	return nil
}

func TestColumnsDiscovery(t *testing.T) {
	s, item, admin := setup(t)
	ctx := context.Background()
	agg, err := New(ctx, s, admin.Principal(), item, nil, "", zap.NewNop())
	require.NoError(t, err)
	columns := agg.Columns(ctx)

	require.NotNil(t, columnByKey(columns, "_0_item.name"))
	require.NotNil(t, columnByKey(columns, "_2_item.id"))
	// Folder and item scalar metadata appear under their sources.
	require.NotNil(t, columnByKey(columns, ".stain.folder"))
	require.NotNil(t, columnByKey(columns, ".quality.item"))
	// Arrays of records explode into per-record columns.
	area := columnByKey(columns, "cells.area.item")
	require.NotNil(t, area)
	assert.Equal(t, "number", area.Type)
	assert.Equal(t, 2, area.Count)
	require.NotNil(t, area.Min)
	assert.Equal(t, 10.0, *area.Min)
	assert.Equal(t, 20.0, *area.Max)

	// A non-numeric string downgrades a column to string.
	label := columnByKey(columns, "cells.label.item")
	require.NotNil(t, label)
	assert.Equal(t, "string", label.Type)
	assert.ElementsMatch(t, []any{"tumor", "stroma"}, label.Distinct)

	// Columns come back sorted by key.
	for i := 1; i < len(columns); i++ {
		assert.LessOrEqual(t, columns[i-1].Key, columns[i].Key)
	}
}

func TestColumnsWithAnnotations(t *testing.T) {
	s, item, admin := setup(t)
	ctx := context.Background()
	_, err := s.Create(ctx, item, admin, store.Body{
		Name:       "tumor map",
		Attributes: map[string]any{"score": 0.75},
		Elements: []geometry.Element{
			{"type": "rectangle", "center": []any{10.0, 10.0, 0.0},
				"width": 4.0, "height": 4.0},
			{"type": "rectangle", "center": []any{50.0, 50.0, 0.0},
				"width": 8.0, "height": 8.0},
		}}, nil)
	require.NoError(t, err)

	agg, err := New(ctx, s, admin.Principal(), item, []string{AllSentinel}, "", zap.NewNop())
	require.NoError(t, err)
	columns := agg.Columns(ctx)

	require.NotNil(t, columnByKey(columns, "_1_annotation.name"))
	require.NotNil(t, columnByKey(columns, ".score.annotation"))
	// The four well-known element bbox columns, canonicalized via aliases.
	for _, key := range []string{"_bbox.x0", "_bbox.y0", "_bbox.x1", "_bbox.y1"} {
		col := columnByKey(columns, key)
		require.NotNil(t, col, key)
		assert.Equal(t, 2, col.Count, key)
	}
	x0 := columnByKey(columns, "_bbox.x0")
	assert.Equal(t, 8.0, *x0.Min)
	assert.Equal(t, 46.0, *x0.Max)
}

func TestColumnKeyAliases(t *testing.T) {
	agg := &Aggregator{keyCache: map[string][2]string{}}
	for key, want := range map[string]string{
		"lowx":  "_bbox.x0",
		"min_x": "_bbox.x0",
		"MinX":  "_bbox.x0",
		"highy": "_bbox.y1",
		"max_y": "_bbox.y1",
	} {
		fullkey, _ := agg.columnKey("item", "bbox", key)
		assert.Equal(t, want, fullkey, key)
	}
	fullkey, title := agg.columnKey("item", "cells", "area")
	assert.Equal(t, "cells.area.item", fullkey)
	assert.Equal(t, "cells area", title)
}

func TestDataMaterialization(t *testing.T) {
	s, item, admin := setup(t)
	ctx := context.Background()
	agg, err := New(ctx, s, admin.Principal(), item, nil, "", zap.NewNop())
	require.NoError(t, err)

	table := agg.Data(ctx, []string{"cells.area.item", "cells.label.item", "_0_item.name"}, nil)
	require.Len(t, table.Columns, 3)
	require.Len(t, table.Data, 2)
	for _, row := range table.Data {
		assert.Len(t, row, 3)
	}
	area := columnByKey(table.Columns, "cells.area.item")
	require.NotNil(t, area)
	assert.Equal(t, 2, area.Count)
	assert.Equal(t, 10.0, *area.Min)
	assert.Equal(t, 20.0, *area.Max)
}

func TestDataRequiredColumnsDropRows(t *testing.T) {
	s, item, admin := setup(t)
	ctx := context.Background()
	// One record lacks the area key.
	item.Meta["cells"] = []any{
		map[string]any{"area": 10.0, "label": "tumor"},
		map[string]any{"label": "stroma"},
	}
	require.NoError(t, s.CreateItem(ctx, item))
	agg, err := New(ctx, s, admin.Principal(), item, nil, "", zap.NewNop())
	require.NoError(t, err)

	table := agg.Data(ctx,
		[]string{"cells.area.item", "cells.label.item"},
		[]string{"cells.area.item"})
	require.Len(t, table.Data, 1)
	assert.Equal(t, 10.0, table.Data[0][0])
	label := columnByKey(table.Columns, "cells.label.item")
	assert.Equal(t, 1, label.Count)
}

func TestAdjacentItems(t *testing.T) {
	s, item, admin := setup(t)
	ctx := context.Background()
	sibling := &store.Item{
		FolderID: item.FolderID, Name: "sibling",
		Meta: map[string]any{"quality": 0.5},
	}
	require.NoError(t, s.CreateItem(ctx, sibling))

	agg, err := New(ctx, s, admin.Principal(), item, nil, "true", zap.NewNop())
	require.NoError(t, err)
	columns := agg.Columns(ctx)
	quality := columnByKey(columns, ".quality.item")
	require.NotNil(t, quality)
	// Both items contribute values.
	assert.Equal(t, 2, quality.Count)
	assert.Equal(t, 0.5, *quality.Min)
	assert.Equal(t, 0.9, *quality.Max)
}
