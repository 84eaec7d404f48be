// Package plottable discovers and materializes plottable data columns across
// an item's folder metadata, item metadata, annotation attributes and
// annotation element bounding boxes.  Column presence across heterogeneous
// items is only known after a full sweep, so the aggregator deliberately
// over-scans and then reduces.
package plottable

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wholeslide/annostore/internal/access"
	"github.com/wholeslide/annostore/internal/store"
	"github.com/wholeslide/annostore/pkg/geometry"
	"github.com/wholeslide/annostore/pkg/query"
)

const (
	maxItems              = 1000
	maxAnnotationElements = 10000
	maxDistinct           = 20
)

// AllSentinel selects every annotation (or item) instead of an explicit list.
const AllSentinel = "__all__"

// Column describes one discovered data series.
type Column struct {
	Key           string   `json:"key"`
	Type          string   `json:"type"`
	Title         string   `json:"title"`
	Count         int      `json:"count"`
	Distinct      []any    `json:"distinct,omitempty"`
	DistinctCount int      `json:"distinctcount,omitempty"`
	Min           *float64 `json:"min,omitempty"`
	Max           *float64 `json:"max,omitempty"`
	Index         int      `json:"index,omitempty"`

	where       [][3]string
	distinctSet map[any]struct{}
}

// Table is the dense row-major result of materialization.
type Table struct {
	Columns []*Column `json:"columns"`
	Data    [][]any   `json:"data"`
}

// rowKey identifies one logical data row: the column's where entry, the
// auxiliary (adjacent) item index, the annotation index, and the record index
// within the scanned array.
type rowKey struct {
	Where int
	Aux   int
	Aux2  int
	Row   int
}

func (k rowKey) less(o rowKey) bool {
	if k.Where != o.Where {
		return k.Where < o.Where
	}
	if k.Aux != o.Aux {
		return k.Aux < o.Aux
	}
	if k.Aux2 != o.Aux2 {
		return k.Aux2 < o.Aux2
	}
	return k.Row < o.Row
}

// Aggregator gathers plottable data rooted at one item.
type Aggregator struct {
	store *store.Store
	user  *access.Principal
	log   *zap.Logger

	item        *store.Item
	folder      *store.Folder
	items       []*store.Item
	annotations [][]*store.Annotation

	columns     []*Column
	datacolumns map[string]map[rowKey]any

	keyCacheMu sync.Mutex
	keyCache   map[string][2]string
}

// New builds an aggregator.  annotations is nil, a list of annotation ids, or
// the __all__ sentinel.  adjacent is "", "true" (siblings of the same
// folder) or __all__.
func New(ctx context.Context, st *store.Store, user *access.Principal, item *store.Item, annotations []string, adjacent string, log *zap.Logger) (*Aggregator, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &Aggregator{
		store:    st,
		user:     user,
		log:      log,
		item:     item,
		keyCache: map[string][2]string{},
	}
	if err := a.findItems(ctx, adjacent); err != nil {
		return nil, err
	}
	if err := a.findAnnotations(ctx, annotations); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Aggregator) findItems(ctx context.Context, adjacent string) error {
	folder, err := a.store.GetFolder(ctx, a.item.FolderID)
	if err != nil {
		return err
	}
	a.folder = folder
	a.items = []*store.Item{a.item}
	if adjacent == "" || strings.EqualFold(adjacent, "false") {
		return nil
	}
	siblings, err := a.store.ItemsInFolder(ctx, a.item.FolderID)
	if err != nil {
		return err
	}
	for _, entry := range siblings {
		if len(a.items) >= maxItems {
			break
		}
		if entry.ID != a.item.ID {
			a.items = append(a.items, entry)
		}
	}
	return nil
}

func (a *Aggregator) findAnnotations(ctx context.Context, annotations []string) error {
	if len(annotations) == 0 {
		return nil
	}
	admin := &access.Principal{Admin: true}
	base, err := a.store.Find(ctx, store.FindOptions{
		ItemID: a.item.ID, ActiveOnly: true,
		Principal: a.user, Level: access.Read,
	})
	if err != nil {
		return err
	}
	if annotations[0] != AllSentinel {
		wanted := map[string]struct{}{}
		for _, id := range annotations {
			wanted[id] = struct{}{}
		}
		filtered := base[:0]
		for _, annot := range base {
			if _, ok := wanted[annot.ID]; ok {
				filtered = append(filtered, annot)
			}
		}
		base = filtered
	}
	if len(base) == 0 {
		return nil
	}
	a.annotations = [][]*store.Annotation{base}
	if len(a.items) <= 1 {
		return nil
	}
	// For adjacent items, include the most recent annotation with the same
	// name as each of the base item's annotations.
	names := map[string]int{}
	for idx, annot := range base {
		if _, ok := names[annot.Annotation.Name]; !ok {
			names[annot.Annotation.Name] = idx
		}
	}
	adjacency := make([][]*store.Annotation, len(a.items)-1)
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(8)
	for i, adjacent := range a.items[1:] {
		i, adjacent := i, adjacent
		group.Go(func() error {
			list := make([]*store.Annotation, len(base))
			found, err := a.store.Find(gctx, store.FindOptions{
				ItemID: adjacent.ID, ActiveOnly: true,
				SortField: "updated", SortDir: -1,
				Principal: admin, Level: access.Read,
			})
			if err != nil {
				return err
			}
			for _, annot := range found {
				if idx, ok := names[annot.Annotation.Name]; ok && list[idx] == nil {
					list[idx] = annot
				}
			}
			adjacency[i] = list
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	a.annotations = append(a.annotations, adjacency...)
	return nil
}

// columnKeyMap canonicalizes common aliases so equivalent fields from
// different sources share one column.
var columnKeyMap = []struct {
	pattern *regexp.Regexp
	key     string
	title   string
}{
	{regexp.MustCompile(`(?i)^(item|image)_(id|name)$`), "_0_item.name", "Item Name"},
	{regexp.MustCompile(`(?i)^(low|min)(_|)x`), "_bbox.x0", "Bounding Box Low X"},
	{regexp.MustCompile(`(?i)^(low|min)(_|)y`), "_bbox.y0", "Bounding Box Low Y"},
	{regexp.MustCompile(`(?i)^(high|max)(_|)x`), "_bbox.x1", "Bounding Box High X"},
	{regexp.MustCompile(`(?i)^(high|max)(_|)y`), "_bbox.y1", "Bounding Box High Y"},
}

func (a *Aggregator) columnKey(source, root, key string) (fullkey, title string) {
	a.keyCacheMu.Lock()
	defer a.keyCacheMu.Unlock()
	hashkey := source + "\x00" + root + "\x00" + key
	if cached, ok := a.keyCache[hashkey]; ok {
		return cached[0], cached[1]
	}
	fullkey = strings.ToLower(fmt.Sprintf("%s.%s.%s", root, key, source))
	if root == "" {
		title = key
	} else {
		title = fmt.Sprintf("%s %s", root, key)
	}
	for _, alias := range columnKeyMap {
		if alias.pattern.MatchString(key) {
			fullkey, title = alias.key, alias.title
			break
		}
	}
	a.keyCache[hashkey] = [2]string{fullkey, title}
	return fullkey, title
}

func (a *Aggregator) addColumn(columns map[string]*Column, fullkey, title, root, key, source string) int {
	col, ok := columns[fullkey]
	if !ok {
		col = &Column{
			Key: fullkey, Type: "number", Title: title,
			where:       [][3]string{{root, key, source}},
			distinctSet: map[any]struct{}{},
		}
		columns[fullkey] = col
		return 0
	}
	entry := [3]string{root, key, source}
	for idx, w := range col.where {
		if w == entry {
			return idx
		}
	}
	col.where = append(col.where, entry)
	return len(col.where) - 1
}

func allowedScalar(v any) (any, bool) {
	switch val := v.(type) {
	case string, bool, float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	}
	return nil, false
}

func coercesToNumber(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	}
	return 0, false
}

// scanRecords accumulates one column's values from a list of records.
func (a *Aggregator) scanRecords(col *Column, key string, records []map[string]any, where, aux, aux2 int, item *store.Item) {
	if col.Type == "number" {
		for _, record := range records {
			v, ok := allowedScalar(record[key])
			if !ok {
				continue
			}
			if _, ok := coercesToNumber(v); !ok {
				// One non-numeric string downgrades the whole column.
				col.Type = "string"
				restrung := map[any]struct{}{}
				for d := range col.distinctSet {
					restrung[stringify(d)] = struct{}{}
				}
				col.distinctSet = restrung
				break
			}
		}
	}
	for ridx, record := range records {
		raw, ok := allowedScalar(record[key])
		if !ok {
			continue
		}
		col.Count++
		var v any
		if col.Type == "number" {
			f, _ := coercesToNumber(raw)
			v = f
			if col.Min == nil {
				low, high := f, f
				col.Min, col.Max = &low, &high
			} else {
				if f < *col.Min {
					*col.Min = f
				}
				if f > *col.Max {
					*col.Max = f
				}
			}
		} else {
			v = stringify(raw)
		}
		if len(col.distinctSet) <= maxDistinct {
			col.distinctSet[v] = struct{}{}
		}
		if a.datacolumns == nil {
			continue
		}
		rk := rowKey{Where: where, Aux: aux, Aux2: aux2, Row: ridx}
		if data, ok := a.datacolumns[col.Key]; ok {
			data[rk] = v
		}
		if item != nil {
			if data, ok := a.datacolumns["_0_item.name"]; ok {
				data[rk] = item.Name
			}
			if data, ok := a.datacolumns["_2_item.id"]; ok {
				data[rk] = item.ID
			}
		}
	}
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	}
	return fmt.Sprintf("%v", v)
}

// recordLists explodes a metadata map into scannable record lists: every
// value that is a list of objects under its key, plus the map itself as a
// single record under the empty root.
func recordLists(meta map[string]any) []struct {
	root    string
	records []map[string]any
} {
	var out []struct {
		root    string
		records []map[string]any
	}
	for root, entry := range meta {
		list, ok := entry.([]any)
		if !ok || len(list) == 0 {
			continue
		}
		records := make([]map[string]any, 0, len(list))
		valid := true
		for _, raw := range list {
			record, ok := raw.(map[string]any)
			if !ok {
				valid = false
				break
			}
			records = append(records, record)
		}
		if valid {
			out = append(out, struct {
				root    string
				records []map[string]any
			}{root, records})
		}
	}
	if len(meta) > 0 {
		out = append(out, struct {
			root    string
			records []map[string]any
		}{"", []map[string]any{meta}})
	}
	return out
}

// scanMeta discovers columns in a metadata map, plus the matching entries of
// auxiliary (adjacent) metadata maps.
func (a *Aggregator) scanMeta(meta map[string]any, source string, columns map[string]*Column, aux []map[string]any, aux2 int, items []*store.Item) {
	for _, entry := range recordLists(meta) {
		if len(entry.records) == 0 {
			continue
		}
		for key, sample := range entry.records[0] {
			if _, ok := allowedScalar(sample); !ok {
				continue
			}
			fullkey, title := a.columnKey(source, entry.root, key)
			where := a.addColumn(columns, fullkey, title, entry.root, key, source)
			col := columns[fullkey]
			var baseItem *store.Item
			if len(items) > 0 {
				baseItem = items[0]
			}
			a.scanRecords(col, key, entry.records, where, 0, aux2, baseItem)
			for auxidx, auxMeta := range aux {
				if auxMeta == nil {
					continue
				}
				var auxItem *store.Item
				if len(items) > auxidx+1 {
					auxItem = items[auxidx+1]
				}
				if entry.root == "" {
					if _, ok := auxMeta[key]; ok {
						a.scanRecords(col, key, []map[string]any{auxMeta}, where, auxidx+1, aux2, auxItem)
					}
					continue
				}
				list, ok := auxMeta[entry.root].([]any)
				if !ok || len(list) == 0 {
					continue
				}
				records := make([]map[string]any, 0, len(list))
				for _, raw := range list {
					record, ok := raw.(map[string]any)
					if !ok {
						records = nil
						break
					}
					records = append(records, record)
				}
				if len(records) > 0 {
					if _, ok := records[0][key]; ok {
						a.scanRecords(col, key, records, where, auxidx+1, aux2, auxItem)
					}
				}
			}
		}
	}
}

// scanElements projects element bounding boxes of the base item's
// annotations into the bbox columns, capped at maxAnnotationElements.
func (a *Aggregator) scanElements(ctx context.Context, columns map[string]*Column) {
	if len(a.annotations) == 0 {
		return
	}
	budget := maxAnnotationElements
	for anidx, annot := range a.annotations[0] {
		if budget <= 0 {
			a.log.Info("element scan truncated",
				zap.Int("cap", maxAnnotationElements))
			break
		}
		region := &query.Region{Limit: int64(budget)}
		cursor, err := a.store.YieldElements(ctx, annot, region, &query.Info{})
		if err != nil {
			a.log.Warn("could not scan annotation elements",
				zap.String("annotation", annot.ID), zap.Error(err))
			continue
		}
		elements, err := cursor.Collect()
		if err != nil {
			a.log.Warn("could not scan annotation elements",
				zap.String("annotation", annot.ID), zap.Error(err))
			continue
		}
		budget -= len(elements)
		records := make([]map[string]any, len(elements))
		for i, element := range elements {
			bounds := elementBounds(element)
			records[i] = bounds
		}
		for _, spec := range [][3]string{
			{"bbox", "lowx", "annotationelement"},
			{"bbox", "lowy", "annotationelement"},
			{"bbox", "highx", "annotationelement"},
			{"bbox", "highy", "annotationelement"},
		} {
			fullkey, title := a.columnKey(spec[2], spec[0], spec[1])
			where := a.addColumn(columns, fullkey, title, spec[0], spec[1], spec[2])
			col := columns[fullkey]
			a.scanRecords(col, spec[1], records, where, 0, anidx, a.item)
			if a.datacolumns != nil {
				for ridx := range records {
					rk := rowKey{Where: where, Aux: 0, Aux2: anidx, Row: ridx}
					if data, ok := a.datacolumns["_1_annotation.name"]; ok {
						data[rk] = annot.Annotation.Name
					}
					if data, ok := a.datacolumns["_3_annotation.id"]; ok {
						data[rk] = annot.ID
					}
				}
			}
		}
	}
}

func elementBounds(element geometry.Element) map[string]any {
	bounds := geometry.Bounds(element)
	return map[string]any{
		"lowx": bounds.LowX, "lowy": bounds.LowY,
		"highx": bounds.HighX, "highy": bounds.HighY,
	}
}

// Columns discovers the plottable columns, sorted by key.
func (a *Aggregator) Columns(ctx context.Context) []*Column {
	if a.columns != nil && a.datacolumns == nil {
		return a.columns
	}
	columns := map[string]*Column{}
	a.addColumn(columns, "_0_item.name", "Item Name", "Item", "name", "base")
	a.addColumn(columns, "_2_item.id", "Item ID", "Item", "_id", "base")
	if a.folder != nil {
		a.scanMeta(a.folder.Meta, "folder", columns, nil, 0, nil)
	}
	var auxMeta []map[string]any
	for _, item := range a.items[1:] {
		auxMeta = append(auxMeta, item.Meta)
	}
	a.scanMeta(a.item.Meta, "item", columns, auxMeta, 0, a.items)
	if len(a.annotations) > 0 {
		for anidx, annot := range a.annotations[0] {
			var auxAttrs []map[string]any
			for _, itemAnnots := range a.annotations[1:] {
				if itemAnnots[anidx] == nil {
					auxAttrs = append(auxAttrs, nil)
					continue
				}
				auxAttrs = append(auxAttrs, itemAnnots[anidx].Annotation.Attributes)
			}
			a.scanMeta(annot.Annotation.Attributes, "annotation", columns, auxAttrs, anidx, nil)
			if anidx == 0 {
				a.addColumn(columns, "_1_annotation.name", "Annotation Name",
					"Annotation", "name", "base")
				a.addColumn(columns, "_3_annotation.id", "Annotation ID",
					"Annotation", "_id", "base")
			}
		}
		a.scanElements(ctx, columns)
	}
	list := make([]*Column, 0, len(columns))
	for _, col := range columns {
		finishColumn(col)
		list = append(list, col)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Key < list[j].Key })
	a.columns = list
	return list
}

func finishColumn(col *Column) {
	if len(col.distinctSet) <= maxDistinct {
		col.Distinct = sortedDistinct(col.distinctSet)
		col.DistinctCount = len(col.Distinct)
	} else {
		col.Distinct = nil
		col.DistinctCount = 0
	}
	if col.Type != "number" {
		col.Min, col.Max = nil, nil
	}
}

func sortedDistinct(set map[any]struct{}) []any {
	out := make([]any, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		return stringify(out[i]) < stringify(out[j])
	})
	return out
}

// Data materializes the dense table for the requested columns.  Rows missing
// a value in any required column are dropped, and the per-column statistics
// are recomputed from the final table.
func (a *Aggregator) Data(ctx context.Context, columns, requiredColumns []string) *Table {
	a.datacolumns = map[string]map[rowKey]any{}
	for _, key := range columns {
		a.datacolumns[key] = map[rowKey]any{}
	}
	a.columns = nil
	collist := a.Columns(ctx)
	collected := a.datacolumns
	a.datacolumns = nil

	rowSet := map[rowKey]struct{}{}
	for _, coldata := range collected {
		for rk := range coldata {
			rowSet[rk] = struct{}{}
		}
	}
	rows := make([]rowKey, 0, len(rowSet))
	for rk := range rowSet {
		rows = append(rows, rk)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].less(rows[j]) })

	requested := map[string]struct{}{}
	for _, key := range columns {
		requested[key] = struct{}{}
	}
	colsout := []*Column{}
	for _, col := range collist {
		if _, ok := requested[col.Key]; ok {
			copied := *col
			colsout = append(colsout, &copied)
		}
	}
	for cidx, col := range colsout {
		col.Index = cidx
	}
	a.log.Info("gathering plottable data",
		zap.Int("columns", len(colsout)), zap.Int("rows", len(rows)))

	data := make([][]any, len(rows))
	for ridx := range rows {
		data[ridx] = make([]any, len(colsout))
	}
	for cidx, col := range colsout {
		coldata := collected[col.Key]
		for ridx, rk := range rows {
			if v, ok := coldata[rk]; ok {
				data[ridx][cidx] = v
			}
		}
	}
	required := map[string]struct{}{}
	for _, key := range requiredColumns {
		required[key] = struct{}{}
	}
	for cidx, col := range colsout {
		if _, ok := required[col.Key]; !ok {
			continue
		}
		before := len(data)
		kept := data[:0]
		for _, row := range data {
			if row[cidx] != nil {
				kept = append(kept, row)
			}
		}
		data = kept
		if len(data) < before {
			a.log.Info("dropped rows with missing required column",
				zap.String("column", col.Key),
				zap.Int("from", before), zap.Int("to", len(data)))
		}
	}
	for cidx, col := range colsout {
		recomputeColumn(col, cidx, data)
	}
	return &Table{Columns: colsout, Data: data}
}

func recomputeColumn(col *Column, cidx int, data [][]any) {
	col.Count = 0
	col.Min, col.Max = nil, nil
	distinct := map[any]struct{}{}
	for _, row := range data {
		v := row[cidx]
		if v == nil {
			continue
		}
		col.Count++
		if col.Type == "number" {
			if f, ok := v.(float64); ok {
				if col.Min == nil {
					low, high := f, f
					col.Min, col.Max = &low, &high
				} else {
					if f < *col.Min {
						*col.Min = f
					}
					if f > *col.Max {
						*col.Max = f
					}
				}
			}
		}
		if len(distinct) <= maxDistinct {
			distinct[stringify(v)] = struct{}{}
		}
	}
	if len(distinct) <= maxDistinct {
		col.Distinct = sortedDistinct(distinct)
		col.DistinctCount = len(col.Distinct)
	} else {
		col.Distinct = nil
		col.DistinctCount = 0
	}
}
