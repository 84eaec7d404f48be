// Package encode writes annotation responses incrementally.  The header
// object is written field by field up to the elements array, the elements are
// streamed into the slot in batches, and the element query metadata follows
// once the cursor is exhausted.  In centroid mode the slot holds a framed
// binary payload instead of JSON elements.
package encode

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"strconv"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/wholeslide/annostore/internal/store"
	"github.com/wholeslide/annostore/pkg/pool"
)

// batchSize balances memory use against per-write overhead.  Around 100 is
// measurably faster than 10 and not much slower than 1000.
const batchSize = 100

// centroidRecordSize is the packed size of one centroid: two id halves, three
// little-endian float32 fields and an int32 property index.
const centroidRecordSize = 28

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ContentType returns the response content type for the given mode.
func ContentType(centroids bool) string {
	if centroids {
		return "application/octet-stream"
	}
	return "application/json"
}

// Encoder streams annotation documents to a writer.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder wraps a writer.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// WriteAnnotation emits the annotation with its elements drawn from the
// cursor.  The cursor's mode (JSON or centroid) selects the element
// encoding; the cursor is closed when done.
func (e *Encoder) WriteAnnotation(a *store.Annotation, cursor *store.ElementCursor) error {
	defer cursor.Close()
	info := cursor.Info()

	if err := e.writeHeaderOpen(a); err != nil {
		return err
	}
	var err error
	if info.Centroids {
		err = e.streamCentroids(cursor)
	} else {
		err = e.streamElements(cursor)
	}
	if err != nil {
		return err
	}
	if _, err := e.w.WriteString(`]},"_elementQuery":`); err != nil {
		return err
	}
	if err := e.writeValue(info); err != nil {
		return err
	}
	if _, err := e.w.WriteString("}"); err != nil {
		return err
	}
	return e.w.Flush()
}

// writeHeaderOpen writes the document up to and including the opening
// bracket of the elements array.
func (e *Encoder) writeHeaderOpen(a *store.Annotation) error {
	if _, err := e.w.WriteString(`{"_id":`); err != nil {
		return err
	}
	if err := e.writeValue(a.ID); err != nil {
		return err
	}
	if a.AnnotationID != "" {
		if err := e.writeField("_annotationId", a.AnnotationID); err != nil {
			return err
		}
	}
	if err := e.writeField("itemId", a.ItemID); err != nil {
		return err
	}
	if err := e.writeField("creatorId", a.CreatorID); err != nil {
		return err
	}
	if err := e.writeField("updatedId", a.UpdatedID); err != nil {
		return err
	}
	if err := e.writeField("created", a.Created); err != nil {
		return err
	}
	if err := e.writeField("updated", a.Updated); err != nil {
		return err
	}
	if err := e.writeField("_version", a.Version); err != nil {
		return err
	}
	if err := e.writeField("_active", a.Active); err != nil {
		return err
	}
	if err := e.writeField("public", a.Public); err != nil {
		return err
	}
	if a.PublicFlags != nil {
		if err := e.writeField("publicFlags", a.PublicFlags); err != nil {
			return err
		}
	}
	if a.Access != nil {
		if err := e.writeField("access", a.Access); err != nil {
			return err
		}
	}
	if a.Groups != nil {
		if err := e.writeField("groups", a.Groups); err != nil {
			return err
		}
	}
	if a.VersionID != "" {
		if err := e.writeField("_versionId", a.VersionID); err != nil {
			return err
		}
	}
	if _, err := e.w.WriteString(`,"annotation":{"name":`); err != nil {
		return err
	}
	if err := e.writeValue(a.Annotation.Name); err != nil {
		return err
	}
	if a.Annotation.Description != "" {
		if err := e.writeField("description", a.Annotation.Description); err != nil {
			return err
		}
	}
	if a.Annotation.Attributes != nil {
		if err := e.writeField("attributes", a.Annotation.Attributes); err != nil {
			return err
		}
	}
	_, err := e.w.WriteString(`,"elements":[`)
	return err
}

func (e *Encoder) writeField(name string, v any) error {
	if _, err := e.w.WriteString(`,"` + name + `":`); err != nil {
		return err
	}
	return e.writeValue(v)
}

func (e *Encoder) writeValue(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = e.w.Write(raw)
	return err
}

// streamElements writes the cursor's elements as comma-separated JSON, in
// batches with the batch's outer brackets stripped.
func (e *Encoder) streamElements(cursor *store.ElementCursor) error {
	batch := pool.GetBatch()
	defer func() { pool.PutBatch(batch) }()
	wrote := false
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		raw, err := json.Marshal(batch)
		if err != nil {
			return err
		}
		if wrote {
			if err := e.w.WriteByte(','); err != nil {
				return err
			}
		}
		if _, err := e.w.Write(raw[1 : len(raw)-1]); err != nil {
			return err
		}
		wrote = true
		batch = batch[:0]
		return nil
	}
	for {
		element, _, err := cursor.Next()
		if err != nil {
			return err
		}
		if element == nil {
			break
		}
		batch = append(batch, element)
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// streamCentroids writes the framed binary payload: a leading null byte, one
// 28-byte record per element, a trailing null byte.
func (e *Encoder) streamCentroids(cursor *store.ElementCursor) error {
	if err := e.w.WriteByte(0); err != nil {
		return err
	}
	record := pool.GetRecord()
	defer pool.PutRecord(record)
	for {
		_, centroid, err := cursor.Next()
		if err != nil {
			return err
		}
		if centroid == nil {
			break
		}
		if err := packCentroid(record, centroid); err != nil {
			return err
		}
		if _, err := e.w.Write(record); err != nil {
			return err
		}
	}
	return e.w.WriteByte(0)
}

// packCentroid fills a 28-byte record.  The 24 hex digit id is packed
// big-endian as a uint64 (first 16 digits) and uint32 (last 8); the
// coordinates, size and property index are little-endian.
func packCentroid(buf []byte, c *store.Centroid) error {
	if len(c.ID) != 24 {
		return errors.Errorf("element id %q is not 24 hex digits", c.ID)
	}
	hi, err := strconv.ParseUint(c.ID[:16], 16, 64)
	if err != nil {
		return errors.Wrap(err, "parse element id")
	}
	lo, err := strconv.ParseUint(c.ID[16:24], 16, 32)
	if err != nil {
		return errors.Wrap(err, "parse element id")
	}
	binary.BigEndian.PutUint64(buf[0:8], hi)
	binary.BigEndian.PutUint32(buf[8:12], uint32(lo))
	binary.LittleEndian.PutUint32(buf[12:16], math.Float32bits(float32(c.CX)))
	binary.LittleEndian.PutUint32(buf[16:20], math.Float32bits(float32(c.CY)))
	binary.LittleEndian.PutUint32(buf[20:24], math.Float32bits(float32(c.Size)))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(c.PropIndex))
	return nil
}

// WriteAnnotationList streams a JSON array of annotations, each rendered with
// its own cursor.  next returns the document and cursor for each entry and
// nil once done.
func (e *Encoder) WriteAnnotationList(next func() (*store.Annotation, *store.ElementCursor, error)) error {
	if err := e.w.WriteByte('['); err != nil {
		return err
	}
	first := true
	for {
		a, cursor, err := next()
		if err != nil {
			return err
		}
		if a == nil {
			break
		}
		if !first {
			if _, err := e.w.WriteString(",\n"); err != nil {
				return err
			}
		}
		if err := e.WriteAnnotation(a, cursor); err != nil {
			return err
		}
		first = false
	}
	if err := e.w.WriteByte(']'); err != nil {
		return err
	}
	return e.w.Flush()
}
