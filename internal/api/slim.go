package api

// Slim response builders: listing endpoints only serialize the header fields
// clients actually use, never the element payloads.

import (
	"github.com/wholeslide/annostore/internal/store"
)

// slimBody nests the name and description the way full records do.
type slimBody struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// slimRecord is the wire form of a listed annotation.
type slimRecord struct {
	ID         string    `json:"_id"`
	ItemID     string    `json:"itemId"`
	CreatorID  string    `json:"creatorId"`
	UpdatedID  string    `json:"updatedId"`
	Created    int64     `json:"created"`
	Updated    int64     `json:"updated"`
	Version    int64     `json:"_version"`
	Active     bool      `json:"_active"`
	Public     bool      `json:"public"`
	Groups     []*string `json:"groups"`
	Annotation slimBody  `json:"annotation"`
}

// slimAnnotations converts full headers to the reduced listing form.
func slimAnnotations(annotations []*store.Annotation) []slimRecord {
	out := make([]slimRecord, 0, len(annotations))
	for _, a := range annotations {
		out = append(out, slimRecord{
			ID:        a.ID,
			ItemID:    a.ItemID,
			CreatorID: a.CreatorID,
			UpdatedID: a.UpdatedID,
			Created:   a.Created,
			Updated:   a.Updated,
			Version:   a.Version,
			Active:    a.Active,
			Public:    a.Public,
			Groups:    a.Groups,
			Annotation: slimBody{
				Name:        a.Annotation.Name,
				Description: a.Annotation.Description,
			},
		})
	}
	return out
}
