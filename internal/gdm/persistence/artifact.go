package persistence

import (
	"bytes"
	"encoding/csv"
	"fmt"

	"gdm-risk-service/internal/gdm/features"
)

const ContentTypeCSV = "text/csv"

// Artifact is the downloadable copy of a complete FeatureRecord.
type Artifact struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	Data        []byte `json:"-"`
}

// ExportFull serializes every field of record as a header row and one data
// row, in canonical order and without an index column. It does not touch the
// durable store.
func ExportFull(record *features.FeatureRecord) (*Artifact, error) {
	if record == nil {
		return nil, fmt.Errorf("nil feature record")
	}

	fields := record.Fields()
	header := make([]string, len(fields))
	row := make([]string, len(fields))
	for i, f := range fields {
		header[i] = f.Name
		row[i] = f.String()
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll([][]string{header, row}); err != nil {
		return nil, err
	}

	return &Artifact{
		FileName:    ObjectKey(record.Identifier()),
		ContentType: ContentTypeCSV,
		Data:        buf.Bytes(),
	}, nil
}
