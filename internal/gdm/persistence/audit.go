package persistence

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
)

// Audit CSV column headers. The leading empty header is the row index column
// existing readers of the bucket expect.
const (
	headerIdentifier = "Study Participant ID"
	headerPrediction = "Prediction"
	headerClinician  = "Clinician Prediction"
)

// AuditRecord is the minimal durable record of one classification.
type AuditRecord struct {
	Identifier string `json:"studyId"`
	Prediction int    `json:"prediction"`
	Clinician  int    `json:"clinicianPrediction"`
}

// ObjectKey is the deterministic key for an identifier.
func ObjectKey(identifier string) string {
	return fmt.Sprintf("GDM_prediction_%s.csv", identifier)
}

// EncodeAuditCSV renders r as a header row plus one indexed data row.
func EncodeAuditCSV(r AuditRecord) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	rows := [][]string{
		{"", headerIdentifier, headerPrediction, headerClinician},
		{"0", r.Identifier, strconv.Itoa(r.Prediction), strconv.Itoa(r.Clinician)},
	}
	if err := w.WriteAll(rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeAuditCSV parses what EncodeAuditCSV wrote. The index column is
// optional.
func DecodeAuditCSV(data []byte) (*AuditRecord, error) {
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) != 2 {
		return nil, fmt.Errorf("expected header and one row, got %d rows", len(rows))
	}

	header, row := rows[0], rows[1]
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[h] = i
	}

	get := func(name string) (string, error) {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return "", fmt.Errorf("missing column %q", name)
		}
		return row[i], nil
	}

	id, err := get(headerIdentifier)
	if err != nil {
		return nil, err
	}
	pred, err := getInt(get, headerPrediction)
	if err != nil {
		return nil, err
	}
	clin, err := getInt(get, headerClinician)
	if err != nil {
		return nil, err
	}

	return &AuditRecord{Identifier: id, Prediction: pred, Clinician: clin}, nil
}

func getInt(get func(string) (string, error), name string) (int, error) {
	s, err := get(name)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("column %q: %w", name, err)
	}
	return v, nil
}
