package page

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Column names of the published formulary sheet.
const (
	ColGenericName = "Generic Name"
	ColBrand       = "Brand"
	ColCategory    = "Category"
	ColGroup       = "FUKKM System/Group"
	colQuota       = "is_quota"
)

var ErrNoHeader = errors.New("dataset has no header row")

// Medication is one formulary row. Fields holds every sheet column except the
// quota flag, which is parsed into Quota.
type Medication struct {
	Fields map[string]string `json:"fields"`
	Quota  bool              `json:"quota"`
}

func (m Medication) GenericName() string { return m.Fields[ColGenericName] }
func (m Medication) Brand() string       { return m.Fields[ColBrand] }
func (m Medication) Category() string    { return m.Fields[ColCategory] }
func (m Medication) Group() string       { return m.Fields[ColGroup] }

// ParseDataset reads the CSV export: a header row, then one medication per
// row. Blank lines are skipped; a ragged row fails the whole parse. Rows come
// back sorted by generic name, case-insensitively.
func ParseDataset(r io.Reader) ([]Medication, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrNoHeader
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	header[0] = strings.TrimPrefix(header[0], "\ufeff")

	var out []Medication
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		m := Medication{Fields: make(map[string]string, len(header))}
		for i, col := range header {
			if col == colQuota {
				m.Quota = rec[i] == "TRUE"
				continue
			}
			m.Fields[col] = rec[i]
		}
		out = append(out, m)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return strings.ToUpper(out[i].GenericName()) < strings.ToUpper(out[j].GenericName())
	})
	return out, nil
}
