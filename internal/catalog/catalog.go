package catalog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// DefaultColumn is the display-name column of the YAMNet class map
const DefaultColumn = "display_name"

// Catalog is the ordered list of class names matching the model output indices.
// It is immutable after construction.
type Catalog struct {
	names  []string
	source string
}

// New builds a catalog from names; the slice is copied
func New(names []string, source string) (*Catalog, error) {
	if len(names) == 0 {
		return nil, errors.New("catalog is empty")
	}
	copied := make([]string, len(names))
	copy(copied, names)
	return &Catalog{names: copied, source: source}, nil
}

// Len returns the number of classes
func (c *Catalog) Len() int {
	return len(c.names)
}

// Name returns the class name for a model output index
func (c *Catalog) Name(index int) (string, error) {
	if index < 0 || index >= len(c.names) {
		return "", fmt.Errorf("class index %d out of range [0, %d)", index, len(c.names))
	}
	return c.names[index], nil
}

// Names returns a copy of all class names in index order
func (c *Catalog) Names() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// Source returns where the catalog was loaded from
func (c *Catalog) Source() string {
	return c.source
}

// IndexOf returns the first index whose name contains keyword (case-insensitive), or -1
func (c *Catalog) IndexOf(keyword string) int {
	keyword = strings.ToLower(keyword)
	for i, name := range c.names {
		if strings.Contains(strings.ToLower(name), keyword) {
			return i
		}
	}
	return -1
}

// Parse reads a CSV class map with a header row.
// Names are taken from column; when an "index" column is present each
// row's index must equal its position.
func Parse(r io.Reader, column, source string) (*Catalog, error) {
	if column == "" {
		column = DefaultColumn
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, errors.New("class map is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read class map header: %w", err)
	}

	nameCol, indexCol := -1, -1
	for i, h := range header {
		switch strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")) {
		case column:
			nameCol = i
		case "index":
			indexCol = i
		}
	}
	if nameCol < 0 {
		return nil, fmt.Errorf("class map has no %q column (header: %s)", column, strings.Join(header, ","))
	}

	var names []string
	for row := 0; ; row++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read class map row %d: %w", row+1, err)
		}

		if nameCol >= len(record) {
			return nil, fmt.Errorf("class map row %d has %d fields, want at least %d", row+1, len(record), nameCol+1)
		}

		if indexCol >= 0 && indexCol < len(record) {
			idx, err := strconv.Atoi(strings.TrimSpace(record[indexCol]))
			if err != nil {
				return nil, fmt.Errorf("class map row %d: invalid index %q", row+1, record[indexCol])
			}
			if idx != row {
				return nil, fmt.Errorf("class map row %d: index %d out of order", row+1, idx)
			}
		}

		names = append(names, strings.TrimSpace(record[nameCol]))
	}

	return New(names, source)
}
