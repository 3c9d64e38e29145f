package services

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"investigation-lab/internal/domain/models"
)

// reservedKeyPrefix marks framework-internal attributes kept out of exports.
const reservedKeyPrefix = "$$"

// ExportHeader is the fixed part of every export header.
var ExportHeader = []string{"query", "expert"}

// ObservedKeys returns the distinct reply attribute keys across groups in
// first-seen order, skipping reserved keys.
func ObservedKeys(groups []*models.ReplyGroup) []string {
	seen := make(map[string]bool)
	var keys []string
	for _, g := range groups {
		for _, e := range g.Experts {
			for _, items := range e.Replies {
				for _, a := range items {
					if seen[a.Key] || strings.HasPrefix(a.Key, reservedKeyPrefix) {
						continue
					}
					seen[a.Key] = true
					keys = append(keys, a.Key)
				}
			}
		}
	}
	return keys
}

// ExportTable flattens reply groups into rows: one row per reply, in group
// order, then responder order, then arrival order. Multi-valued cells are
// joined with commas; columns a reply does not carry stay empty.
func ExportTable(groups []*models.ReplyGroup) [][]string {
	header := append(append([]string(nil), ExportHeader...), ObservedKeys(groups)...)
	index := make(map[string]int, len(header))
	for i, key := range header {
		if _, ok := index[key]; !ok {
			index[key] = i
		}
	}

	table := [][]string{header}
	for _, g := range groups {
		for _, e := range g.Experts {
			for _, items := range e.Replies {
				row := make([]string, len(header))
				row[0] = g.QueryString
				row[1] = e.Nick
				for _, a := range items {
					if i, ok := index[a.Key]; ok {
						row[i] = strings.Join(a.Values, ",")
					}
				}
				table = append(table, row)
			}
		}
	}
	return table
}

// WriteTableCSV renders table as CSV.
func WriteTableCSV(w io.Writer, table [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.WriteAll(table); err != nil {
		return fmt.Errorf("failed to write csv: %w", err)
	}
	return nil
}
