package enrich

import (
	"github.com/sells-group/hmo-register/internal/model"
)

// MergeStats summarises a merge.
type MergeStats struct {
	Rows       int
	Matched    int
	Unmatched  int
	NoPostcode int
}

// Merge left-joins index onto the table by postcode. Every row is kept;
// matched rows gain coordinates, all others get nil coordinates.
func Merge(table *model.Table, index map[string]model.Coordinates) MergeStats {
	stats := MergeStats{Rows: table.Len()}
	if table == nil {
		return stats
	}

	for i := range table.Rows {
		row := &table.Rows[i]
		row.Coordinates = nil

		if row.Postcode == nil {
			stats.NoPostcode++
			continue
		}
		c, ok := index[*row.Postcode]
		if !ok {
			stats.Unmatched++
			continue
		}
		coords := c
		row.Coordinates = &coords
		stats.Matched++
	}
	return stats
}
