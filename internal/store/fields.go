package store

import (
	"fmt"
	"strings"

	"trailsync/internal/models"
)

// jobField maps one JobProgress field onto its sync_jobs column. Column names
// never come from callers; only this table is interpolated into SQL.
type jobField struct {
	column string
	// monotonic columns never move backwards.
	monotonic bool
	value     func(models.JobProgress) (any, bool)
}

var jobFields = []jobField{
	{
		column: "total_expected",
		value: func(p models.JobProgress) (any, bool) {
			if p.TotalExpected == nil {
				return nil, false
			}
			return *p.TotalExpected, true
		},
	},
	{
		column:    "total_imported",
		monotonic: true,
		value: func(p models.JobProgress) (any, bool) {
			if p.TotalImported == nil {
				return nil, false
			}
			return *p.TotalImported, true
		},
	},
	{
		column:    "current_batch",
		monotonic: true,
		value: func(p models.JobProgress) (any, bool) {
			if p.CurrentBatch == nil {
				return nil, false
			}
			return *p.CurrentBatch, true
		},
	},
	{
		column: "sync_cursor",
		value: func(p models.JobProgress) (any, bool) {
			if p.SyncCursor == nil {
				return nil, false
			}
			return *p.SyncCursor, true
		},
	},
}

// progressAssignments renders the SET list for a progress update. Placeholders
// start at $firstArg so callers can reserve lower positions for the WHERE clause.
func progressAssignments(p models.JobProgress, firstArg int) (string, []any) {
	var sets []string
	var args []any
	for _, f := range jobFields {
		v, ok := f.value(p)
		if !ok {
			continue
		}
		n := firstArg + len(args)
		if f.monotonic {
			sets = append(sets, fmt.Sprintf("%s = GREATEST(%s, $%d)", f.column, f.column, n))
		} else {
			sets = append(sets, fmt.Sprintf("%s = $%d", f.column, n))
		}
		args = append(args, v)
	}
	return strings.Join(sets, ", "), args
}

// checkpointColumns maps a data source to its users.*_last_sync_at column.
var checkpointColumns = map[models.DataSource]string{
	models.SourceSwarm:  "swarm_last_sync_at",
	models.SourceStrava: "strava_last_sync_at",
	models.SourceGarmin: "garmin_last_sync_at",
}

func checkpointColumn(src models.DataSource) (string, error) {
	col, ok := checkpointColumns[src]
	if !ok {
		return "", fmt.Errorf("no checkpoint column for data source %q", src)
	}
	return col, nil
}
