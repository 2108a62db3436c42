// Package export writes the flat rows of snapshots to BigQuery.
package export

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"

	"github.com/getsentry/cctprof/internal/snapshot"
)

type (
	// Inserter is satisfied by *bigquery.Inserter.
	Inserter interface {
		Put(ctx context.Context, src interface{}) error
	}

	Row struct {
		SessionID  string
		SnapshotID string
		BeginTime  time.Time
		DurationNS int64
		Index      int
		snapshot.Row
	}
)

var _ bigquery.ValueSaver = (*Row)(nil)

func (r *Row) Save() (map[string]bigquery.Value, string, error) {
	return map[string]bigquery.Value{
		"session_id":  r.SessionID,
		"snapshot_id": r.SnapshotID,
		"begin_time":  r.BeginTime,
		"duration_ns": r.DurationNS,
		"label":       r.Label,
		"kind":        r.Kind.String(),
		"command":     r.Command.String(),
		"tables":      strings.Join(r.Tables, ","),
		"invocations": r.Invocations,
		"time0_ns":    r.Time0,
		"time1_ns":    r.Time1,
	}, fmt.Sprintf("%s/%s/%d", r.SessionID, r.SnapshotID, r.Index), nil
}

// Rows returns one row per invoked call site of s.
func Rows(sessionID, snapshotID string, s *snapshot.Snapshot) []*Row {
	rows := make([]*Row, 0, len(s.Rows))
	for i, r := range s.Rows {
		if r.Invocations == 0 {
			continue
		}
		rows = append(rows, &Row{
			SessionID:  sessionID,
			SnapshotID: snapshotID,
			BeginTime:  s.BeginTime,
			DurationNS: s.Duration.Nanoseconds(),
			Index:      i,
			Row:        r,
		})
	}
	return rows
}

// Snapshot inserts the rows of s. Diff snapshots are refused since their
// rows are deltas.
func Snapshot(ctx context.Context, ins Inserter, sessionID, snapshotID string, s *snapshot.Snapshot) (int, error) {
	if s.IsDiff {
		return 0, fmt.Errorf("export: snapshot %s is a diff", snapshotID)
	}
	rows := Rows(sessionID, snapshotID, s)
	if len(rows) == 0 {
		return 0, nil
	}
	if err := ins.Put(ctx, rows); err != nil {
		return 0, fmt.Errorf("export: %w", err)
	}
	return len(rows), nil
}
