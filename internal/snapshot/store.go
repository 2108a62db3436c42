package snapshot

import (
	"context"
	"io"

	"github.com/getsentry/cctprof/internal/storageutil"
)

// Save writes s compressed under StoragePath(session, id).
func Save(ctx context.Context, h storageutil.ObjectHandler, session, id string, s *Snapshot) error {
	return storageutil.CompressedWrite(ctx, h, StoragePath(session, id), func(w io.Writer) error {
		return Write(w, s)
	})
}

func Load(ctx context.Context, h storageutil.ObjectHandler, session, id string) (*Snapshot, error) {
	var s *Snapshot
	err := storageutil.CompressedRead(ctx, h, StoragePath(session, id), func(r io.Reader) error {
		var err error
		s, err = Read(r)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

type (
	ReadJob struct {
		Ctx        context.Context
		Storage    storageutil.ObjectHandler
		Session    string
		SnapshotID string
		Result     chan<- storageutil.ReadJobResult
	}

	ReadJobResult struct {
		Err        error
		SnapshotID string
		Snapshot   *Snapshot
	}
)

func (job ReadJob) Read() {
	s, err := Load(job.Ctx, job.Storage, job.Session, job.SnapshotID)
	job.Result <- ReadJobResult{Err: err, SnapshotID: job.SnapshotID, Snapshot: s}
}

func (result ReadJobResult) Error() error {
	return result.Err
}
