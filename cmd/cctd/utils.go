package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/goccy/go-json"
	"github.com/julienschmidt/httprouter"

	"github.com/getsentry/cctprof/internal/httputil"
	"github.com/getsentry/cctprof/internal/peer"
	"github.com/getsentry/cctprof/internal/session"
	"github.com/getsentry/cctprof/internal/snapshot"
	"github.com/getsentry/cctprof/internal/storageutil"
)

const peerPrefix = "peer:"

var (
	errBadRequest = errors.New("bad request")
	errNoPeer     = errors.New("no peer configured")

	errThreadNotFound = errors.New("thread not found")
)

// snapshotRef designates a stored snapshot as session/snapshot, prefixed
// with peer: when it lives on the configured peer.
type snapshotRef struct {
	raw      string
	remote   bool
	session  string
	snapshot string
}

func parseSnapshotRef(raw string) (snapshotRef, error) {
	ref := snapshotRef{raw: raw}
	s := raw
	if strings.HasPrefix(s, peerPrefix) {
		ref.remote = true
		s = strings.TrimPrefix(s, peerPrefix)
	}
	sessionID, snapshotID, found := strings.Cut(s, "/")
	if !found || sessionID == "" || snapshotID == "" || strings.Contains(snapshotID, "/") {
		return ref, fmt.Errorf("%w: invalid snapshot reference %q", errBadRequest, raw)
	}
	ref.session, ref.snapshot = sessionID, snapshotID
	return ref, nil
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, errNoPeer):
		return http.StatusNotImplemented
	case errors.Is(err, session.ErrNotFound), errors.Is(err, errThreadNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrExists):
		return http.StatusConflict
	default:
		return httputil.StatusCode(err)
	}
}

func handleError(w http.ResponseWriter, hub *sentry.Hub, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError && hub != nil {
		hub.CaptureException(err)
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v interface{}) {
	s := sentry.StartSpan(ctx, "json.marshal")
	defer s.Finish()
	b, err := json.Marshal(v)
	if err != nil {
		handleError(w, sentry.GetHubFromContext(ctx), err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func int32Param(ps httprouter.Params, name string) (int32, error) {
	v, err := strconv.ParseInt(ps.ByName(name), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", errBadRequest, name)
	}
	return int32(v), nil
}

// loadSnapshots reads refs concurrently from storage or from the peer and
// returns them in the order of refs.
func (e *environment) loadSnapshots(ctx context.Context, refs []snapshotRef) ([]*snapshot.Snapshot, error) {
	s := sentry.StartSpan(ctx, "snapshot.read")
	s.Description = "Load snapshots"
	defer s.Finish()

	results := make([]chan storageutil.ReadJobResult, len(refs))
	jobs := make([]storageutil.ReadJob, len(refs))
	for i, ref := range refs {
		results[i] = make(chan storageutil.ReadJobResult, 1)
		if ref.remote {
			if e.peer == nil {
				return nil, fmt.Errorf("%w: %s", errNoPeer, ref.raw)
			}
			jobs[i] = peer.ReadJob{Ctx: s.Context(), Client: e.peer, Session: ref.session, SnapshotID: ref.snapshot, Result: results[i]}
			continue
		}
		jobs[i] = snapshot.ReadJob{Ctx: s.Context(), Storage: e.storage, Session: ref.session, SnapshotID: ref.snapshot, Result: results[i]}
	}
	storageutil.ReadAll(jobs, e.config.ReadWorkers)

	snapshots := make([]*snapshot.Snapshot, len(refs))
	for i, c := range results {
		res := (<-c).(snapshot.ReadJobResult)
		if res.Err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", refs[i].raw, res.Err)
		}
		snapshots[i] = res.Snapshot
	}
	return snapshots, nil
}
