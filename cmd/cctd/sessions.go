package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/getsentry/sentry-go"
	"github.com/goccy/go-json"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"

	"github.com/getsentry/cctprof/internal/android"
	"github.com/getsentry/cctprof/internal/callsite"
	"github.com/getsentry/cctprof/internal/cct"
	"github.com/getsentry/cctprof/internal/event"
	"github.com/getsentry/cctprof/internal/flatprofile"
	"github.com/getsentry/cctprof/internal/speedscope"
	"github.com/getsentry/cctprof/internal/txn"
)

type (
	FlatProfileRow struct {
		callsite.CallSite
		flatprofile.Row
	}

	FlatProfileResponse struct {
		Totals flatprofile.Row  `json:"totals"`
		Rows   []FlatProfileRow `json:"rows"`
	}

	PostSnapshotResponse struct {
		SessionID  string `json:"session_id"`
		SnapshotID string `json:"snapshot_id"`
		CallSites  int    `json:"call_sites"`
	}
)

func (e *environment) getSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, e.sessions.List())
}

func (e *environment) postSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hub := sentry.GetHubFromContext(ctx)
	ps := httprouter.ParamsFromContext(ctx)
	s, err := e.sessions.Create(ps.ByName("session"))
	if err != nil {
		handleError(w, hub, err)
		return
	}
	info, err := e.sessions.Info(ctx, s.ID)
	if err != nil {
		handleError(w, hub, err)
		return
	}
	writeJSON(ctx, w, http.StatusCreated, info)
}

func (e *environment) getSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ps := httprouter.ParamsFromContext(ctx)
	info, err := e.sessions.Info(ctx, ps.ByName("session"))
	if err != nil {
		handleError(w, sentry.GetHubFromContext(ctx), err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, info)
}

func (e *environment) deleteSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ps := httprouter.ParamsFromContext(ctx)
	if err := e.sessions.Delete(ps.ByName("session")); err != nil {
		handleError(w, sentry.GetHubFromContext(ctx), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (e *environment) postEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hub := sentry.GetHubFromContext(ctx)
	ps := httprouter.ParamsFromContext(ctx)
	sessionID := ps.ByName("session")

	s := sentry.StartSpan(ctx, "request.body")
	s.Description = "Read request body"
	body, err := io.ReadAll(r.Body)
	s.Finish()
	if err != nil {
		handleError(w, hub, err)
		return
	}

	s = sentry.StartSpan(ctx, "json.unmarshal")
	s.Description = "Decode event batch"
	batch, err := event.DecodeBatch(bytes.NewReader(body))
	s.Finish()
	if err != nil {
		log.Err(err).Str("session_id", sessionID).Int("size", len(body)).Msg("event batch can't be decoded")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s = sentry.StartSpan(ctx, "cct.ingest")
	s.Description = "Apply event batch"
	result, err := e.sessions.Ingest(ctx, sessionID, batch)
	s.Finish()
	if err != nil {
		handleError(w, hub, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, result)
}

func (e *environment) postAndroid(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hub := sentry.GetHubFromContext(ctx)
	ps := httprouter.ParamsFromContext(ctx)
	sessionID := ps.ByName("session")

	s := sentry.StartSpan(ctx, "json.unmarshal")
	s.Description = "Unmarshal Android trace"
	var trace android.Trace
	err := json.NewDecoder(r.Body).Decode(&trace)
	s.Finish()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	hub.Scope().SetTag("clock", string(trace.Clock))

	s = sentry.StartSpan(ctx, "cct.ingest")
	s.Description = "Replay Android trace"
	result, err := e.sessions.IngestAndroid(ctx, sessionID, trace)
	s.Finish()
	if err != nil {
		handleError(w, hub, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, result)
}

func (e *environment) postReset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ps := httprouter.ParamsFromContext(ctx)
	if err := e.sessions.Reset(ctx, ps.ByName("session")); err != nil {
		handleError(w, sentry.GetHubFromContext(ctx), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (e *environment) getFlatProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hub := sentry.GetHubFromContext(ctx)
	ps := httprouter.ParamsFromContext(ctx)

	key, err := flatprofile.ParseSortKey(r.URL.Query().Get("sort"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sess, err := e.sessions.Get(ps.ByName("session"))
	if err != nil {
		handleError(w, hub, err)
		return
	}

	s := sentry.StartSpan(ctx, "cct.read")
	s.Description = "Create flat profile"
	exported, err := sess.Builder.Export(ctx)
	s.Finish()
	if err != nil {
		handleError(w, hub, err)
		return
	}

	response := FlatProfileResponse{
		Totals: exported.Profile.Totals(),
		Rows:   make([]FlatProfileRow, 0, len(exported.CallSites)),
	}
	for _, row := range exported.Profile.Sorted(key) {
		if row.Invocations == 0 || int(row.CallSiteID) >= len(exported.CallSites) {
			continue
		}
		response.Rows = append(response.Rows, FlatProfileRow{
			CallSite: exported.CallSites[row.CallSiteID],
			Row:      row,
		})
	}
	writeJSON(ctx, w, http.StatusOK, response)
}

func (e *environment) getThreads(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hub := sentry.GetHubFromContext(ctx)
	ps := httprouter.ParamsFromContext(ctx)
	sess, err := e.sessions.Get(ps.ByName("session"))
	if err != nil {
		handleError(w, hub, err)
		return
	}
	threads, err := sess.Builder.Threads(ctx)
	if err != nil {
		handleError(w, hub, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, threads)
}

// threadTree reads the tree of the thread parameter and the call sites it
// references in one shared transaction.
func (e *environment) threadTree(r *http.Request) (*cct.ThreadTree, []callsite.CallSite, error) {
	ctx, _ := txn.Ensure(r.Context())
	ps := httprouter.ParamsFromContext(ctx)
	thread, err := int32Param(ps, "thread")
	if err != nil {
		return nil, nil, err
	}
	sess, err := e.sessions.Get(ps.ByName("session"))
	if err != nil {
		return nil, nil, err
	}
	var (
		tree  *cct.ThreadTree
		sites []callsite.CallSite
	)
	err = sess.Builder.Guard().Do(ctx, false, func() error {
		var err error
		if tree, err = sess.Builder.ThreadTree(ctx, thread); err != nil {
			return err
		}
		sites, err = sess.Builder.CallSites(ctx)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	if tree == nil {
		return nil, nil, fmt.Errorf("thread %d: %w", thread, errThreadNotFound)
	}
	return tree, sites, nil
}

func (e *environment) getThreadTree(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tree, _, err := e.threadTree(r)
	if err != nil {
		handleError(w, sentry.GetHubFromContext(ctx), err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, tree)
}

func (e *environment) getSpeedscope(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hub := sentry.GetHubFromContext(ctx)
	timeBase := 0
	if r.URL.Query().Get("time_base") == "1" {
		timeBase = 1
	}
	tree, sites, err := e.threadTree(r)
	if err != nil {
		handleError(w, hub, err)
		return
	}
	s := sentry.StartSpan(ctx, "speedscope")
	s.Description = "Render thread tree"
	o, err := speedscope.FromThreadTree(tree, sites, timeBase)
	s.Finish()
	if err != nil {
		handleError(w, hub, err)
		return
	}
	if r.URL.Query().Get("flamegraph") == "1" {
		o.SortSamplesForFlamegraph()
	}
	writeJSON(ctx, w, http.StatusOK, o)
}

func (e *environment) getStackTree(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hub := sentry.GetHubFromContext(ctx)
	ps := httprouter.ParamsFromContext(ctx)
	callSiteID, err := int32Param(ps, "callsite")
	if err != nil {
		handleError(w, hub, err)
		return
	}
	sess, err := e.sessions.Get(ps.ByName("session"))
	if err != nil {
		handleError(w, hub, err)
		return
	}
	tree, err := sess.Builder.StackTree(ctx, callSiteID)
	if err != nil {
		handleError(w, hub, err)
		return
	}
	if tree == nil {
		http.Error(w, fmt.Sprintf("no stacks recorded for call site %d", callSiteID), http.StatusNotFound)
		return
	}
	writeJSON(ctx, w, http.StatusOK, tree)
}

func (e *environment) postSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hub := sentry.GetHubFromContext(ctx)
	ps := httprouter.ParamsFromContext(ctx)
	sessionID := ps.ByName("session")

	s := sentry.StartSpan(ctx, "snapshot.write")
	s.Description = "Capture and store snapshot"
	snapshotID, snap, err := e.sessions.Capture(ctx, sessionID)
	s.Finish()
	if err != nil {
		handleError(w, hub, err)
		return
	}

	if err := e.announceSnapshot(ctx, sessionID, snapshotID, snap); err != nil {
		hub.CaptureException(err)
		log.Err(err).Str("session_id", sessionID).Str("snapshot_id", snapshotID).Msg("snapshot can't be announced")
	}

	writeJSON(ctx, w, http.StatusCreated, PostSnapshotResponse{
		SessionID:  sessionID,
		SnapshotID: snapshotID,
		CallSites:  len(snap.Rows),
	})
}
