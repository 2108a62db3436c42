package main

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/julienschmidt/httprouter"

	"github.com/getsentry/cctprof/internal/callsite"
	"github.com/getsentry/cctprof/internal/export"
	"github.com/getsentry/cctprof/internal/httputil"
	"github.com/getsentry/cctprof/internal/metrics"
	"github.com/getsentry/cctprof/internal/snapshot"
	"github.com/getsentry/cctprof/internal/snapshotdiff"
)

const (
	maxUniqueCallSites = 100
	maxExamples        = 5
)

type (
	PostExportResponse struct {
		Rows int `json:"rows"`
	}

	GetMetricsResponse struct {
		CallSites []metrics.CallSiteMetrics `json:"call_sites"`
	}
)

func (e *environment) getSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hub := sentry.GetHubFromContext(ctx)
	ps := httprouter.ParamsFromContext(ctx)

	s := sentry.StartSpan(ctx, "snapshot.read")
	s.Description = "Read snapshot"
	snap, err := snapshot.Load(ctx, e.storage, ps.ByName("session"), ps.ByName("snapshot"))
	s.Finish()
	if err != nil {
		handleError(w, hub, err)
		return
	}

	if r.URL.Query().Get("format") == "json" {
		writeJSON(ctx, w, http.StatusOK, snap)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if err := snapshot.Write(w, snap); err != nil {
		hub.CaptureException(err)
	}
}

func (e *environment) postExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hub := sentry.GetHubFromContext(ctx)
	ps := httprouter.ParamsFromContext(ctx)
	sessionID, snapshotID := ps.ByName("session"), ps.ByName("snapshot")
	if e.inserter == nil {
		http.Error(w, "no warehouse configured", http.StatusNotImplemented)
		return
	}

	snap, err := snapshot.Load(ctx, e.storage, sessionID, snapshotID)
	if err != nil {
		handleError(w, hub, err)
		return
	}
	s := sentry.StartSpan(ctx, "bigquery.insert")
	s.Description = "Export snapshot rows"
	n, err := export.Snapshot(ctx, e.inserter, sessionID, snapshotID, snap)
	s.Finish()
	if err != nil {
		handleError(w, hub, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, PostExportResponse{Rows: n})
}

func (e *environment) diffInputs(w http.ResponseWriter, r *http.Request, extra ...string) (*snapshot.Snapshot, *snapshot.Snapshot, map[string]string, bool) {
	ctx := r.Context()
	params, _, ok := httputil.GetRequiredQueryParameters(w, r, append([]string{"a", "b"}, extra...)...)
	if !ok {
		return nil, nil, nil, false
	}
	refs := make([]snapshotRef, 2)
	for i, key := range []string{"a", "b"} {
		ref, err := parseSnapshotRef(params[key])
		if err != nil {
			handleError(w, sentry.GetHubFromContext(ctx), err)
			return nil, nil, nil, false
		}
		refs[i] = ref
	}
	snapshots, err := e.loadSnapshots(ctx, refs)
	if err != nil {
		handleError(w, sentry.GetHubFromContext(ctx), err)
		return nil, nil, nil, false
	}
	return snapshots[0], snapshots[1], params, true
}

func (e *environment) getDiff(w http.ResponseWriter, r *http.Request) {
	a, b, _, ok := e.diffInputs(w, r)
	if !ok {
		return
	}
	s := sentry.StartSpan(r.Context(), "snapshot.diff")
	d := snapshotdiff.Diff(a, b)
	s.Finish()
	writeJSON(r.Context(), w, http.StatusOK, d)
}

func (e *environment) getDiffStacks(w http.ResponseWriter, r *http.Request) {
	kind := callsite.KindStatement
	if raw := r.URL.Query().Get("kind"); raw != "" {
		var err error
		if kind, err = callsite.ParseKind(raw); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	a, b, params, ok := e.diffInputs(w, r, "label")
	if !ok {
		return
	}
	tree, found := snapshotdiff.StackTrees(a, b, params["label"], kind)
	if !found {
		http.Error(w, fmt.Sprintf("no stacks for %s call site %q", kind, params["label"]), http.StatusNotFound)
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, tree)
}

func (e *environment) getMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hub := sentry.GetHubFromContext(ctx)
	params, _, ok := httputil.GetRequiredQueryParameters(w, r, "ids")
	if !ok {
		return
	}
	limit := uint(maxUniqueCallSites)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 32)
		if err != nil || v == 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = uint(v)
	}

	var refs []snapshotRef
	for _, raw := range strings.Split(params["ids"], ",") {
		ref, err := parseSnapshotRef(strings.TrimSpace(raw))
		if err != nil {
			handleError(w, hub, err)
			return
		}
		refs = append(refs, ref)
	}
	snapshots, err := e.loadSnapshots(ctx, refs)
	if err != nil {
		handleError(w, hub, err)
		return
	}

	s := sentry.StartSpan(ctx, "processing")
	s.Description = "Aggregate call site metrics"
	ma := metrics.NewAggregator(limit, maxExamples)
	for i, snap := range snapshots {
		if err := ma.AddSnapshot(snap, refs[i].raw); err != nil {
			s.Finish()
			handleError(w, hub, err)
			return
		}
	}
	response := GetMetricsResponse{CallSites: ma.ToMetrics()}
	s.Finish()
	writeJSON(ctx, w, http.StatusOK, response)
}
