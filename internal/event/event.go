// Package event defines the instrumentation events consumed by a tree
// builder and replays batches of them onto a Sink.
package event

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"

	"github.com/getsentry/cctprof/internal/callsite"
	"github.com/getsentry/cctprof/internal/txn"
)

type Type string

const (
	TypeNewThread      Type = "new_thread"
	TypeRegister       Type = "register"
	TypeMethodName     Type = "method_name"
	TypeEntry          Type = "entry"
	TypeEntryUnstamped Type = "entry_unstamped"
	TypeExit           Type = "exit"
	TypeExitUnstamped  Type = "exit_unstamped"
	TypeTimeAdjust     Type = "time_adjust"
	TypeReset          Type = "reset"
)

type (
	// Event is the wire form of one instrumentation event. Entry and exit
	// events reference their call site either by CallSiteID or, when Label is
	// set, by Label and Kind.
	Event struct {
		Type       Type          `json:"type"`
		CallSiteID int32         `json:"call_site_id"`
		Label      string        `json:"label,omitempty"`
		Kind       callsite.Kind `json:"kind,omitempty"`
		ThreadID   int32         `json:"thread_id"`
		Time0      int64         `json:"time0,omitempty"`
		Time1      int64         `json:"time1,omitempty"`
		Args       []string      `json:"args,omitempty"`
		Stack      []int32       `json:"stack,omitempty"`
		Return     string        `json:"return,omitempty"`
		// Name is the thread name for new_thread and the method name for
		// method_name events.
		Name     string `json:"name,omitempty"`
		TypeName string `json:"type_name,omitempty"`
		MethodID int32  `json:"method_id,omitempty"`
	}

	Sink interface {
		BatchStart(ctx context.Context) error
		BatchStop(ctx context.Context) error
		NewThread(ctx context.Context, thread int32, name, typeName string) error
		RegisterCallSite(ctx context.Context, label string, kind callsite.Kind) (int32, error)
		MethodName(ctx context.Context, id int32, name string) error
		CallSiteEntry(ctx context.Context, callSiteID, thread int32, kind callsite.Kind, t0, t1 int64, args []string, stack []int32) error
		CallSiteEntryUnstamped(ctx context.Context, callSiteID, thread int32, kind callsite.Kind, args []string, stack []int32) error
		CallSiteExit(ctx context.Context, callSiteID, thread int32, kind callsite.Kind, t0, t1 int64, ret string) error
		CallSiteExitUnstamped(ctx context.Context, callSiteID, thread int32, kind callsite.Kind) error
		TimeAdjust(ctx context.Context, thread int32, d0, d1 int64) error
		Reset(ctx context.Context) error
	}

	Result struct {
		Applied  int `json:"applied"`
		Filtered int `json:"filtered"`
		Skipped  int `json:"skipped"`
	}
)

// DecodeBatch reads a JSON array of events.
func DecodeBatch(r io.Reader) ([]Event, error) {
	var batch []Event
	if err := json.NewDecoder(r).Decode(&batch); err != nil {
		return nil, fmt.Errorf("event: decode batch: %w", err)
	}
	return batch, nil
}

// Dispatch replays batch onto sink between BatchStart and BatchStop, all
// under the owner carried by ctx or a new one. Events of an unknown type are
// skipped and events whose label is rejected by the sink are filtered.
func Dispatch(ctx context.Context, sink Sink, batch []Event) (Result, error) {
	var r Result
	ctx, _ = txn.Ensure(ctx)
	if err := sink.BatchStart(ctx); err != nil {
		return r, err
	}
	var err error
	for _, e := range batch {
		if err = apply(ctx, sink, e, &r); err != nil {
			break
		}
	}
	return r, errors.Join(err, sink.BatchStop(ctx))
}

func apply(ctx context.Context, sink Sink, e Event, r *Result) error {
	id := e.CallSiteID
	switch e.Type {
	case TypeRegister, TypeEntry, TypeEntryUnstamped, TypeExit, TypeExitUnstamped:
		if e.Label == "" {
			break
		}
		var err error
		id, err = sink.RegisterCallSite(ctx, e.Label, e.Kind)
		if err != nil {
			return fmt.Errorf("event %s: %w", e.Type, err)
		}
		if id == callsite.Unregistered {
			r.Filtered++
			return nil
		}
	}
	var err error
	switch e.Type {
	case TypeNewThread:
		err = sink.NewThread(ctx, e.ThreadID, e.Name, e.TypeName)
	case TypeRegister:
		// the label was registered above
	case TypeMethodName:
		err = sink.MethodName(ctx, e.MethodID, e.Name)
	case TypeEntry:
		err = sink.CallSiteEntry(ctx, id, e.ThreadID, e.Kind, e.Time0, e.Time1, e.Args, e.Stack)
	case TypeEntryUnstamped:
		err = sink.CallSiteEntryUnstamped(ctx, id, e.ThreadID, e.Kind, e.Args, e.Stack)
	case TypeExit:
		err = sink.CallSiteExit(ctx, id, e.ThreadID, e.Kind, e.Time0, e.Time1, e.Return)
	case TypeExitUnstamped:
		err = sink.CallSiteExitUnstamped(ctx, id, e.ThreadID, e.Kind)
	case TypeTimeAdjust:
		err = sink.TimeAdjust(ctx, e.ThreadID, e.Time0, e.Time1)
	case TypeReset:
		err = sink.Reset(ctx)
	default:
		r.Skipped++
		return nil
	}
	if err != nil {
		return fmt.Errorf("event %s: %w", e.Type, err)
	}
	r.Applied++
	return nil
}
