package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dennwc/varint"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/getsentry/cctprof/internal/callsite"
	"github.com/getsentry/cctprof/internal/errorutil"
	"github.com/getsentry/cctprof/internal/stacktree"
)

// Version is the current encoding version.
const Version = 1

const (
	maxStringLen = 1 << 24
	maxCount     = 1 << 24
	maxTreeDepth = 1 << 12
)

var (
	ErrTruncated       = fmt.Errorf("%w: snapshot truncated", errorutil.ErrDataIntegrity)
	ErrVersionMismatch = fmt.Errorf("%w: snapshot version mismatch", errorutil.ErrDataIntegrity)
	ErrCorrupt         = fmt.Errorf("%w: snapshot corrupt", errorutil.ErrDataIntegrity)
)

type encoder struct {
	buf []byte
}

func (e *encoder) uvarint(v uint64) {
	e.buf = binary.AppendUvarint(e.buf, v)
}

func (e *encoder) varint(v int64) {
	e.buf = binary.AppendVarint(e.buf, v)
}

func (e *encoder) bool(v bool) {
	if v {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
}

func (e *encoder) string(s string) {
	e.uvarint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) tree(n *stacktree.Node) {
	if n == nil {
		e.uvarint(0)
		return
	}
	e.uvarint(uint64(n.Kind))
	e.varint(int64(n.MethodID))
	if n.Kind == stacktree.KindTerminal {
		e.varint(n.Calls)
		e.varint(n.Time)
	}
	e.uvarint(uint64(n.ChildCount()))
	for i, l := 0, n.ChildCount(); i < l; i++ {
		e.tree(n.Child(i))
	}
}

// Write encodes s to w. Method names are written in ascending id order.
func Write(w io.Writer, s *Snapshot) error {
	var e encoder
	e.uvarint(Version)
	e.varint(s.BeginTime.UnixNano())
	e.varint(int64(s.Duration))
	e.uvarint(uint64(len(s.Rows)))
	for _, r := range s.Rows {
		e.string(r.Label)
		e.uvarint(uint64(r.Kind))
		e.varint(r.Invocations)
		e.varint(r.Time0)
		e.varint(r.Time1)
		e.uvarint(uint64(r.Command))
		e.uvarint(uint64(len(r.Tables)))
		for _, t := range r.Tables {
			e.string(t)
		}
	}
	e.bool(s.Stacks != nil)
	if s.Stacks != nil {
		e.uvarint(uint64(len(s.Stacks)))
		for _, t := range s.Stacks {
			e.tree(t)
		}
	}
	e.bool(s.MethodNames != nil)
	if s.MethodNames != nil {
		ids := sortedIDs(s.MethodNames)
		e.uvarint(uint64(len(ids)))
		for _, id := range ids {
			e.varint(int64(id))
			e.string(s.MethodNames[id])
		}
	}
	_, err := w.Write(e.buf)
	return err
}

type decoder struct {
	buf []byte
	off int
}

func (d *decoder) uvarint() (uint64, error) {
	v, n := varint.Uvarint(d.buf[d.off:])
	switch {
	case n == 0:
		return 0, ErrTruncated
	case n < 0:
		return 0, fmt.Errorf("%w: varint overflow at offset %d", ErrCorrupt, d.off)
	}
	d.off += n
	return v, nil
}

func (d *decoder) varint() (int64, error) {
	u, err := d.uvarint()
	if err != nil {
		return 0, err
	}
	return int64(u>>1) ^ -int64(u&1), nil
}

func (d *decoder) count(what string) (int, error) {
	v, err := d.uvarint()
	if err != nil {
		return 0, err
	}
	if v > maxCount {
		return 0, fmt.Errorf("%w: %s count %d", ErrCorrupt, what, v)
	}
	// every element takes at least one byte
	if v > uint64(len(d.buf)-d.off) {
		return 0, ErrTruncated
	}
	return int(v), nil
}

func (d *decoder) bool() (bool, error) {
	if d.off >= len(d.buf) {
		return false, ErrTruncated
	}
	b := d.buf[d.off]
	d.off++
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, fmt.Errorf("%w: invalid flag %d", ErrCorrupt, b)
}

func (d *decoder) string() (string, error) {
	l, err := d.uvarint()
	if err != nil {
		return "", err
	}
	if l > maxStringLen {
		return "", fmt.Errorf("%w: string length %d", ErrCorrupt, l)
	}
	if uint64(len(d.buf)-d.off) < l {
		return "", ErrTruncated
	}
	s := string(d.buf[d.off : d.off+int(l)])
	d.off += int(l)
	return s, nil
}

func (d *decoder) int32() (int32, error) {
	v, err := d.varint()
	if err != nil {
		return 0, err
	}
	if int64(int32(v)) != v {
		return 0, fmt.Errorf("%w: id %d out of range", ErrCorrupt, v)
	}
	return int32(v), nil
}

func (d *decoder) tree(depth int) (*stacktree.Node, error) {
	if depth > maxTreeDepth {
		return nil, fmt.Errorf("%w: stack tree deeper than %d", ErrCorrupt, maxTreeDepth)
	}
	tag, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	kind := stacktree.Kind(tag)
	switch {
	case tag == 0:
		return nil, nil
	case kind != stacktree.KindIntermediate && kind != stacktree.KindTerminal:
		return nil, fmt.Errorf("%w: unknown node tag %d", ErrCorrupt, tag)
	}
	n := &stacktree.Node{Kind: kind}
	if n.MethodID, err = d.int32(); err != nil {
		return nil, err
	}
	if kind == stacktree.KindTerminal {
		if n.Calls, err = d.varint(); err != nil {
			return nil, err
		}
		if n.Time, err = d.varint(); err != nil {
			return nil, err
		}
	}
	children, err := d.count("child")
	if err != nil {
		return nil, err
	}
	for i := 0; i < children; i++ {
		c, err := d.tree(depth + 1)
		if err != nil {
			return nil, err
		}
		if c == nil {
			return nil, fmt.Errorf("%w: empty child node", ErrCorrupt)
		}
		n.AddChild(c)
	}
	return n, nil
}

// Read decodes a snapshot written by Write. It reports a stream ending early
// as ErrTruncated, an unknown version as ErrVersionMismatch and malformed
// content as ErrCorrupt, and never returns a partial snapshot.
func Read(r io.Reader) (*Snapshot, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	d := &decoder{buf: buf}
	s, err := d.snapshot()
	if err != nil {
		if errors.Is(err, ErrTruncated) {
			return nil, fmt.Errorf("%w at offset %d", err, d.off)
		}
		return nil, err
	}
	return s, nil
}

func (d *decoder) snapshot() (*Snapshot, error) {
	version, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	if version != Version {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, version, Version)
	}
	var s Snapshot
	begin, err := d.varint()
	if err != nil {
		return nil, err
	}
	s.BeginTime = time.Unix(0, begin).UTC()
	duration, err := d.varint()
	if err != nil {
		return nil, err
	}
	s.Duration = time.Duration(duration)

	rows, err := d.count("row")
	if err != nil {
		return nil, err
	}
	s.Rows = make([]Row, rows)
	for i := range s.Rows {
		if err := d.row(&s.Rows[i]); err != nil {
			return nil, err
		}
	}

	hasStacks, err := d.bool()
	if err != nil {
		return nil, err
	}
	if hasStacks {
		n, err := d.count("stack")
		if err != nil {
			return nil, err
		}
		s.Stacks = make([]*stacktree.Node, n)
		for i := range s.Stacks {
			if s.Stacks[i], err = d.tree(0); err != nil {
				return nil, err
			}
		}
	}

	hasNames, err := d.bool()
	if err != nil {
		return nil, err
	}
	if hasNames {
		n, err := d.count("method name")
		if err != nil {
			return nil, err
		}
		s.MethodNames = make(map[int32]string, n)
		for i := 0; i < n; i++ {
			id, err := d.int32()
			if err != nil {
				return nil, err
			}
			if s.MethodNames[id], err = d.string(); err != nil {
				return nil, err
			}
		}
	}
	return &s, nil
}

func (d *decoder) row(r *Row) error {
	var err error
	if r.Label, err = d.string(); err != nil {
		return err
	}
	kind, err := d.uvarint()
	if err != nil {
		return err
	}
	r.Kind = callsite.Kind(kind)
	if kind > 255 || !r.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %d", ErrCorrupt, kind)
	}
	if r.Invocations, err = d.varint(); err != nil {
		return err
	}
	if r.Time0, err = d.varint(); err != nil {
		return err
	}
	if r.Time1, err = d.varint(); err != nil {
		return err
	}
	command, err := d.uvarint()
	if err != nil {
		return err
	}
	if command > 255 {
		return fmt.Errorf("%w: unknown command %d", ErrCorrupt, command)
	}
	r.Command = callsite.Command(command)
	tables, err := d.count("table")
	if err != nil {
		return err
	}
	if tables > 0 {
		r.Tables = make([]string, tables)
		for i := range r.Tables {
			if r.Tables[i], err = d.string(); err != nil {
				return err
			}
		}
	}
	return nil
}

func sortedIDs(m map[int32]string) []int32 {
	ids := maps.Keys(m)
	slices.Sort(ids)
	return ids
}
