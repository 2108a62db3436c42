// Package callsite assigns stable, dense ids to profiled call sites.
package callsite

import (
	"fmt"
	"strings"
)

type (
	// Kind is the statement kind of a call site.
	Kind uint8

	// Command classifies what a call site does to the resources it touches.
	Command uint8
)

const (
	KindUnknown Kind = iota
	KindStatement
	KindPrepared
	KindCallable
	KindMethod
)

const (
	CommandOther Command = iota
	CommandSelect
	CommandInsert
	CommandUpdate
	CommandDelete
	CommandCreate
	CommandAlter
	CommandDrop
	CommandTruncate
	CommandCommit
	CommandRollback
	CommandSet
)

var (
	kindNames = []string{
		KindUnknown:   "unknown",
		KindStatement: "statement",
		KindPrepared:  "prepared",
		KindCallable:  "callable",
		KindMethod:    "method",
	}
	commandNames = []string{
		CommandOther:    "other",
		CommandSelect:   "select",
		CommandInsert:   "insert",
		CommandUpdate:   "update",
		CommandDelete:   "delete",
		CommandCreate:   "create",
		CommandAlter:    "alter",
		CommandDrop:     "drop",
		CommandTruncate: "truncate",
		CommandCommit:   "commit",
		CommandRollback: "rollback",
		CommandSet:      "set",
	}
)

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

func (k Kind) Valid() bool {
	return int(k) < len(kindNames)
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// ParseKind parses the name of a kind, case insensitively.
func ParseKind(s string) (Kind, error) {
	for i, name := range kindNames {
		if strings.EqualFold(s, name) {
			return Kind(i), nil
		}
	}
	return KindUnknown, fmt.Errorf("callsite: unknown kind %q", s)
}

func (c Command) String() string {
	if int(c) < len(commandNames) {
		return commandNames[c]
	}
	return fmt.Sprintf("command(%d)", c)
}

func (c Command) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Command) UnmarshalText(b []byte) error {
	for i, name := range commandNames {
		if strings.EqualFold(string(b), name) {
			*c = Command(i)
			return nil
		}
	}
	return fmt.Errorf("callsite: unknown command %q", b)
}

type (
	// Metadata is the kind-specific information attached to a call site when
	// it is first registered.
	Metadata struct {
		Command Command  `json:"command"`
		Tables  []string `json:"tables,omitempty"`
	}

	CallSite struct {
		ID    int32  `json:"id"`
		Label string `json:"label"`
		Kind  Kind   `json:"kind"`
		Metadata
	}
)
