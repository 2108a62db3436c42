package callsite

import (
	"strings"

	"github.com/grafana/regexp"
)

// Labeler derives metadata for a newly seen call site.
type Labeler interface {
	Label(label string, kind Kind) Metadata
}

type NopLabeler struct{}

func (NopLabeler) Label(string, Kind) Metadata {
	return Metadata{}
}

var (
	leadingKeyword = regexp.MustCompile(`^\s*\(*\s*([A-Za-z]+)`)
	tableReference = regexp.MustCompile("(?i)\\b(?:from|join|into|update|table)\\s+[\"`]?([A-Za-z_][\\w.$]*)")

	keywordCommands = map[string]Command{
		"select":   CommandSelect,
		"with":     CommandSelect,
		"insert":   CommandInsert,
		"update":   CommandUpdate,
		"delete":   CommandDelete,
		"create":   CommandCreate,
		"alter":    CommandAlter,
		"drop":     CommandDrop,
		"truncate": CommandTruncate,
		"commit":   CommandCommit,
		"rollback": CommandRollback,
		"set":      CommandSet,
	}
)

// KeywordLabeler classifies SQL-like labels by their leading keyword and
// collects the names following FROM, JOIN, INTO, UPDATE and TABLE. It does not
// parse the statement, method call sites get empty metadata.
type KeywordLabeler struct{}

func (KeywordLabeler) Label(label string, kind Kind) Metadata {
	if kind == KindMethod {
		return Metadata{}
	}
	var m Metadata
	if match := leadingKeyword.FindStringSubmatch(label); match != nil {
		m.Command = keywordCommands[strings.ToLower(match[1])]
	}
	seen := make(map[string]struct{})
	for _, match := range tableReference.FindAllStringSubmatch(label, -1) {
		name := match[1]
		key := strings.ToLower(name)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		m.Tables = append(m.Tables, name)
	}
	return m
}
