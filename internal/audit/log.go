// Package audit implements the append-only audit log that records every
// governance decision with its delegation chain.
package audit

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"agentplane/internal/model"
)

// DefaultMaxEntries bounds the log's memory when no limit is configured.
const DefaultMaxEntries = 100_000

// Log is a bounded append-only FIFO of audit entries. When full, the oldest
// entry is evicted; an append is never refused. All methods are safe for
// concurrent use.
type Log struct {
	mu      sync.Mutex
	entries []model.AuditEntry // ring buffer
	head    int                // index of oldest entry
	size    int
	total   uint64 // lifetime appends, never decremented
}

// NewLog creates a log that retains at most maxEntries entries.
func NewLog(maxEntries int) *Log {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Log{entries: make([]model.AuditEntry, maxEntries)}
}

// Append records entry, evicting the oldest entry when at capacity.
// Missing entry IDs and timestamps are filled in.
func (l *Log) Append(entry model.AuditEntry) {
	if entry.EntryID == "" {
		entry.EntryID = model.NewID()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = model.Now()
	}
	entry.Parameters = normalizeTags(entry.Parameters)

	l.mu.Lock()
	if l.size == len(l.entries) {
		l.entries[l.head] = entry
		l.head = (l.head + 1) % len(l.entries)
	} else {
		l.entries[(l.head+l.size)%len(l.entries)] = entry
		l.size++
	}
	l.total++
	l.mu.Unlock()

	slog.Debug("audit entry recorded",
		"entry_id", entry.EntryID,
		"org_id", entry.OrgID,
		"agent_id", entry.AgentID,
		"action", entry.Action,
		"result", entry.Result)
}

// Query returns entries matching every non-zero filter field, newest first,
// at most limit entries (100 when limit <= 0).
type Query struct {
	OrgID       string
	AgentID     string
	ExecutionID string
	Action      model.AuditAction
	Limit       int
}

// Query returns the newest entries that match q.
func (l *Log) Query(q Query) []model.AuditEntry {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]model.AuditEntry, 0, min(limit, l.size))
	for i := l.size - 1; i >= 0 && len(out) < limit; i-- {
		e := l.entries[(l.head+i)%len(l.entries)]
		if q.OrgID != "" && e.OrgID != q.OrgID {
			continue
		}
		if q.AgentID != "" && e.AgentID != q.AgentID {
			continue
		}
		if q.ExecutionID != "" && e.ExecutionID != q.ExecutionID {
			continue
		}
		if q.Action != "" && e.Action != q.Action {
			continue
		}
		out = append(out, e)
	}
	return out
}

// DelegationChain returns every entry for the execution in append order,
// oldest first, preserving causality within a single execution.
func (l *Log) DelegationChain(executionID string) []model.AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []model.AuditEntry
	for i := 0; i < l.size; i++ {
		e := l.entries[(l.head+i)%len(l.entries)]
		if e.ExecutionID == executionID {
			out = append(out, e)
		}
	}
	return out
}

// Size returns the number of retained entries.
func (l *Log) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// TotalAppended returns the lifetime append count, including evicted entries.
func (l *Log) TotalAppended() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// AtCapacity reports whether the next append will evict.
func (l *Log) AtCapacity() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size == len(l.entries)
}

// TypeTags redacts a parameter map to key -> type-tag pairs. Values never
// survive into the audit log; only their types do.
func TypeTags(params map[string]any) map[string]string {
	if len(params) == 0 {
		return nil
	}
	tags := make(map[string]string, len(params))
	for k, v := range params {
		tags[k] = typeTag(v)
	}
	return tags
}

// baseTags is the vocabulary typeTag emits for common values.
var baseTags = map[string]bool{
	"nil":    true,
	"string": true,
	"bool":   true,
	"int":    true,
	"float":  true,
	"map":    true,
	"list":   true,
}

var (
	tagCharPattern    = regexp.MustCompile(`^[*\[\]a-zA-Z0-9._]{1,64}$`)
	qualifiedTypeName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*\.[A-Z][a-zA-Z0-9_]*$`)
)

// normalizeTags enforces redaction at append time: any parameter value that
// is not part of the tag vocabulary is treated as a raw value and replaced
// by the string tag.
func normalizeTags(params map[string]string) map[string]string {
	for k, v := range params {
		if !isTypeTag(v) {
			params[k] = "string"
		}
	}
	return params
}

// isTypeTag accepts the base vocabulary plus the %T-shaped names typeTag
// falls back to: pointers, slices, maps, and package-qualified exported
// types. Bare words, hostnames, and dotted numbers never match.
func isTypeTag(v string) bool {
	if baseTags[v] {
		return true
	}
	if !tagCharPattern.MatchString(v) {
		return false
	}
	if strings.HasPrefix(v, "*") || strings.HasPrefix(v, "[]") || strings.HasPrefix(v, "map[") {
		return true
	}
	return qualifiedTypeName.MatchString(v)
}

func typeTag(v any) string {
	switch v.(type) {
	case nil:
		return "nil"
	case string:
		return "string"
	case bool:
		return "bool"
	case int, int32, int64, uint, uint32, uint64:
		return "int"
	case float32, float64:
		return "float"
	case map[string]any:
		return "map"
	case []any, []string:
		return "list"
	default:
		return fmt.Sprintf("%T", v)
	}
}
