// Package protocol defines the notification messages sent to subscribers and
// their two encodings: a compact protobuf-wire binary form and JSON.
//
// A Message is a tagged union. Kind selects which payload field is set; Ping
// and Pong carry none. Timestamp is Unix milliseconds and doubles as the
// replay cursor, so the hub keeps it strictly increasing per repository.
package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/jward/conflux/internal/aggregate"
)

// Kind names a message variant.
type Kind string

const (
	KindCodeChangeDetected Kind = "CodeChangeDetected"
	KindConflictUpdate     Kind = "ConflictUpdate"
	KindSessionProgress    Kind = "SessionProgress"
	KindGraphUpdate        Kind = "GraphUpdate"
	KindPing               Kind = "Ping"
	KindPong               Kind = "Pong"
	KindError              Kind = "Error"
)

// Error codes carried by Error messages.
const (
	CodeInvalidRequest = "InvalidRequest"
	CodeParseError     = "ParseError"
	CodeAnalysisError  = "AnalysisError"
	CodeStorageError   = "StorageError"
	CodeNotFound       = "NotFound"
	CodeTimeout        = "Timeout"
	CodeInternalError  = "InternalError"
)

// ErrInvalidMessage reports a message whose payload does not match its kind.
var ErrInvalidMessage = errors.New("invalid message")

// Message is one notification.
type Message struct {
	Kind      Kind  `json:"kind"`
	Timestamp int64 `json:"timestamp"`

	CodeChange *CodeChangeDetected `json:"code_change,omitempty"`
	Conflict   *ConflictUpdate     `json:"conflict_update,omitempty"`
	Progress   *SessionProgress    `json:"session_progress,omitempty"`
	Graph      *GraphUpdate        `json:"graph_update,omitempty"`
	Error      *ErrorPayload       `json:"error,omitempty"`
}

// CodeChangeDetected announces files that changed in a repository.
type CodeChangeDetected struct {
	RepositoryID string   `json:"repository_id"`
	ChangedFiles []string `json:"changed_files"`
}

// ConflictUpdate carries the current state of one conflict after a tier
// result was accepted.
type ConflictUpdate struct {
	ConflictID string     `json:"conflict_id"`
	Tier       int        `json:"tier"`
	Conflicts  []Conflict `json:"conflicts"`
}

// Conflict is the wire form of an aggregated conflict.
type Conflict struct {
	ID              string      `json:"id"`
	Type            string      `json:"type"`
	Severity        string      `json:"severity"`
	Confidence      float64     `json:"confidence"`
	Tier            int         `json:"tier"`
	AffectedSymbols []string    `json:"affected_symbols"`
	Description     string      `json:"description"`
	Resolution      *Resolution `json:"resolution,omitempty"`
	Repository      string      `json:"repository"`
	Path            string      `json:"path"`
	Anchor          string      `json:"anchor"`
	Version         int64       `json:"version"`
}

// Resolution is the wire form of a suggested fix.
type Resolution struct {
	Summary string   `json:"summary"`
	Steps   []string `json:"steps,omitempty"`
	Files   []string `json:"files,omitempty"`
}

// SessionProgress reports batch analysis progress.
type SessionProgress struct {
	SessionID      string `json:"session_id"`
	FilesProcessed int    `json:"files_processed"`
	TotalFiles     int    `json:"total_files"`
}

// GraphUpdate lists the graph mutations of one committed change.
type GraphUpdate struct {
	RepositoryID string   `json:"repository_id"`
	AddedNodes   []string `json:"added_nodes"`
	RemovedNodes []string `json:"removed_nodes"`
	AddedEdges   []string `json:"added_edges"`
	RemovedEdges []string `json:"removed_edges"`
}

// ErrorPayload is an error surfaced to subscribers.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func now() int64 { return time.Now().UnixMilli() }

// NewCodeChangeDetected returns a CodeChangeDetected message.
func NewCodeChangeDetected(repo string, files ...string) *Message {
	return &Message{Kind: KindCodeChangeDetected, Timestamp: now(),
		CodeChange: &CodeChangeDetected{RepositoryID: repo, ChangedFiles: files}}
}

// NewConflictUpdate wraps an aggregated conflict.
func NewConflictUpdate(c *aggregate.Conflict) *Message {
	return &Message{Kind: KindConflictUpdate, Timestamp: now(),
		Conflict: &ConflictUpdate{ConflictID: c.ID, Tier: c.Tier, Conflicts: []Conflict{FromConflict(c)}}}
}

// NewSessionProgress returns a SessionProgress message.
func NewSessionProgress(sessionID string, processed, total int) *Message {
	return &Message{Kind: KindSessionProgress, Timestamp: now(),
		Progress: &SessionProgress{SessionID: sessionID, FilesProcessed: processed, TotalFiles: total}}
}

// NewGraphUpdate returns a GraphUpdate message.
func NewGraphUpdate(g GraphUpdate) *Message {
	return &Message{Kind: KindGraphUpdate, Timestamp: now(), Graph: &g}
}

// NewError returns an Error message.
func NewError(code, format string, args ...any) *Message {
	return &Message{Kind: KindError, Timestamp: now(),
		Error: &ErrorPayload{Code: code, Message: fmt.Sprintf(format, args...)}}
}

// NewPing returns a heartbeat ping.
func NewPing() *Message { return &Message{Kind: KindPing, Timestamp: now()} }

// NewPong returns a heartbeat reply.
func NewPong() *Message { return &Message{Kind: KindPong, Timestamp: now()} }

// FromConflict converts an aggregated conflict to its wire form.
func FromConflict(c *aggregate.Conflict) Conflict {
	out := Conflict{
		ID:              c.ID,
		Type:            string(c.Type),
		Severity:        c.Severity.String(),
		Confidence:      c.Confidence,
		Tier:            c.Tier,
		AffectedSymbols: c.AffectedSymbols,
		Description:     c.Description,
		Repository:      c.Repository,
		Path:            c.Path,
		Anchor:          c.Anchor,
		Version:         c.Version,
	}
	if c.Resolution != nil {
		out.Resolution = &Resolution{Summary: c.Resolution.Summary, Steps: c.Resolution.Steps, Files: c.Resolution.Files}
	}
	return out
}

// Validate checks that the payload matches the kind.
func (m *Message) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil", ErrInvalidMessage)
	}
	var ok bool
	switch m.Kind {
	case KindCodeChangeDetected:
		ok = m.CodeChange != nil
	case KindConflictUpdate:
		ok = m.Conflict != nil
	case KindSessionProgress:
		ok = m.Progress != nil
	case KindGraphUpdate:
		ok = m.Graph != nil
	case KindError:
		ok = m.Error != nil
	case KindPing, KindPong:
		ok = true
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, m.Kind)
	}
	if !ok {
		return fmt.Errorf("%w: %s without payload", ErrInvalidMessage, m.Kind)
	}
	return nil
}

// Heartbeat reports whether m is a Ping or Pong.
func (m *Message) Heartbeat() bool {
	return m.Kind == KindPing || m.Kind == KindPong
}

// Repository returns the repository a message concerns, if it names one.
func (m *Message) Repository() string {
	switch {
	case m.CodeChange != nil:
		return m.CodeChange.RepositoryID
	case m.Graph != nil:
		return m.Graph.RepositoryID
	case m.Conflict != nil && len(m.Conflict.Conflicts) > 0:
		return m.Conflict.Conflicts[0].Repository
	}
	return ""
}
