// Package conflict aggregates unresolved write conflicts, exposes them for
// notification and resolution, and removes them once resolved.
package conflict

import (
	"time"

	"github.com/adalundhe/accord/core/merge"
)

// Type classifies how a conflict arose.
type Type int

const (
	// TypeConcurrentWrite: another session committed between the caller's
	// read and write.
	TypeConcurrentWrite Type = iota

	// TypeExternalChange: the file was modified outside the coordinator's
	// write path.
	TypeExternalChange

	// TypeMerge: an auto-merge was attempted and declined.
	TypeMerge
)

var typeNames = map[Type]string{
	TypeConcurrentWrite: "concurrent-write",
	TypeExternalChange:  "external-change",
	TypeMerge:           "merge",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "unknown"
}

// ParseType maps a stored name back to its Type.
func ParseType(name string) Type {
	for t, n := range typeNames {
		if n == name {
			return t
		}
	}
	return TypeConcurrentWrite
}

// Status tracks a record through its lifecycle:
// Detected -> (AutoMerging -> Resolved) or Detected -> AwaitingUser -> Resolved.
type Status int

const (
	StatusActive Status = iota
	StatusResolved
)

var statusNames = map[Status]string{
	StatusActive:   "active",
	StatusResolved: "resolved",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseStatus maps a stored name back to its Status.
func ParseStatus(name string) Status {
	if name == statusNames[StatusResolved] {
		return StatusResolved
	}
	return StatusActive
}

// Info describes a detected staleness conflict. Purely descriptive,
// never mutated after creation.
type Info struct {
	Path           string    `json:"path"`
	ExpectedHash   string    `json:"expectedHash"`
	CurrentHash    string    `json:"currentHash"`
	LastModifiedBy string    `json:"lastModifiedBy"`
	DetectedAt     time.Time `json:"detectedAt"`
}

// Record is one unresolved conflict held by the registry. ConflictID is
// globally unique and stable until resolved.
type Record struct {
	ConflictID       string
	FilePath         string
	AbsolutePath     string
	Type             Type
	InvolvedSessions []string
	Merge            merge.Result
	Timestamp        time.Time
	Status           Status
}

// Clone returns an independent copy of the record.
func (r *Record) Clone() *Record {
	clone := *r
	clone.InvolvedSessions = append([]string(nil), r.InvolvedSessions...)
	if r.Merge.MergedContent != nil {
		clone.Merge.MergedContent = append([]byte(nil), r.Merge.MergedContent...)
	}
	return &clone
}

// Detected is the registration payload reported by the safe writer when
// a write ends in an unresolved conflict.
type Detected struct {
	FilePath     string
	AbsolutePath string
	Type         Type
	Info         *Info
	Merge        *merge.Result
	SessionID    string
}
