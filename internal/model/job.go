// Package model defines the persisted entities of the download
// orchestration core: jobs, bulk tasks, provider coordination rows,
// catalog cache entries and audit records. Types are strict and typed,
// in contrast to the map-everywhere style the source system used for
// job rows (see SPEC_FULL.md REDESIGN FLAGS).
package model

import (
	"encoding/json"
	"time"
)

// Status is a Job's position in the state machine described in
// SPEC_FULL.md §3.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusStarting    Status = "starting"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCanceled    Status = "canceled"
	StatusDeleted     Status = "deleted"
)

// Terminal reports whether status is absorbing; terminal jobs never
// re-enter a non-terminal status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled, StatusDeleted:
		return true
	default:
		return false
	}
}

// StatusRank is the canonical ordering function used by listPaged and
// claimNextRunnable (SPEC_FULL.md §4.1).
func StatusRank(s Status) int {
	switch s {
	case StatusDownloading:
		return 0
	case StatusStarting:
		return 1
	case StatusPaused:
		return 2
	case StatusQueued:
		return 3
	case StatusCompleted:
		return 4
	case StatusFailed:
		return 5
	case StatusCanceled:
		return 6
	case StatusDeleted:
		return 7
	default:
		return 99
	}
}

// validTransitions encodes the state machine edges from SPEC_FULL.md
// §3. Pause/resume and queued/starting (claim, then requeue) are
// bidirectional; every other edge is one-way.
var validTransitions = map[Status]map[Status]bool{
	StatusQueued:      {StatusStarting: true, StatusCanceled: true},
	StatusStarting:    {StatusDownloading: true, StatusQueued: true, StatusFailed: true, StatusCanceled: true},
	StatusDownloading: {StatusPaused: true, StatusCompleted: true, StatusFailed: true, StatusCanceled: true, StatusQueued: true},
	StatusPaused:      {StatusDownloading: true, StatusCanceled: true},
	StatusCompleted:   {StatusDeleted: true},
}

// CanTransition reports whether from->to is a legal edge.
// Terminal statuses have no outgoing edges except completed->deleted.
func CanTransition(from, to Status) bool {
	return validTransitions[from][to]
}

// Category is a coarse library section used by the finalization
// naming template (SPEC_FULL.md §4.6).
type Category string

const (
	CategoryMovies Category = "Movies"
	CategoryTV     Category = "TV"
	CategoryOther  Category = "Other"
)

// Metadata is the typed free-form hint tree: series title, season,
// episode, language and any provider-supplied extras. Nested maps and
// slices are preserved; empty strings and empty nested containers are
// stripped by NormalizeMetadata (SPEC_FULL.md §4.1 insertJobs).
type Metadata map[string]any

// NormalizeMetadata strips empty strings and empty/null nested
// containers recursively, per spec.md §4.1 insertJobs.
func NormalizeMetadata(m Metadata) Metadata {
	out := Metadata{}
	for k, v := range m {
		if nv, keep := normalizeValue(v); keep {
			out[k] = nv
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func normalizeValue(v any) (any, bool) {
	switch t := v.(type) {
	case nil:
		return nil, false
	case string:
		if t == "" {
			return nil, false
		}
		return t, true
	case map[string]any:
		nested := Metadata{}
		for k, vv := range t {
			if nv, keep := normalizeValue(vv); keep {
				nested[k] = nv
			}
		}
		if len(nested) == 0 {
			return nil, false
		}
		return map[string]any(nested), true
	case []any:
		var nested []any
		for _, vv := range t {
			if nv, keep := normalizeValue(vv); keep {
				nested = append(nested, nv)
			}
		}
		if len(nested) == 0 {
			return nil, false
		}
		return nested, true
	default:
		return t, true
	}
}

// Job is the central entity (spec.md §3). ID is monotonic, assigned by
// the Store on insert.
type Job struct {
	ID         int64  `json:"id"`
	UserID     int64  `json:"user_id"`
	ProviderID int64  `json:"provider_id"`
	ExternalID string `json:"external_id"`

	Title    string   `json:"title"`
	Category Category `json:"category"`
	Metadata Metadata `json:"metadata,omitempty"`

	Priority int `json:"priority"`
	Position int `json:"position"`

	Status           Status  `json:"status"`
	Progress         float64 `json:"progress"`
	SpeedBps         int64   `json:"speed_bps"`
	ETASeconds       int64   `json:"eta_seconds"`
	DownloaderHandle string  `json:"downloader_handle,omitempty"`
	TmpPath          string  `json:"tmp_path,omitempty"`
	FinalPath        string  `json:"final_path,omitempty"`
	FileSizeBytes    int64   `json:"file_size_bytes"`
	ErrorText        string  `json:"error_text,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// DefaultPriority is applied when a client omits priority on insert
// (spec.md §4.5 tie-break note: "callers treat 100 as default").
const DefaultPriority = 100

// Marshal/Unmarshal mirror a queue.Job JSON round-trip,
// used for event bus payloads.
func (j Job) Marshal() (string, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func UnmarshalJob(s string) (Job, error) {
	var j Job
	err := json.Unmarshal([]byte(s), &j)
	return j, err
}

// Owns reports whether userID may mutate this job's control state
// (spec.md §3 Ownership, §7 kind 2 Authorization).
func (j Job) Owns(userID int64, isAdmin bool) bool {
	return isAdmin || j.UserID == userID
}
