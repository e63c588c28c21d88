// Package errkind defines the error taxonomy of SPEC_FULL.md §7:
// validation, authorization, provider transient/permanent, downloader,
// finalization, media-server-refresh, and store errors. Components
// translate raw errors into these kinds so the scheduler and worker
// can decide, without string matching, whether a failure is
// recoverable.
package errkind

import "errors"

// Kind is one of the taxonomy's eight error classes.
type Kind int

const (
	Validation Kind = iota
	Authorization
	ProviderTransient
	ProviderPermanent
	Downloader
	Finalization
	MediaServerRefresh
	Store
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Authorization:
		return "authorization"
	case ProviderTransient:
		return "provider_transient"
	case ProviderPermanent:
		return "provider_permanent"
	case Downloader:
		return "downloader"
	case Finalization:
		return "finalization"
	case MediaServerRefresh:
		return "media_server_refresh"
	case Store:
		return "store"
	default:
		return "unknown"
	}
}

// Recoverable reports whether a kind can retry automatically rather
// than driving a job to `failed` (spec.md §7 propagation policy: "Only
// kinds 4, 5-permanent, and 6 reach the failed terminal").
func (k Kind) Recoverable() bool {
	switch k {
	case ProviderPermanent, Finalization:
		return false
	default:
		return true
	}
}

// Error wraps an underlying cause with a taxonomy Kind and optional
// detail, matching the standard fmt.Errorf("...: %w", err) wrapping
// convention (see internal/config, internal/admin-api/audit.go) rather
// than bespoke per-component error types.
type Error struct {
	Kind   Kind
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Kind.String() + ": " + e.Detail + ": " + e.Cause.Error()
	}
	return e.Kind.String() + ": " + e.Detail
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs a taxonomy error.
func New(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, Cause: cause}
}

// As reports whether err (or any error it wraps) is a taxonomy Error
// of the given kind.
func As(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Unavailable is returned by Store operations after retry exhaustion
// (spec.md §7 kind 8).
var Unavailable = errors.New("store unavailable")
