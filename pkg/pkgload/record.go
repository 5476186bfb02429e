// SPDX-License-Identifier: MPL-2.0

package pkgload

// Record states. Search paths only use Pending, Loading and Ready.
const (
	StatePending RecordState = iota
	StateLoading
	StateReady
	StateError
	StateIgnored
)

type (
	// RecordState is the readiness state of a search path or package record.
	RecordState int

	// SearchPathRecord is a directory scanned for packages.
	SearchPathRecord struct {
		Path  string
		State RecordState
	}

	// PackageRecord is one registered package path.
	PackageRecord struct {
		// Path is the canonical package directory.
		Path string
		// Name is the base name of Path.
		Name  string
		State RecordState
		// Origin overrides the manifest origin when set.
		Origin string
		// DisableOrigin suppresses origin reconciliation for this record.
		DisableOrigin bool
		// Optional records are demoted to Ignored on failure.
		Optional bool
		// Discovered records were found by scanning a search path; their
		// failures are logged as warnings.
		Discovered bool
		// Err is set in StateError.
		Err error
	}
)

func (s RecordState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	case StateIgnored:
		return "ignored"
	default:
		return "unknown"
	}
}

func (r *PackageRecord) settled() bool {
	return r.State == StateReady || r.State == StateError || r.State == StateIgnored
}
