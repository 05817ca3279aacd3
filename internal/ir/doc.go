// Package ir provides the content-addressed data model for dhtcore.
//
// It defines actions, entries, records, chain ops and warrants, their
// canonical JSON encoding, their hashes and the pure action-to-op transform.
// All other internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - NO float types anywhere - timestamps are int64 microseconds
//   - Hashes are computed only over RFC 8785 canonical JSON
//   - Variant types are closed: a Kind enum plus an exhaustive switch
//   - All JSON tags use snake_case
package ir
