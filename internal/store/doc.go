// Package store provides SQLite-backed durable storage for dhtcore.
//
// One database file holds two logical stores:
//   - Network store: actions and entries received or integrated, the limbo
//     table of ops still being validated, the final ops table with a
//     definite validation_status, and the link index.
//   - Authored store: this node's own chain, its outgoing ops with their
//     publish and receipt state, plus chain locks and countersigning
//     sessions.
//
// # Critical Patterns
//
// Limbo/ops exclusivity
//   - An op hash is never in limbo and ops at the same time.
//     IntegrateBatch inserts into ops and deletes from limbo in one tx.
//
// Idempotent writes
//   - Content-addressed rows use ON CONFLICT DO NOTHING; re-admitting or
//     re-integrating the same op is a no-op.
//
// Aggregated validity
//   - actions.validity is recomputed inside the integration tx by
//     re-scanning ops for the action: rejected if any op is rejected,
//     else valid if any op is valid.
//
// Query visibility
//   - Read queries only return data whose action validity is 'valid'.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Both github.com/mattn/go-sqlite3 ("sqlite3") and modernc.org/sqlite
// ("sqlite") drivers are registered; see OpenWithDriver.
package store
