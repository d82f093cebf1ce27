// Package domain defines the core business types for the budget optimizer.
//
// Types in this package are pure value objects with no behavior beyond
// construction, validation, and derived statistics. They are the shared
// language between the ingest pipeline, the decision engine, and the
// repositories.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - JSON/DB tags are allowed (they're metadata, not behavior)
//   - Validation methods are allowed (they're pure functions on the type)
//   - Constants and enums belong here
//
// Campaigns and arms are addressed by ID; posteriors reference arm IDs and
// never hold back-pointers. Anything that needs the full object graph loads
// it through a repository.
package domain
