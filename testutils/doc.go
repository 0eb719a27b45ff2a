// Package testutils provides testing utilities shared across the
// pgrouter test suites.
//
// Key components:
//   - FakePool: an in-memory db.Pool implementation with controllable
//     health, latency, failure and sizing behavior
//   - FakeRows: a canned result set
//
// Example usage:
//
//	pool := testutils.NewFakePool()
//	pool.QueryRows = testutils.NewFakeRows([]string{"id"}, [][]any{{int64(1)}})
//	entry := db.NewPoolEntry("r1", db.RoleRead, pool)
package testutils
