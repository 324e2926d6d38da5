// Package state manages module registration, status and performance records
// on top of a document store. Failures are logged at the operation boundary
// and returned with a kind (validation, not found, transport) that callers
// can branch on with errors.Is or KindOf.
package state
