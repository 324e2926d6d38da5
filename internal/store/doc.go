// Package store defines the document store used for module state and its
// backends: Cloud Firestore for the hosted deployment, SQLite for durable
// local runs, and an in-memory placeholder for development without
// credentials. Backends share merge-upsert, update-only and append semantics
// so callers can switch between them without code changes.
package store
