// Package application provides application initialization and dependency wiring.
// It resolves the storage backend, opens the document store, and builds the
// state manager, handlers, routers and HTTP server instances, making the main
// package cleaner and more focused on CLI parsing and orchestration.
package application
