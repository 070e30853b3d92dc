// Package store declares the repository interfaces the engine persists
// through. Implementations live under internal/storage; this package must not
// import database drivers or concrete clients.
package store
