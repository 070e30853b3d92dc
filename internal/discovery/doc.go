// Package discovery defines the core types, error kinds and collaborator
// interfaces shared by the opportunity discovery engine: targets, candidates,
// persisted opportunities, verification results, bots, rewards and daily
// statistics.
package discovery
