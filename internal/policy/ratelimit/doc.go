// Package ratelimit gates fetches. TargetLimiter enforces each target's
// requests-per-minute budget and issues single-use permits; HostLimiter
// spaces requests to the same host across targets.
package ratelimit
