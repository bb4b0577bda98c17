// Package e2echeck drives a running oracle through the full bounty
// lifecycle over HTTP and verifies every signature it gets back.
package e2echeck

import "time"

// Config holds configuration for a check run.
type Config struct {
	BaseURL    string        // Base URL of the service
	AdminToken string        // Bearer token for admin routes
	Bounties   int           // Number of bounties to push through review
	DenyEvery  int           // Deny every n-th bounty; 0 approves all
	Workers    int           // Concurrent bounties in flight
	Timeout    time.Duration // HTTP request timeout
	PollEvery  time.Duration // Attestation poll interval
	PollFor    time.Duration // Give up waiting for an attestation after this
}

// Stats holds run statistics.
type Stats struct {
	Submitted  int64
	Approved   int64
	Denied     int64
	Attested   int64
	Duplicates int64
	Verified   int64
	StartTime  time.Time
	Duration   time.Duration
}
