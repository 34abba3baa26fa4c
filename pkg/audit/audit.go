// Package audit records authentication attempts and execution outcomes.
//
// Entries are append-only facts. They are submitted to a Recorder, which
// writes them to a Store on a background worker; the submitting request
// never waits for the write and never sees its failure.
package audit

import (
	"context"
	"time"
)

// Kind distinguishes the two facts the gateway records.
type Kind string

const (
	KindAuthAttempt Kind = "auth_attempt"
	KindExecution   Kind = "execution"
)

// Entry is one audit fact.
type Entry struct {
	Kind         Kind          `json:"kind"`
	RequestID    string        `json:"requestId"`
	EndpointID   int64         `json:"endpointId"`
	CredentialID *int64        `json:"credentialId,omitempty"`
	Scheme       string        `json:"scheme"`
	Environment  string        `json:"environment"`
	Parameters   string        `json:"parameters,omitempty"`
	Success      bool          `json:"success"`
	StatusCode   int           `json:"statusCode,omitempty"`
	RateLimited  bool          `json:"rateLimited,omitempty"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	Duration     time.Duration `json:"durationNs"`
	ClientIP     string        `json:"clientIp,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

// UsageStats aggregates execution entries for one endpoint.
type UsageStats struct {
	EndpointID        int64         `json:"endpointId"`
	TotalExecutions   int           `json:"totalExecutions"`
	Successful        int           `json:"successful"`
	Failed            int           `json:"failed"`
	AverageDuration   time.Duration `json:"averageDurationNs"`
	FirstExecution    time.Time     `json:"firstExecution"`
	LastExecution     time.Time     `json:"lastExecution"`
	UniqueCredentials int           `json:"uniqueCredentials"`
	UniqueClients     int           `json:"uniqueClients"`
}

// Store persists entries.
type Store interface {
	Append(ctx context.Context, e Entry) error
}

// Counter answers the fine-grained rate limit question: how many admitted
// executions did a credential make against an endpoint since a point in time.
// Rate-limited rejections are not counted.
type Counter interface {
	CountExecutions(ctx context.Context, credentialID, endpointID int64, since time.Time) (int, error)
}

// Reporter serves the read-only audit reports.
type Reporter interface {
	// RecentErrors returns up to n failed executions, newest first.
	RecentErrors(ctx context.Context, n int) ([]Entry, error)

	// UsageStats aggregates executions since the given time, for one endpoint
	// or for all when endpointID is nil.
	UsageStats(ctx context.Context, endpointID *int64, since time.Time) ([]UsageStats, error)

	// FailedAttempts returns failed authentication attempts since the given
	// time, newest first.
	FailedAttempts(ctx context.Context, endpointID *int64, since time.Time) ([]Entry, error)
}

// UsageToucher records that a credential authenticated an admitted request.
type UsageToucher interface {
	TouchUsage(ctx context.Context, credentialID int64, at time.Time) error
}
