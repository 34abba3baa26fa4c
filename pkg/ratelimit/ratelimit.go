package ratelimit

import (
	"time"

	"github.com/rhuss/dynapi/pkg/auth"
	"github.com/rhuss/dynapi/pkg/catalog"
)

// Layer names the limiter layer that produced a decision.
type Layer string

const (
	LayerCoarse Layer = "coarse"
	LayerFine   Layer = "fine"
)

// Coarse partitions.
const (
	PartitionPublic   = "public"
	PartitionBasic    = "basic"
	PartitionToken    = "token"
	PartitionAdvanced = "advanced"
	PartitionDefault  = "default"
)

// DefaultWindow is the length of both limiter windows.
const DefaultWindow = time.Minute

// DefaultBudgets returns the per-window permit budget of each partition.
func DefaultBudgets() map[string]int {
	return map[string]int{
		PartitionPublic:   50,
		PartitionBasic:    100,
		PartitionToken:    200,
		PartitionAdvanced: 500,
		PartitionDefault:  100,
	}
}

// Partition maps a scheme to its coarse partition.
func Partition(s catalog.Scheme) string {
	switch s {
	case catalog.SchemeNone:
		return PartitionPublic
	case catalog.SchemeBasic:
		return PartitionBasic
	case catalog.SchemeToken, catalog.SchemeAPIKey:
		return PartitionToken
	case catalog.SchemeJWT, catalog.SchemeOAuth2:
		return PartitionAdvanced
	default:
		return PartitionDefault
	}
}

// Subject is what a request is limited as.
type Subject struct {
	Scheme       catalog.Scheme
	EndpointID   int64
	CredentialID *int64
	// LimitPerMinute is the endpoint's fine limit; zero or less disables
	// the fine layer.
	LimitPerMinute int
}

// SubjectFromResult builds the Subject of an admitted authentication
// result.
func SubjectFromResult(res *auth.Result) Subject {
	s := Subject{
		Scheme:       res.Scheme,
		EndpointID:   res.EndpointID,
		CredentialID: res.CredentialID,
	}
	if res.Endpoint != nil {
		s.LimitPerMinute = res.Endpoint.RateLimitPerMinute
	}
	return s
}

// Decision is the outcome of a limiter check.
type Decision struct {
	Allowed   bool
	Layer     Layer
	Partition string
	// Remaining is the number of further requests allowed in the current
	// window, or -1 when no layer limits the subject.
	Remaining int
	ResetAt   time.Time
}
