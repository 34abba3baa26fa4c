package http

import (
	"net/http"
	"slices"
	"time"

	"github.com/rhuss/dynapi/pkg/catalog"
	"github.com/rhuss/dynapi/pkg/transport"
)

type infoResponse struct {
	Service   string           `json:"service"`
	Version   string           `json:"version,omitempty"`
	Schemes   []catalog.Scheme `json:"schemes"`
	Timestamp time.Time        `json:"timestamp"`
}

func (rt *Routes) handleInfo(w http.ResponseWriter, _ *http.Request) {
	schemes := append([]catalog.Scheme{catalog.SchemeNone}, rt.Pipeline.Engine().Registry().Schemes()...)
	slices.Sort(schemes)
	transport.WriteJSON(w, http.StatusOK, infoResponse{
		Service:   rt.Service,
		Version:   rt.Version,
		Schemes:   schemes,
		Timestamp: rt.Clock().UTC(),
	})
}

// endpointSummary is the public view of an endpoint. Auth configuration is
// never exposed.
type endpointSummary struct {
	ID                 int64          `json:"id"`
	Name               string         `json:"name"`
	Description        string         `json:"description,omitempty"`
	Scheme             catalog.Scheme `json:"scheme"`
	RateLimitPerMinute int            `json:"rateLimitPerMinute"`
	Public             bool           `json:"public"`
}

type availableResponse struct {
	Endpoints []endpointSummary `json:"endpoints"`
	Count     int               `json:"count"`
}

func (rt *Routes) handleAvailable(w http.ResponseWriter, r *http.Request) {
	eps, err := rt.Endpoints.ListActiveEndpoints(r.Context())
	if err != nil {
		transport.WriteError(w, r, err)
		return
	}
	out := make([]endpointSummary, 0, len(eps))
	for _, ep := range eps {
		out = append(out, endpointSummary{
			ID:                 ep.ID,
			Name:               ep.Name,
			Description:        ep.Description,
			Scheme:             ep.Scheme,
			RateLimitPerMinute: ep.RateLimitPerMinute,
			Public:             ep.Public,
		})
	}
	transport.WriteJSON(w, http.StatusOK, availableResponse{Endpoints: out, Count: len(out)})
}
