package source

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OSINTClient implements OSINTSource against an aggregation service fronting
// ENS, Snapshot and attribution providers.
type OSINTClient struct {
	baseURL string
	client  *httpClient
}

func NewOSINTClient(baseURL string, rateLimit int, hc *http.Client) *OSINTClient {
	var doer httpDoer
	if hc != nil {
		doer = hc
	}
	return &OSINTClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  newHTTPClient(doer, NewLimiter(rateLimit)),
	}
}

type ensResponse struct {
	Name string `json:"name"`
}

func (c *OSINTClient) ENS(ctx context.Context, address string) (*ENSRecord, error) {
	var resp ensResponse
	if err := c.client.getJSON(ctx, fmt.Sprintf("%s/ens/%s", c.baseURL, address), &resp); err != nil {
		return nil, fmt.Errorf("ens lookup %s: %w", address, err)
	}
	if resp.Name == "" {
		return nil, nil
	}
	return &ENSRecord{Address: strings.ToLower(address), Name: resp.Name}, nil
}

type votesResponse struct {
	Votes []struct {
		Space    string `json:"space"`
		Proposal string `json:"proposal"`
		Created  int64  `json:"created"`
	} `json:"votes"`
}

func (c *OSINTClient) Votes(ctx context.Context, address string) ([]GovernanceVote, error) {
	var resp votesResponse
	if err := c.client.getJSON(ctx, fmt.Sprintf("%s/votes/%s", c.baseURL, address), &resp); err != nil {
		return nil, fmt.Errorf("votes lookup %s: %w", address, err)
	}
	out := make([]GovernanceVote, 0, len(resp.Votes))
	for _, v := range resp.Votes {
		out = append(out, GovernanceVote{
			Address:  strings.ToLower(address),
			Space:    v.Space,
			Proposal: v.Proposal,
			CastAt:   time.Unix(v.Created, 0).UTC(),
		})
	}
	return out, nil
}

type labelResponse struct {
	Label      string  `json:"label"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	URL        string  `json:"url"`
}

func (c *OSINTClient) Label(ctx context.Context, address string) (*KnownLabel, error) {
	var resp labelResponse
	if err := c.client.getJSON(ctx, fmt.Sprintf("%s/labels/%s", c.baseURL, address), &resp); err != nil {
		return nil, fmt.Errorf("label lookup %s: %w", address, err)
	}
	if resp.Label == "" {
		return nil, nil
	}
	return &KnownLabel{
		Address:    strings.ToLower(address),
		Label:      resp.Label,
		Category:   resp.Category,
		Confidence: resp.Confidence,
		URL:        resp.URL,
	}, nil
}
