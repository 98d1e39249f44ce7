// Package subscriber implements the client-facing cache (spec.md §4.3): it
// discovers publishers via the broker, lazily materializes datasets
// chunk-by-chunk on demand, and resolves slice requests by mapping
// slice -> chunk set -> decompression -> response.
package subscriber

import (
	"encoding/json"
	"net/http"
	"time"

	"caterva2/internal/apierr"
	"caterva2/internal/wire"
)

// brokerClient is a thin HTTP client over the broker's root-discovery API.
type brokerClient struct {
	endpoint string
	http     *http.Client
}

func newBrokerClient(endpoint string) *brokerClient {
	return &brokerClient{endpoint: endpoint, http: &http.Client{Timeout: 10 * time.Second}}
}

func (c *brokerClient) roots() (map[string]wire.RootInfo, error) {
	resp, err := c.http.Get(c.endpoint + "/api/roots")
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeUpstreamUnavailable, "broker unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apierr.New(apierr.CodeUpstreamUnavailable, "broker returned unexpected status")
	}
	var out map[string]wire.RootInfo
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apierr.Wrap(apierr.CodeUpstreamUnavailable, "malformed broker response", err)
	}
	return out, nil
}

func (c *brokerClient) locate(root string) (string, error) {
	resp, err := c.http.Get(c.endpoint + "/api/locate/" + root)
	if err != nil {
		return "", apierr.Wrap(apierr.CodeUpstreamUnavailable, "broker unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", apierr.New(apierr.CodeNotFound, "unknown root: "+root)
	}
	if resp.StatusCode != http.StatusOK {
		return "", apierr.New(apierr.CodeUpstreamUnavailable, "broker returned unexpected status")
	}
	var loc wire.LocateResponse
	if err := json.NewDecoder(resp.Body).Decode(&loc); err != nil {
		return "", apierr.Wrap(apierr.CodeUpstreamUnavailable, "malformed broker response", err)
	}
	return loc.Endpoint, nil
}
