package subscriber

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"caterva2/internal/apierr"
	"caterva2/internal/wire"
)

// publisherClient is a thin HTTP client over one publisher's dataset API.
type publisherClient struct {
	endpoint string
	http     *http.Client
}

func newPublisherClient(endpoint string) *publisherClient {
	return &publisherClient{endpoint: endpoint, http: &http.Client{Timeout: 10 * time.Second}}
}

func (c *publisherClient) list() ([]string, error) {
	resp, err := c.http.Get(c.endpoint + "/api/list")
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeUpstreamUnavailable, "publisher unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apierr.New(apierr.CodeUpstreamUnavailable, "publisher returned unexpected status")
	}
	var paths []string
	if err := json.NewDecoder(resp.Body).Decode(&paths); err != nil {
		return nil, apierr.Wrap(apierr.CodeUpstreamUnavailable, "malformed publisher response", err)
	}
	return paths, nil
}

func (c *publisherClient) info(path string) (wire.DatasetInfo, error) {
	resp, err := c.http.Get(c.endpoint + "/api/info/" + path)
	if err != nil {
		return wire.DatasetInfo{}, apierr.Wrap(apierr.CodeUpstreamUnavailable, "publisher unreachable", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return wire.DatasetInfo{}, apierr.New(apierr.CodeNotFound, "dataset not found: "+path)
	default:
		return wire.DatasetInfo{}, apierr.New(apierr.CodeUpstreamUnavailable, "publisher returned unexpected status")
	}
	var info wire.DatasetInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return wire.DatasetInfo{}, apierr.Wrap(apierr.CodeUpstreamUnavailable, "malformed publisher response", err)
	}
	return info, nil
}

// chunk fetches chunk n's compressed bytes along with the ETag in force when
// the publisher served it.
func (c *publisherClient) chunk(path string, n int) ([]byte, string, error) {
	resp, err := c.http.Get(c.endpoint + "/api/chunk/" + path + "/" + strconv.Itoa(n))
	if err != nil {
		return nil, "", apierr.Wrap(apierr.CodeUpstreamUnavailable, "publisher unreachable", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, "", apierr.New(apierr.CodeNotFound, "chunk not found")
	case http.StatusConflict:
		return nil, "", apierr.New(apierr.CodeEtagMismatch, "dataset changed during chunk read")
	default:
		return nil, "", apierr.New(apierr.CodeUpstreamUnavailable, "publisher returned unexpected status")
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", apierr.Wrap(apierr.CodeUpstreamUnavailable, "failed to read chunk body", err)
	}
	return data, resp.Header.Get("ETag"), nil
}

// watchChanges opens the publisher's GET /api/changes newline-delimited
// JSON stream and decodes it onto a channel, one ChangeBatch per line. The
// channel is closed when ctx is cancelled or the stream ends (publisher
// gone, connection dropped); the caller is responsible for reconnecting if
// change_subscription is still desired (spec.md §4.3 `change_subscription`).
func (c *publisherClient) watchChanges(ctx context.Context) (<-chan wire.ChangeBatch, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/api/changes", nil)
	if err != nil {
		return nil, err
	}
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeUpstreamUnavailable, "publisher unreachable", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, apierr.New(apierr.CodeUpstreamUnavailable, "publisher returned unexpected status")
	}

	out := make(chan wire.ChangeBatch, 4)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		dec := json.NewDecoder(resp.Body)
		for {
			var batch wire.ChangeBatch
			if err := dec.Decode(&batch); err != nil {
				return
			}
			select {
			case out <- batch:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
