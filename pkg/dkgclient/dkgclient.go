/*
Package dkgclient implements publish.DkgClient over the DKG node's HTTP
API: POST a publish request, poll its operation id until the node
reports it finalized. The request carries the wallet address in an
X-Wallet-Address header; it is not signed and Identity.Secret is not
sent. Connection errors and 5xx responses on the POST are retried with
sethvargo/go-retry's exponential backoff, the same retry/backoff library
goose depends on for its own Postgres lock acquisition; a still-pending
operation is re-polled at a constant interval, up to maxPolls times.
*/
package dkgclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/cuemby/kapp/pkg/publish"
)

// Client talks to one DKG node's HTTP API.
type Client struct {
	endpoint   string
	httpClient *http.Client

	pollInterval time.Duration
	maxPolls     uint64
}

// New builds a Client against endpoint (e.g. "http://localhost:8900").
func New(endpoint string, timeout time.Duration) *Client {
	return &Client{
		endpoint:     endpoint,
		httpClient:   &http.Client{Timeout: timeout},
		pollInterval: 2 * time.Second,
		maxPolls:     30,
	}
}

type createRequest struct {
	Content                                   json.RawMessage `json:"content"`
	EpochsNum                                  int             `json:"epochsNum"`
	MinimumNumberOfFinalizationConfirmations   int             `json:"minimumNumberOfFinalizationConfirmations"`
	MinimumNumberOfNodeReplications            int             `json:"minimumNumberOfNodeReplications"`
}

type createResponse struct {
	UAL         string `json:"UAL"`
	OperationID string `json:"operationId"`
}

type operationStatusResponse struct {
	Status    string            `json:"status"`
	Operation publish.DkgResult `json:"data"`
}

// Create publishes wrapped to the DKG network on behalf of identity's
// wallet address, and blocks until the node reports the publish operation
// finalized (or permanently failed).
func (c *Client) Create(ctx context.Context, wrapped []byte, opts publish.CreateOptions, identity publish.Identity) (publish.DkgResult, error) {
	reqBody := createRequest{
		Content:                                  wrapped,
		EpochsNum:                                opts.EpochsNum,
		MinimumNumberOfFinalizationConfirmations: opts.MinimumNumberOfFinalizationConfirmations,
		MinimumNumberOfNodeReplications:          opts.MinimumNumberOfNodeReplications,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return publish.DkgResult{}, fmt.Errorf("dkgclient: marshal request: %w", err)
	}

	var created createResponse
	base, err := retry.NewExponential(500 * time.Millisecond)
	if err != nil {
		return publish.DkgResult{}, fmt.Errorf("dkgclient: build backoff: %w", err)
	}
	backoff := retry.WithMaxRetries(5, base)
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		resp, postErr := c.post(ctx, "/latest/assets", identity, body)
		if postErr != nil {
			return retry.RetryableError(postErr)
		}
		if decodeErr := json.Unmarshal(resp, &created); decodeErr != nil {
			return fmt.Errorf("dkgclient: decode create response: %w", decodeErr)
		}
		return nil
	})
	if err != nil {
		return publish.DkgResult{}, fmt.Errorf("dkgclient: create request failed: %w", err)
	}

	return c.pollOperation(ctx, created.OperationID, created.UAL)
}

func (c *Client) pollOperation(ctx context.Context, operationID, ual string) (publish.DkgResult, error) {
	var result publish.DkgResult

	pollBase, err := retry.NewConstant(c.pollInterval)
	if err != nil {
		return publish.DkgResult{}, fmt.Errorf("dkgclient: build poll backoff: %w", err)
	}
	backoff := retry.WithMaxRetries(c.maxPolls, pollBase)
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		resp, err := c.get(ctx, "/latest/operations/publish/"+operationID)
		if err != nil {
			return retry.RetryableError(err)
		}

		var status operationStatusResponse
		if err := json.Unmarshal(resp, &status); err != nil {
			return fmt.Errorf("dkgclient: decode operation status: %w", err)
		}

		switch status.Status {
		case "COMPLETED":
			result = status.Operation
			if result.UAL == "" {
				result.UAL = ual
			}
			return nil
		case "FAILED":
			result = status.Operation
			return nil // terminal failure; caller classifies via PublishOperation.ErrorType
		default:
			return retry.RetryableError(fmt.Errorf("dkgclient: operation %s still %s", operationID, status.Status))
		}
	})
	if err != nil {
		return publish.DkgResult{}, fmt.Errorf("dkgclient: poll operation %s: %w", operationID, err)
	}
	return result, nil
}

func (c *Client) post(ctx context.Context, path string, identity publish.Identity, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Wallet-Address", identity.Address)
	return c.do(req)
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("dkgclient: %s returned %d: %s", req.URL.Path, resp.StatusCode, string(data))
	}
	// 4xx responses are returned as-is: the DKG API reports validation
	// and publish failures in the response body (operation.publish.errorType),
	// which publish.Executor classifies, not via HTTP status alone.
	return data, nil
}
