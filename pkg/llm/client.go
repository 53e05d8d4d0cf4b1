package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// wireChunk is the SSE payload shape: one JSON object per "data:" line,
// the last one carrying done=true plus the final usage totals.
type wireChunk struct {
	Content string `json:"content"`
	Done    bool   `json:"done"`
	Usage   *Usage `json:"usage,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HTTPStreamClient is the default Client: a single POST per generation
// whose response body is an SSE stream of wireChunk events. Chunks are
// fed to the caller over a channel from a background goroutine, the
// same shape the teacher's gRPC client uses for its thinking stream --
// only the wire format changed.
type HTTPStreamClient struct {
	baseURL    string
	httpClient *http.Client
	newBackoff func() backoff.BackOff
}

// NewHTTPStreamClient creates a client against baseURL (expected to
// expose a POST /generate endpoint). A nil httpClient gets a client
// with no timeout of its own -- callers drive cancellation through ctx.
func NewHTTPStreamClient(baseURL string, httpClient *http.Client) *HTTPStreamClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HTTPStreamClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		newBackoff: defaultReconnectBackoff,
	}
}

func defaultReconnectBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return b
}

// Generate issues the request and streams the response. The returned
// channels are both closed when the stream ends, successfully or not;
// exactly one of a Final chunk or a send on the error channel occurs.
func (c *HTTPStreamClient) Generate(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		operation := func() error {
			return c.stream(ctx, req, chunks)
		}

		err := backoff.Retry(operation, backoff.WithContext(c.newBackoff(), ctx))
		if err != nil {
			select {
			case errs <- err:
			case <-ctx.Done():
			}
		}
	}()

	return chunks, errs
}

// stream performs one HTTP attempt. A *ConnectionError return is
// retried by the caller's backoff.Retry; every other error is
// permanent.
func (c *HTTPStreamClient) stream(ctx context.Context, req Request, chunks chan<- Chunk) error {
	body, err := json.Marshal(req)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("llm: failed to encode request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("llm: failed to build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(&TimeoutError{Message: err.Error()})
		}
		return &ConnectionError{Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return backoff.Permanent(&HTTPError{Status: resp.StatusCode, Message: resp.Status})
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}

		var wc wireChunk
		if err := json.Unmarshal([]byte(data), &wc); err != nil {
			return backoff.Permanent(fmt.Errorf("llm: malformed event: %w", err))
		}

		if wc.Error != "" {
			return backoff.Permanent(&ProviderError{Message: wc.Error})
		}

		chunk := Chunk{Content: wc.Content}
		if wc.Done {
			chunk.Final = &Result{Usage: wc.Usage}
		}

		select {
		case chunks <- chunk:
		case <-ctx.Done():
			return backoff.Permanent(&TimeoutError{Message: ctx.Err().Error()})
		}

		if wc.Done {
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		return &ConnectionError{Message: err.Error()}
	}
	return &ConnectionError{Message: "stream ended without a terminal event"}
}

// IsRetryable reports whether err is a ConnectionError -- the only
// kind the executor should itself consider retrying after Generate
// has already exhausted its own reconnect budget.
func IsRetryable(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
