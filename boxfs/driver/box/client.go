package box

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"github.com/gobeaver/boxfs/boxfs"
	"github.com/gobeaver/boxfs/logging"
	"github.com/gobeaver/boxfs/metrics"
)

// APIError is the error body Box returns with 4xx and 5xx responses.
type APIError struct {
	Status    int    `json:"status"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("box: %d %s", e.Status, e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.RequestID != "" {
		msg += " (request " + e.RequestID + ")"
	}
	return msg
}

// classify wraps a Box error in the boxfs sentinel that matches it.
func classify(e *APIError) error {
	switch {
	case e.Status == http.StatusNotFound:
		return fmt.Errorf("%w: %w", boxfs.ErrNotFound, e)
	case e.Status == http.StatusConflict && e.Code == "item_name_in_use":
		return fmt.Errorf("%w: %w", boxfs.ErrExist, e)
	case e.Status == http.StatusForbidden, e.Status == http.StatusUnauthorized:
		return fmt.Errorf("%w: %w", boxfs.ErrPermission, e)
	case e.Status == http.StatusBadRequest && e.Code == "folder_not_empty":
		return fmt.Errorf("%w: %w", boxfs.ErrNotEmpty, e)
	case e.Status == http.StatusBadRequest, e.Status == http.StatusMethodNotAllowed:
		return fmt.Errorf("%w: %w", boxfs.ErrInvalid, e)
	}
	return fmt.Errorf("%w: %w", boxfs.ErrRemote, e)
}

// call describes one API request.
type call struct {
	method string
	url    string
	query  url.Values
	// json is marshalled again for every attempt.
	json interface{}
	// body is sent once; calls carrying it are never retried.
	body        io.Reader
	contentType string
	// payload is a buffered body that can be replayed on retry.
	payload []byte
}

type client struct {
	http       *http.Client
	limiter    *rate.Limiter
	breaker    *circuitBreaker
	maxRetries int
	minWait    time.Duration
	maxWait    time.Duration
}

// do sends c and returns the response of the first non-retryable attempt.
// Responses of 2xx and 3xx are returned open; everything else becomes an
// error. 429 and 5xx responses and transport failures are retried with
// backoff, honouring Retry-After.
func (cl *client) do(ctx context.Context, c call) (*http.Response, error) {
	if err := cl.breaker.Allow(); err != nil {
		return nil, remoteError(err)
	}

	b := &backoff.Backoff{Min: cl.minWait, Max: cl.maxWait, Factor: 2, Jitter: true}
	for {
		if err := cl.limiter.Wait(ctx); err != nil {
			return nil, remoteError(err)
		}
		req, err := cl.newRequest(ctx, c)
		if err != nil {
			return nil, remoteError(err)
		}
		retryable := c.body == nil && int(b.Attempt()) < cl.maxRetries

		resp, err := cl.http.Do(req)
		if err != nil {
			cl.breaker.RecordFailure()
			if ctx.Err() != nil {
				return nil, remoteError(ctx.Err())
			}
			if !retryable {
				return nil, remoteError(err)
			}
			if err := cl.wait(ctx, b.Duration(), "network", c); err != nil {
				return nil, err
			}
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			if resp.StatusCode >= 500 {
				cl.breaker.RecordFailure()
			}
			apiErr := readError(resp)
			if !retryable {
				return nil, classify(apiErr)
			}
			wait := b.Duration()
			if ra := retryAfter(resp); ra > 0 {
				wait = ra
			}
			if err := cl.wait(ctx, wait, strconv.Itoa(resp.StatusCode), c); err != nil {
				return nil, err
			}
			continue
		}

		cl.breaker.RecordSuccess()
		if resp.StatusCode >= 400 {
			return nil, classify(readError(resp))
		}
		return resp, nil
	}
}

// doJSON sends c and decodes the response body into out, if out is not nil.
func (cl *client) doJSON(ctx context.Context, c call, out interface{}) error {
	resp, err := cl.do(ctx, c)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s %s: %w", boxfs.ErrRemote, c.method, c.url, err)
	}
	return nil
}

func (cl *client) newRequest(ctx context.Context, c call) (*http.Request, error) {
	u := c.url
	if len(c.query) > 0 {
		u += "?" + c.query.Encode()
	}

	var (
		body        io.Reader
		contentType = c.contentType
	)
	switch {
	case c.body != nil:
		body = c.body
	case c.payload != nil:
		body = bytes.NewReader(c.payload)
	case c.json != nil:
		data, err := json.Marshal(c.json)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, c.method, u, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (cl *client) wait(ctx context.Context, d time.Duration, status string, c call) error {
	metrics.RecordRetry(status)
	logging.WithContext(ctx).Warn("retrying box request",
		logging.String("method", c.method),
		logging.String("url", c.url),
		logging.String("status", status),
		logging.Duration("wait", d),
	)

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return remoteError(ctx.Err())
	case <-t.C:
		return nil
	}
}

// remoteError files a failure that never produced a Box response under
// ErrRemote. The cause stays matchable, so context.Canceled still is.
func remoteError(err error) error {
	return fmt.Errorf("%w: %w", boxfs.ErrRemote, err)
}

// readError drains resp and parses its Box error body. Bodies that are not
// JSON keep the status and the raw text.
func readError(resp *http.Response) *APIError {
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	apiErr := &APIError{}
	if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Code == "" && apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	apiErr.Status = resp.StatusCode
	if apiErr.Code == "" {
		apiErr.Code = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// retryAfter parses a Retry-After header given in seconds.
func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// isNotFound is true for errors that mean the addressed item is gone.
func isNotFound(err error) bool {
	return errors.Is(err, boxfs.ErrNotFound)
}
