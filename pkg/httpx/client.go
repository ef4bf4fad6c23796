package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// RequestJSON is the outbound call primitive behind the keeper client.
// Keeper reads are idempotent and keeper settlement calls are
// idempotent on the ledger side, so transport errors and 5xx responses
// are retried up to retries times with a fixed delay; 4xx responses are
// returned to the caller untouched.
func RequestJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string, retries int, retryDelay time.Duration) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if retries < 0 {
		retries = 0
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		status, respBody, retryable, err := requestOnce(ctx, client, method, url, body, headers)
		if !retryable {
			if err != nil {
				return 0, nil, err
			}
			return status, respBody, nil
		}
		lastErr = err
		if attempt == retries {
			if err != nil {
				return 0, nil, err
			}
			// Retry budget spent on 5xx; hand the last response back.
			return status, respBody, nil
		}
		time.Sleep(retryDelay)
	}
	return 0, nil, lastErr
}

func requestOnce(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string) (int, []byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, false, err
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, true, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, true, err
	}
	return resp.StatusCode, respBody, resp.StatusCode >= 500, nil
}
