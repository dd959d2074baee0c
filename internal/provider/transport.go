package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ClassifyTransportError maps client.Do failures onto ErrProviderUnavailable.
// Context cancellation by the caller is passed through untouched.
func ClassifyTransportError(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}

// ClassifyStatus maps a non-2xx HTTP response onto the provider error taxonomy.
// 429 and 5xx are transient; every other 4xx is a permanent rejection.
func ClassifyStatus(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrProviderUnavailable, resp.StatusCode, body)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrProviderRejected, resp.StatusCode, body)
	}
}
