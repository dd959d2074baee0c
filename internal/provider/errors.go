package provider

import "errors"

var (
	// ErrProviderUnavailable is transient: network failure, 5xx, or throttling.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrProviderRejected is permanent: the provider refused the request.
	ErrProviderRejected = errors.New("provider rejected request")
	ErrUnknownProvider  = errors.New("unknown provider")
	ErrInvalidWebhook   = errors.New("invalid webhook delivery")
	// ErrEventIgnored marks a well-formed delivery that carries nothing to act on.
	ErrEventIgnored = errors.New("webhook event ignored")
)
