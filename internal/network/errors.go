package network

import "errors"

var (
	// ErrNoEndpoint indicates the layer has no endpoint configured.
	ErrNoEndpoint = errors.New("network: no endpoint configured")
	// ErrHTTPStatus indicates a non-2xx response.
	ErrHTTPStatus = errors.New("network: unexpected http status")
	// ErrMalformedResponse indicates a response body that is not a GraphQL
	// response.
	ErrMalformedResponse = errors.New("network: malformed response")
)
