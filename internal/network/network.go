// Package network sends root queries to a GraphQL server.
package network

import (
	"context"
	"fmt"
	"strings"
	"sync"

	query "github.com/hanpama/graphcache/internal/query"
)

// Layer sends queries and reports their results through the requests.
// SendQueries must not block on the network.
type Layer interface {
	SendQueries(ctx context.Context, requests []*Request)
	// Supports reports whether the server handles all the given features,
	// e.g. "defer".
	Supports(features ...string) bool
}

// FeatureDefer is the feature name of deferred fragment support.
const FeatureDefer = "defer"

// Request is one query in flight. It completes exactly once; later calls to
// Resolve or Reject are ignored.
type Request struct {
	query *query.Node
	once  sync.Once
	done  func(*Response, error)
}

// NewRequest creates a request for q. done is called once with either the
// response or the error.
func NewRequest(q *query.Node, done func(*Response, error)) *Request {
	return &Request{query: q, done: done}
}

func (r *Request) Query() *query.Node { return r.query }

func (r *Request) Resolve(resp *Response) {
	r.once.Do(func() { r.done(resp, nil) })
}

func (r *Request) Reject(err error) {
	r.once.Do(func() { r.done(nil, err) })
}

// GraphQLRequest is the JSON body of a GraphQL HTTP request.
type GraphQLRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

// GraphQLError is an error reported by the server.
type GraphQLError struct {
	Message    string         `json:"message"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

func (e GraphQLError) Error() string { return e.Message }

// Response is the payload of a query response.
type Response struct {
	Data   map[string]any `json:"data"`
	Errors []GraphQLError `json:"errors,omitempty"`
}

// QueryError reports the GraphQL errors of a failed query.
type QueryError struct {
	Query  string
	Errors []GraphQLError
}

func (e *QueryError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ge := range e.Errors {
		msgs[i] = ge.Message
	}
	return fmt.Sprintf("server request for query %s failed: %s", e.Query, strings.Join(msgs, "; "))
}
