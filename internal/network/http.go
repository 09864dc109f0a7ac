package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	compile "github.com/hanpama/graphcache/internal/compile"
	eventbus "github.com/hanpama/graphcache/internal/eventbus"
	events "github.com/hanpama/graphcache/internal/events"
	runid "github.com/hanpama/graphcache/internal/runid"
)

// RunIDHeader carries the id of the run that sent a request.
const RunIDHeader = "X-Graphcache-Run-Id"

// HTTPLayer posts every query as its own GraphQL request. Identical
// requests in flight at the same time share one round trip.
type HTTPLayer struct {
	opts  *Options
	group singleflight.Group
	wg    sync.WaitGroup
}

var _ Layer = (*HTTPLayer)(nil)

func NewHTTPLayer(opts ...Option) *HTTPLayer {
	o := defaultOptions()
	for _, f := range opts {
		f(o)
	}
	return &HTTPLayer{opts: o}
}

func (l *HTTPLayer) Supports(features ...string) bool {
	for _, f := range features {
		if !slices.Contains(l.opts.Features, f) {
			return false
		}
	}
	return true
}

// SendQueries starts one goroutine per request and returns immediately.
func (l *HTTPLayer) SendQueries(ctx context.Context, requests []*Request) {
	for _, r := range requests {
		r := r
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.send(ctx, r)
		}()
	}
}

// Wait blocks until every request sent so far has completed.
func (l *HTTPLayer) Wait() { l.wg.Wait() }

func (l *HTTPLayer) send(ctx context.Context, r *Request) {
	name := r.Query().Name()
	text, err := compile.Print(r.Query())
	if err != nil {
		r.Reject(fmt.Errorf("print query %s: %w", name, err))
		return
	}
	body, err := json.Marshal(GraphQLRequest{Query: text, OperationName: compile.OperationName(name)})
	if err != nil {
		r.Reject(fmt.Errorf("encode query %s: %w", name, err))
		return
	}
	v, err, _ := l.group.Do(string(body), func() (any, error) {
		return l.post(ctx, body)
	})
	if err != nil {
		r.Reject(fmt.Errorf("query %s: %w", name, err))
		return
	}
	resp := v.(*Response)
	if len(resp.Errors) > 0 {
		r.Reject(&QueryError{Query: name, Errors: resp.Errors})
		return
	}
	r.Resolve(resp)
}

func (l *HTTPLayer) post(ctx context.Context, body []byte) (*Response, error) {
	if l.opts.Endpoint == "" {
		return nil, ErrNoEndpoint
	}
	if _, ok := ctx.Deadline(); !ok && l.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.opts.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.opts.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range l.opts.Headers {
		req.Header.Set(k, v)
	}
	if id, ok := runid.FromContext(ctx); ok {
		req.Header.Set(RunIDHeader, id)
	}

	start := time.Now()
	status := 0
	eventbus.Publish(ctx, l.opts.Bus, events.HTTPStart{Request: req})
	resp, err := l.do(req, &status)
	eventbus.Publish(ctx, l.opts.Bus, events.HTTPFinish{Request: req, Status: status, Err: err, Duration: time.Since(start)})
	return resp, err
}

func (l *HTTPLayer) do(req *http.Request, status *int) (*Response, error) {
	res, err := l.opts.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	*status = res.StatusCode

	var r io.Reader = res.Body
	if l.opts.MaxBodyBytes > 0 {
		r = io.LimitReader(res.Body, l.opts.MaxBodyBytes)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, r)
		return nil, fmt.Errorf("%w: %s", ErrHTTPStatus, res.Status)
	}
	var out Response
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if out.Data == nil && len(out.Errors) == 0 {
		return nil, fmt.Errorf("%w: no data", ErrMalformedResponse)
	}
	return &out, nil
}
