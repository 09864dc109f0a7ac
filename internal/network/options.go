package network

import (
	"net/http"
	"time"

	eventbus "github.com/hanpama/graphcache/internal/eventbus"
)

// Options configures the HTTP network layer.
//
// Defaults:
// - Client:       http.DefaultClient
// - Timeout:      10s (used only if the context has no deadline)
// - MaxBodyBytes: 8 MiB
//
// Endpoint must be provided; sending without one rejects every request
// with ErrNoEndpoint.
type Options struct {
	Endpoint string
	Client   *http.Client
	Timeout  time.Duration
	Headers  map[string]string
	// Features lists the features the server supports.
	Features     []string
	MaxBodyBytes int64
	Bus          *eventbus.Bus
}

type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		Client:       http.DefaultClient,
		Timeout:      10 * time.Second,
		MaxBodyBytes: 8 << 20,
	}
}

func WithEndpoint(url string) Option         { return func(o *Options) { o.Endpoint = url } }
func WithHTTPClient(c *http.Client) Option   { return func(o *Options) { o.Client = c } }
func WithTimeout(d time.Duration) Option     { return func(o *Options) { o.Timeout = d } }
func WithMaxBodyBytes(n int64) Option        { return func(o *Options) { o.MaxBodyBytes = n } }
func WithEventBus(b *eventbus.Bus) Option    { return func(o *Options) { o.Bus = b } }
func WithFeatures(features ...string) Option { return func(o *Options) { o.Features = features } }
func WithHeader(key, value string) Option {
	return func(o *Options) {
		if o.Headers == nil {
			o.Headers = make(map[string]string)
		}
		o.Headers[key] = value
	}
}
