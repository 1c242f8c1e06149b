// Package admission gates public downloads: a request-rate limiter per
// endpoint class, a ceiling on concurrent streams, and a per-client byte
// budget. The three checks are independent; callers run them cheapest
// first (rate, streams, bandwidth).
package admission

import (
	"errors"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"roomshare/internal/apperr"
)

const (
	DefaultMaxStreams      = 100
	DefaultBandwidthBytes  = 500 << 20
	DefaultBandwidthWindow = 60 * time.Second
	DefaultBandwidthIdle   = 120 * time.Second
	DefaultRateIdle        = 10 * time.Minute

	DefaultGeneralPerMinute     = 120
	DefaultStrictPerMinute      = 20
	DefaultShareCreatePerMinute = 30
	DefaultDownloadPerMinute    = 60
)

var (
	ErrTooManyStreams    = apperr.New(apperr.ResourceExhausted, "too many concurrent downloads")
	ErrBandwidthExceeded = apperr.New(apperr.ResourceExhausted, "bandwidth limit exceeded")
	ErrRateLimited       = apperr.New(apperr.ResourceExhausted, "rate limit exceeded")
)

// Rejection wraps a limiter error with the time after which a retry may
// succeed.
type Rejection struct {
	Err        error
	RetryAfter time.Duration
}

func (r *Rejection) Error() string {
	return r.Err.Error()
}

func (r *Rejection) Unwrap() error {
	return r.Err
}

// RetryAfterSeconds returns the Retry-After value carried by err, rounded
// up to whole seconds, or 0 when err carries none.
func RetryAfterSeconds(err error) int {
	var rej *Rejection
	if !errors.As(err, &rej) || rej.RetryAfter <= 0 {
		return 0
	}
	secs := int(rej.RetryAfter / time.Second)
	if rej.RetryAfter%time.Second != 0 {
		secs++
	}
	return secs
}

// Class selects a rate limiter.
type Class int

const (
	General Class = iota
	Strict
	ShareCreate
	PublicDownload
)

func (c Class) String() string {
	switch c {
	case General:
		return "general"
	case Strict:
		return "strict"
	case ShareCreate:
		return "share_create"
	case PublicDownload:
		return "public_download"
	default:
		return "class_" + strconv.Itoa(int(c))
	}
}

// Options configures a Controller. Zero values select the defaults.
type Options struct {
	MaxStreams           int
	BandwidthBytes       int64
	BandwidthWindow      time.Duration
	BandwidthIdle        time.Duration
	RateIdle             time.Duration
	GeneralPerMinute     int
	StrictPerMinute      int
	ShareCreatePerMinute int
	DownloadPerMinute    int
	Now                  func() time.Time
	Logger               *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.MaxStreams <= 0 {
		o.MaxStreams = DefaultMaxStreams
	}
	if o.RateIdle <= 0 {
		o.RateIdle = DefaultRateIdle
	}
	if o.GeneralPerMinute <= 0 {
		o.GeneralPerMinute = DefaultGeneralPerMinute
	}
	if o.StrictPerMinute <= 0 {
		o.StrictPerMinute = DefaultStrictPerMinute
	}
	if o.ShareCreatePerMinute <= 0 {
		o.ShareCreatePerMinute = DefaultShareCreatePerMinute
	}
	if o.DownloadPerMinute <= 0 {
		o.DownloadPerMinute = DefaultDownloadPerMinute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Controller bundles the stream guard, the bandwidth limiter and one rate
// limiter per Class.
type Controller struct {
	streams   *StreamGuard
	bandwidth *BandwidthLimiter
	rates     map[Class]*KeyedLimiter
	rateIdle  time.Duration
	logger    *slog.Logger

	rateRejected      atomic.Uint64
	streamRejected    atomic.Uint64
	bandwidthRejected atomic.Uint64
}

// NewController builds a Controller from opts.
func NewController(opts Options) *Controller {
	opts.applyDefaults()
	return &Controller{
		streams:   NewStreamGuard(opts.MaxStreams),
		bandwidth: NewBandwidthLimiter(opts.BandwidthBytes, opts.BandwidthWindow, opts.BandwidthIdle, opts.Now),
		rates: map[Class]*KeyedLimiter{
			General:        NewKeyedLimiter(opts.GeneralPerMinute, opts.Now),
			Strict:         NewKeyedLimiter(opts.StrictPerMinute, opts.Now),
			ShareCreate:    NewKeyedLimiter(opts.ShareCreatePerMinute, opts.Now),
			PublicDownload: NewKeyedLimiter(opts.DownloadPerMinute, opts.Now),
		},
		rateIdle: opts.RateIdle,
		logger:   opts.Logger.With("component", "admission"),
	}
}

// CheckRate takes one request from key's quota in class.
func (c *Controller) CheckRate(class Class, key string) error {
	lim, ok := c.rates[class]
	if !ok {
		return apperr.New(apperr.Internal, "unknown rate class "+class.String())
	}
	allowed, wait := lim.Allow(key)
	if allowed {
		return nil
	}
	c.rateRejected.Add(1)
	c.logger.Debug("rate limited", "class", class.String(), "key", key, "retry_after", wait)
	return &Rejection{Err: ErrRateLimited, RetryAfter: wait}
}

// TryAcquireStream claims a download slot. The caller must defer
// Release on the returned token.
func (c *Controller) TryAcquireStream() (*Token, error) {
	tok, err := c.streams.TryAcquire()
	if err != nil {
		c.streamRejected.Add(1)
		c.logger.Warn("stream ceiling reached", "max", c.streams.Max())
		return nil, &Rejection{Err: err, RetryAfter: time.Second}
	}
	return tok, nil
}

// CheckBandwidth charges n bytes to ip.
func (c *Controller) CheckBandwidth(ip string, n int64) error {
	allowed, wait := c.bandwidth.Allow(ip, n)
	if allowed {
		return nil
	}
	c.bandwidthRejected.Add(1)
	c.logger.Warn("bandwidth limit", "ip", ip, "bytes", n, "retry_after", wait)
	return &Rejection{Err: ErrBandwidthExceeded, RetryAfter: wait}
}

// BandwidthUsed reports the bytes charged to ip in its current window.
func (c *Controller) BandwidthUsed(ip string) int64 {
	return c.bandwidth.Used(ip)
}

// SweepResult counts keys evicted by Sweep.
type SweepResult struct {
	BandwidthKeys int
	RateKeys      int
}

// Sweep evicts idle bandwidth and rate-limiter keys.
func (c *Controller) Sweep() SweepResult {
	res := SweepResult{BandwidthKeys: c.bandwidth.Sweep()}
	for _, lim := range c.rates {
		res.RateKeys += lim.Sweep(c.rateIdle)
	}
	if res.BandwidthKeys > 0 || res.RateKeys > 0 {
		c.logger.Debug("admission sweep", "bandwidth_keys", res.BandwidthKeys, "rate_keys", res.RateKeys)
	}
	return res
}

// Stats is a point-in-time view of admission state.
type Stats struct {
	ActiveStreams     int64  `json:"active_streams"`
	MaxStreams        int64  `json:"max_streams"`
	BandwidthKeys     int    `json:"bandwidth_keys"`
	RateRejected      uint64 `json:"rate_rejected"`
	StreamRejected    uint64 `json:"stream_rejected"`
	BandwidthRejected uint64 `json:"bandwidth_rejected"`
}

func (c *Controller) Stats() Stats {
	return Stats{
		ActiveStreams:     c.streams.Active(),
		MaxStreams:        c.streams.Max(),
		BandwidthKeys:     c.bandwidth.Len(),
		RateRejected:      c.rateRejected.Load(),
		StreamRejected:    c.streamRejected.Load(),
		BandwidthRejected: c.bandwidthRejected.Load(),
	}
}
