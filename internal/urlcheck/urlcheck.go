// Package urlcheck validates product URLs before they are mailed out:
// scheme policy, private-address blocking, reachability with bounded
// retries, and a hard redirect cap.
package urlcheck

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/ignite/quote-sender/internal/keys"
	"github.com/ignite/quote-sender/internal/pkg/httpretry"
)

// ErrTooManyRedirects marks a URL that exceeded the redirect cap.
var ErrTooManyRedirects = errors.New("urlcheck: too many redirects")

// Block and warning reasons.
const (
	ReasonBadScheme        = "unsupported_scheme"
	ReasonPrivateAddress   = "private_address"
	ReasonUnreachable      = "unreachable"
	ReasonBadStatus        = "bad_status"
	ReasonTooManyRedirects = "too_many_redirects"
	WarningInsecureScheme  = "insecure_scheme"
)

var privateHostPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^127\.`),
	regexp.MustCompile(`^10\.`),
	regexp.MustCompile(`^172\.(1[6-9]|2[0-9]|3[0-1])\.`),
	regexp.MustCompile(`^192\.168\.`),
	regexp.MustCompile(`^0\.`),
	regexp.MustCompile(`^localhost$`),
}

// Result is the outcome of one validation. FinalURL is where the last
// request actually landed after redirects.
type Result struct {
	Valid         bool
	Reason        string
	Warning       string
	CanonicalURL  string
	FinalURL      string
	RedirectCount int
	StatusCode    int
}

// Options tunes the checker. Zero values take defaults.
type Options struct {
	Timeout      time.Duration
	RetryCount   int
	MaxRedirects int
}

// Checker validates URLs.
type Checker struct {
	opts     Options
	client   *http.Client
	lookupIP func(host string) ([]net.IP, error)

	allowPrivateHosts bool
}

// New builds a Checker.
func New(opts Options) *Checker {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RetryCount < 0 {
		opts.RetryCount = 0
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = 5
	}
	c := &Checker{opts: opts, lookupIP: net.LookupIP}
	c.client = &http.Client{
		Timeout: opts.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > opts.MaxRedirects {
				return ErrTooManyRedirects
			}
			return nil
		},
	}
	return c
}

// Validate checks rawURL and returns the canonical form used for key
// derivation alongside the verdict.
func (c *Checker) Validate(ctx context.Context, rawURL string) Result {
	res := Result{}

	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		res.Reason = ReasonBadScheme
		return res
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
	case "http":
		res.Warning = WarningInsecureScheme
	default:
		res.Reason = ReasonBadScheme
		return res
	}

	if !c.allowPrivateHosts && c.isPrivate(u.Hostname()) {
		res.Reason = ReasonPrivateAddress
		return res
	}

	canon, err := keys.CanonicalURL(rawURL)
	if err != nil {
		res.Reason = ReasonBadScheme
		return res
	}
	res.CanonicalURL = canon

	status, hops, finalURL, err := c.fetch(ctx, rawURL)
	res.RedirectCount = hops
	res.StatusCode = status
	res.FinalURL = finalURL
	if err != nil {
		if errors.Is(err, ErrTooManyRedirects) {
			res.Reason = ReasonTooManyRedirects
		} else {
			res.Reason = ReasonUnreachable
		}
		return res
	}
	if status < 200 || status >= 400 {
		res.Reason = ReasonBadStatus
		return res
	}
	res.Valid = true
	return res
}

func (c *Checker) isPrivate(hostname string) bool {
	host := strings.ToLower(hostname)
	for _, p := range privateHostPatterns {
		if p.MatchString(host) {
			return true
		}
	}
	ips, err := c.lookupIP(host)
	if err != nil {
		// resolution failures surface later as unreachable
		return false
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() {
			return true
		}
	}
	return false
}

// fetch issues HEAD, falling back to GET on 405. Transient failures are
// retried by the wrapped client.
func (c *Checker) fetch(ctx context.Context, rawURL string) (status, hops int, finalURL string, err error) {
	status, hops, finalURL, err = c.request(ctx, http.MethodHead, rawURL)
	if err == nil && status == http.StatusMethodNotAllowed {
		status, hops, finalURL, err = c.request(ctx, http.MethodGet, rawURL)
	}
	return status, hops, finalURL, err
}

func (c *Checker) request(ctx context.Context, method, rawURL string) (int, int, string, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return 0, 0, "", err
	}
	hops := 0
	client := *c.client
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		hops = len(via)
		if len(via) > c.opts.MaxRedirects {
			return ErrTooManyRedirects
		}
		return nil
	}
	resp, err := httpretry.New(&client, c.opts.RetryCount).Do(req)
	if err != nil {
		if errors.Is(err, ErrTooManyRedirects) {
			return 0, hops, "", ErrTooManyRedirects
		}
		return 0, hops, "", err
	}
	resp.Body.Close()
	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return resp.StatusCode, hops, finalURL, nil
}
