// Package source scrapes the game server's public status pages: the
// who-is-online roster and per-character pages with the recent death history.
//
// Failures split into two kinds. A FetchError is transport-level (timeout,
// refused, non-200) and transient; the caller retries next cycle. A
// ParseError means the page shape changed and a human should look at it.
package source

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"deathwatch/internal/model"
	"deathwatch/pkg/logx"
)

const defaultUserAgent = "deathwatch/1.0"

type Config struct {
	// BaseURL is the site root, e.g. "https://game.example.com/".
	BaseURL string
	// Timeout bounds each request, on top of the caller's context.
	Timeout time.Duration
	// RatePerSec throttles requests so a fetch burst cannot hammer the site.
	RatePerSec int
	// DeathWindow drops deaths older than now-window at parse time.
	// Zero keeps everything the page lists.
	DeathWindow time.Duration
	// Location is the zone the site prints timestamps in.
	Location  *time.Location
	UserAgent string
}

// Client is safe for concurrent use; the rate limiter is shared across all
// fetches so concurrent per-character requests stay within RatePerSec.
type Client struct {
	base    *url.URL
	httpc   *http.Client
	limiter *rate.Limiter
	window  time.Duration
	ua      string
	loc     *time.Location
	log     logx.Logger

	now func() time.Time // test hook
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("source: bad base URL %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("source: base URL %q must be http(s)", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 2
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	ua := strings.TrimSpace(cfg.UserAgent)
	if ua == "" {
		ua = defaultUserAgent
	}
	return &Client{
		base:    base,
		httpc:   newHTTPClient(timeout),
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		window:  cfg.DeathWindow,
		ua:      ua,
		loc:     loc,
		log:     log,
		now:     time.Now,
	}, nil
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// FetchRoster returns every character currently online. An empty slice is a
// quiet server, not an error.
func (c *Client) FetchRoster(ctx context.Context) ([]model.CharacterSnapshot, error) {
	doc, err := c.get(ctx, c.pageURL("whoisonline", nil))
	if err != nil {
		return nil, err
	}
	snaps, skipped, err := parseRoster(doc)
	if skipped > 0 {
		c.log.Debug("skipped unparsable roster rows", logx.Int("rows", skipped))
	}
	return snaps, err
}

// FetchCharacter returns the detail snapshot (level, vocation, last login)
// for one character.
func (c *Client) FetchCharacter(ctx context.Context, name string) (model.CharacterSnapshot, error) {
	doc, err := c.get(ctx, c.characterURL(name))
	if err != nil {
		return model.CharacterSnapshot{}, err
	}
	return parseCharacter(doc, c.loc)
}

// FetchDeaths returns the character's death history in page order (newest
// first), already filtered to the death window. No deaths listed is a normal
// empty result.
func (c *Client) FetchDeaths(ctx context.Context, name string) ([]model.DeathEvent, error) {
	doc, err := c.get(ctx, c.characterURL(name))
	if err != nil {
		return nil, err
	}
	deaths, malformed, err := parseDeaths(doc, name, c.loc, c.cutoff())
	if malformed > 0 {
		c.log.Warn("skipped malformed death rows",
			logx.String("name", name), logx.Int("rows", malformed))
	}
	return deaths, err
}

func (c *Client) cutoff() time.Time {
	if c.window <= 0 {
		return time.Time{}
	}
	return c.now().Add(-c.window)
}

func (c *Client) characterURL(name string) string {
	return c.pageURL("character", url.Values{"name": {name}})
}

func (c *Client) pageURL(page string, extra url.Values) string {
	u := *c.base
	q := u.Query()
	q.Set("page", page)
	for k, vs := range extra {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) get(ctx context.Context, rawURL string) (*goquery.Document, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fetchErr(rawURL, 0, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fetchErr(rawURL, 0, err)
	}
	req.Header.Set("User-Agent", c.ua)

	started := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fetchErr(rawURL, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain a little so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, fetchErr(rawURL, resp.StatusCode, nil)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fetchErr(rawURL, 0, err)
	}
	c.log.Trace("page fetched",
		logx.String("url", rawURL), logx.Duration("took", time.Since(started)))
	return doc, nil
}
