// Package upstream talks to the panorama provider's internal endpoints:
// listentityphotos (nearby panos) and GetMetadata (links + authoritative
// location), plus the bookkeeping (protobuf pano ids, a persisted session
// cookie) those endpoints need.
package upstream

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/cookiejar"
	"os"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mat-1/internet-roadtrip-pathfinder/internal/ratelimit"
)

const userAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0"

// streetviewProvider is the ratelimit.Handler provider key for every request
// this Client makes; there's only ever one upstream.
const streetviewProvider = "streetview"

// maxThrottleRetries bounds how many times a single call retries after
// waiting out a throttle, mirroring FetchGetMetadata's own attempt cap for
// "service unavailable" responses.
const maxThrottleRetries = 10

// Client is the HTTP client used for every upstream request. It carries a
// persisted NID session cookie the same way a browser would, bootstrapped
// once per process.
type Client struct {
	http      *http.Client
	nidPath   string
	presetNID string
	bootFlag  singleflight.Group
	booted    bool
	ratelimit *ratelimit.Handler
}

// Config configures a Client.
type Config struct {
	// NIDCookiePath is where the bootstrapped NID session cookie is
	// persisted across restarts.
	NIDCookiePath string
	Timeout       time.Duration
}

// NewClient builds a Client, seeding the NID cookie from disk if one was
// previously persisted.
func NewClient(cfg Config) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	c := &Client{
		http: &http.Client{
			Jar:     jar,
			Timeout: timeout,
		},
		nidPath:   cfg.NIDCookiePath,
		ratelimit: ratelimit.NewHandler(nil),
	}

	if nid, err := os.ReadFile(cfg.NIDCookiePath); err == nil && len(nid) > 0 {
		c.presetNID = string(nid)
	}

	return c, nil
}

// Close shuts down the client's ratelimit backoff scheduling.
func (c *Client) Close() {
	c.ratelimit.Close()
}

// sendWithThrottleRetry issues the request built by buildReq, retrying while
// the provider answers with a throttling status code. Between attempts it
// waits out the same backoff window ratelimit.Handler tracks for every other
// caller, rather than rolling its own.
func (c *Client) sendWithThrottleRetry(ctx context.Context, buildReq func() (*http.Request, error)) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		req, err := buildReq()
		if err != nil {
			return nil, err
		}
		res, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if !c.ratelimit.CheckResponse(streetviewProvider, res) || attempt >= maxThrottleRetries {
			return res, nil
		}
		res.Body.Close()
		if err := c.ratelimit.WaitUntilClear(ctx, streetviewProvider); err != nil {
			return nil, err
		}
	}
}

func (c *Client) newRequest(ctx context.Context, method, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
	if c.presetNID != "" {
		req.AddCookie(&http.Cookie{Name: "NID", Value: c.presetNID})
	}
	return req, nil
}

// EnsureNIDCookieSet performs a single HEAD request to bootstrap the NID
// session cookie the provider expects on every other request, persisting it
// to disk for future runs. Concurrent callers are deduplicated with
// singleflight, replacing the original's OnceLock-guarded bootstrap.
func (c *Client) EnsureNIDCookieSet(ctx context.Context) error {
	if c.booted {
		return nil
	}

	_, err, _ := c.bootFlag.Do("ensure-nid", func() (any, error) {
		if c.booted {
			return nil, nil
		}

		log.Println("doing ensure_nid_cookie_set")
		req, err := c.newRequest(ctx, http.MethodHead, "https://www.google.com/maps")
		if err != nil {
			return nil, err
		}
		res, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("bootstrapping NID cookie: %w", err)
		}
		defer res.Body.Close()
		io.Copy(io.Discard, res.Body)

		for _, cookie := range c.http.Jar.Cookies(req.URL) {
			if cookie.Name == "NID" {
				if c.nidPath != "" {
					if err := os.WriteFile(c.nidPath, []byte(cookie.Value), 0o600); err != nil {
						log.Printf("failed to persist NID cookie: %v", err)
					}
				}
				break
			}
		}

		c.booted = true
		log.Println("got nid cookie")
		return nil, nil
	})
	return err
}
