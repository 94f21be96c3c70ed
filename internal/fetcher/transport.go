package fetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
)

type rawResponse struct {
	URL     string
	Status  int
	Headers http.Header
	Body    []byte
}

// collyTransport performs single GETs through a colly collector. Robots,
// politeness and caching are handled by Fetcher, so the collector is
// configured to do none of them and to hand back every status code.
type collyTransport struct {
	base *colly.Collector
}

func newCollyTransport(userAgent string, maxBytes int, timeout time.Duration, rt http.RoundTripper) *collyTransport {
	c := colly.NewCollector(colly.Async(false))
	c.UserAgent = userAgent
	c.IgnoreRobotsTxt = true
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	c.MaxBodySize = maxBytes
	if rt == nil {
		rt = newHTTPTransport()
	}
	c.WithTransport(rt)
	c.SetRequestTimeout(timeout)
	return &collyTransport{base: c}
}

func (t *collyTransport) get(ctx context.Context, url string, hdr http.Header) (rawResponse, error) {
	collector := t.base.Clone()
	collector.Context = ctx

	var (
		result   rawResponse
		got      bool
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		got = true
		result = rawResponse{
			URL:    r.Request.URL.String(),
			Status: r.StatusCode,
			Body:   append([]byte(nil), r.Body...),
		}
		if r.Headers != nil {
			result.Headers = r.Headers.Clone()
		}
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Request(http.MethodGet, url, nil, nil, hdr)
	}()

	select {
	case <-ctx.Done():
		return rawResponse{}, fmt.Errorf("fetch %s: %w", url, ctx.Err())
	case err := <-done:
		if err == nil {
			err = fetchErr
		}
		if err != nil {
			if ctx.Err() != nil {
				return rawResponse{}, fmt.Errorf("fetch %s: %w", url, ctx.Err())
			}
			return rawResponse{}, fmt.Errorf("%w: GET %s: %w", ErrNetwork, url, err)
		}
		if !got {
			return rawResponse{}, fmt.Errorf("%w: GET %s: no response", ErrNetwork, url)
		}
		if result.Headers == nil {
			result.Headers = http.Header{}
		}
		return result, nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
