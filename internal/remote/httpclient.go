package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gocolly/colly/v2"
)

// wireReply is the JSON body returned by a remote actor's command endpoint.
type wireReply struct {
	OK          bool                `json:"ok"`
	LastFailure string              `json:"lastFailure"`
	Keywords    map[string][]string `json:"keywords"`
}

// BaseURLFunc resolves an actor name to the base URL of its command
// endpoint, e.g. "ccd_b1" -> "http://spsictl:9000/ccd_b1/command".
type BaseURLFunc func(actor string) string

// HTTPClient implements Client against an HTTP request/reply transport. It
// is built on a colly.Collector configured per-call with the call's time
// limit as the request timeout — chosen because colly is already the HTTP
// client present in the dependency graph, and its per-request timeout and
// OnResponse/OnError hooks give request instrumentation for free without a
// second HTTP library. No crawling/link-following behavior is used; each
// call is a single one-shot POST.
type HTTPClient struct {
	baseURL  BaseURLFunc
	breakers *breakerRegistry
	userAgent string
}

// NewHTTPClient constructs an HTTPClient. breakerCfg may be the zero value,
// in which case DefaultBreakerConfig is used.
func NewHTTPClient(baseURL BaseURLFunc, breakerCfg BreakerConfig) *HTTPClient {
	if breakerCfg == (BreakerConfig{}) {
		breakerCfg = DefaultBreakerConfig()
	}
	return &HTTPClient{baseURL: baseURL, breakers: newBreakerRegistry(breakerCfg), userAgent: "ics-spsActor/1.0"}
}

func (h *HTTPClient) collectorFor(timeout time.Duration) *colly.Collector {
	c := colly.NewCollector()
	c.UserAgent = h.userAgent
	if timeout > 0 {
		c.SetRequestTimeout(timeout)
	}
	return c
}

func (h *HTTPClient) do(ctx context.Context, actor, cmdStr string, timeout time.Duration) (ReplyBundle, error) {
	if err := ctx.Err(); err != nil {
		return ReplyBundle{}, err
	}
	br := h.breakers.forActor(actor)
	now := time.Now()
	if !br.allow(now) {
		return ReplyBundle{}, TimeoutFailure(actor, cmdStr)
	}

	url := h.baseURL(actor)
	c := h.collectorFor(timeout)

	var (
		reply   wireReply
		gotResp bool
		callErr error
	)
	c.OnResponse(func(r *colly.Response) {
		gotResp = true
		if err := json.Unmarshal(r.Body, &reply); err != nil {
			callErr = fmt.Errorf("remote: decode reply from %s: %w", actor, err)
		}
	})
	c.OnError(func(r *colly.Response, err error) {
		callErr = fmt.Errorf("remote: %s: %w", actor, err)
	})

	if err := c.PostRaw(url, []byte(cmdStr)); err != nil && callErr == nil {
		callErr = fmt.Errorf("remote: dispatch to %s: %w", actor, err)
	}

	if callErr != nil || !gotResp {
		br.reportFailure(time.Now())
		if callErr == nil {
			callErr = TimeoutFailure(actor, cmdStr)
		}
		return ReplyBundle{}, callErr
	}

	br.reportSuccess(time.Now())
	return ReplyBundle{DidFail: !reply.OK, LastFailure: reply.LastFailure, Keywords: reply.Keywords}, nil
}

func (h *HTTPClient) Call(ctx context.Context, actor, cmdStr string, timeout time.Duration) (ReplyBundle, error) {
	return h.do(ctx, actor, cmdStr, timeout)
}

func (h *HTTPClient) CallSafe(ctx context.Context, actor, cmdStr string, timeout time.Duration, warn func(actor, cmdStr, reason string)) (ReplyBundle, error) {
	rb, err := h.do(ctx, actor, cmdStr, timeout)
	if err != nil {
		if warn != nil {
			warn(actor, cmdStr, err.Error())
		}
		return rb, err
	}
	if rb.DidFail && warn != nil {
		warn(actor, cmdStr, rb.LastFailure)
	}
	return rb, nil
}

func (h *HTTPClient) CallNoWait(ctx context.Context, actor, cmdStr string) error {
	br := h.breakers.forActor(actor)
	if !br.allow(time.Now()) {
		return TimeoutFailure(actor, cmdStr)
	}
	url := h.baseURL(actor)
	c := h.collectorFor(0)
	go func() {
		if err := c.PostRaw(url, []byte(cmdStr)); err != nil {
			br.reportFailure(time.Now())
			return
		}
		br.reportSuccess(time.Now())
	}()
	return nil
}

var _ Client = (*HTTPClient)(nil)
