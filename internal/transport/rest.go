package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/MatyMusic/maty-sub002/internal/auth"
	"github.com/MatyMusic/maty-sub002/internal/chat"
)

// Page is one slice of conversation history.
type Page struct {
	Items      []chat.Message
	NextCursor string
	HasMore    bool
}

type apiResponse struct {
	OK         bool          `json:"ok"`
	Items      []WireMessage `json:"items,omitempty"`
	Item       *WireMessage  `json:"item,omitempty"`
	NextCursor string        `json:"nextCursor,omitempty"`
	Error      string        `json:"error,omitempty"`
	Message    string        `json:"message,omitempty"`
	Upgrade    string        `json:"upgrade,omitempty"`
}

type postBody struct {
	Text      string `json:"text"`
	ReplyToID string `json:"replyToId,omitempty"`
}

// REST is the request/response fallback channel. History GETs retry
// with bounded backoff; POSTs go through a circuit breaker so a dead
// server fails fast into the outbox instead of stacking timeouts.
type REST struct {
	base    string
	http    *http.Client
	sess    *auth.Session
	breaker *gobreaker.CircuitBreaker
	retry   time.Duration
	log     *zap.SugaredLogger
}

func NewREST(base string, sess *auth.Session, timeout time.Duration, log *zap.SugaredLogger) *REST {
	tr := &http.Transport{
		DialContext:     (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		MaxIdleConns:    16,
		IdleConnTimeout: 60 * time.Second,
	}
	return &REST{
		base: base,
		http: &http.Client{Transport: tr, Timeout: timeout},
		sess: sess,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "chat-rest",
			Timeout: 15 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
		retry: 8 * time.Second,
		log:   log,
	}
}

func (r *REST) newRequest(ctx context.Context, method, u string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.sess.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.sess.Token)
	}
	if r.sess.Admin {
		req.Header.Set(auth.AdminHeader, auth.AdminHeaderValue)
	}
	return req, nil
}

// History fetches up to limit messages older than the cursor. An empty
// cursor requests the most recent page.
func (r *REST) History(ctx context.Context, peerID string, limit int, before string) (Page, error) {
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	if before != "" {
		q.Set("before", before)
	}
	u := fmt.Sprintf("%s/chat/%s?%s", r.base, url.PathEscape(peerID), q.Encode())

	var page Page
	operation := func() error {
		req, err := r.newRequest(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := r.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("server error: %s", resp.Status)
		}
		body, err := r.decode(resp)
		if err != nil {
			return backoff.Permanent(err)
		}
		page = Page{NextCursor: body.NextCursor, HasMore: body.NextCursor != "" && len(body.Items) > 0}
		for _, w := range body.Items {
			page.Items = append(page.Items, w.ToMessage(r.sess.UserID, peerID))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = r.retry
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return Page{}, err
	}
	return page, nil
}

// Post sends a message over HTTP. A (nil, nil) return is the 402
// soft-allow for privileged sessions: the server accepted the send but
// returned no confirmed item, so the caller keeps the optimistic entry.
func (r *REST) Post(ctx context.Context, peerID, text, replyToID string) (*chat.Message, error) {
	payload, err := json.Marshal(postBody{Text: text, ReplyToID: replyToID})
	if err != nil {
		return nil, err
	}
	u := fmt.Sprintf("%s/chat/%s", r.base, url.PathEscape(peerID))

	out, err := r.breaker.Execute(func() (any, error) {
		req, err := r.newRequest(ctx, http.MethodPost, u, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		resp, err := r.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		return r.decode(resp)
	})
	if err != nil {
		return nil, err
	}
	body := out.(*apiResponse)
	if body.Item == nil {
		return nil, nil
	}
	m := body.Item.ToMessage(r.sess.UserID, peerID)
	return &m, nil
}

// decode maps the response into either a parsed ok-body or a typed
// error. 401 and 402 are terminal; a parse failure degrades to the same
// path as an explicit ok=false.
func (r *REST) decode(resp *http.Response) (*apiResponse, error) {
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		io.Copy(io.Discard, resp.Body)
		return nil, ErrUnauthorized
	case http.StatusPaymentRequired:
		if !r.sess.Admin {
			io.Copy(io.Discard, resp.Body)
			return nil, ErrUpgradeRequired
		}
		// privileged soft-allow: use the body if it parses, otherwise
		// report success with no item
		var body apiResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Item == nil {
			return &apiResponse{OK: true}, nil
		}
		return &body, nil
	}

	var body apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if !body.OK {
		if body.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrBadResponse, body.Error)
		}
		return nil, ErrBadResponse
	}
	return &body, nil
}
