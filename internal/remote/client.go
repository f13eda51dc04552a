package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"fridgesync/internal/fridge"
)

// maxErrorBody caps how much of an error response is quoted in errors.
const maxErrorBody = 512

// Options configures the REST clients.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Tokens     TokenSource

	// DeviceID scopes idempotency keys so two devices never collide.
	DeviceID string
	Logger   fridge.Logger
}

// Client is the REST implementation of fridge.RemoteClient for one
// collection:
//
//	GET    /{collection}
//	POST   /{collection}
//	PUT    /{collection}/{id}
//	DELETE /{collection}/{id}
type Client[E fridge.Entity] struct {
	kind     fridge.Kind
	base     string
	http     *http.Client
	tokens   TokenSource
	deviceID string
	logger   fridge.Logger
}

var _ fridge.RemoteClient[*fridge.Product] = (*Client[*fridge.Product])(nil)

// NewClient creates the client for kind's collection.
func NewClient[E fridge.Entity](kind fridge.Kind, opts Options) *Client[E] {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := opts.Logger
	if logger == nil {
		logger = fridge.NewNopLogger()
	}
	return &Client[E]{
		kind:     kind,
		base:     strings.TrimRight(opts.BaseURL, "/") + "/" + kind.Collection(),
		http:     httpClient,
		tokens:   opts.Tokens,
		deviceID: opts.DeviceID,
		logger:   logger,
	}
}

// NewRemotes creates one client per entity kind.
func NewRemotes(opts Options) fridge.Remotes {
	return fridge.Remotes{
		Products: NewClient[*fridge.Product](fridge.KindProduct, opts),
		Fridge:   NewClient[*fridge.FridgeItem](fridge.KindFridgeItem, opts),
		Shopping: NewClient[*fridge.ShoppingItem](fridge.KindShoppingItem, opts),
		Reviews:  NewClient[*fridge.Review](fridge.KindReview, opts),
	}
}

// IdempotencyKey is the key sent with the create of the record with localID.
// It stays the same on every retry of that create.
func (c *Client[E]) IdempotencyKey(localID string) string {
	return c.deviceID + ":" + localID
}

func (c *Client[E]) Create(ctx context.Context, rec E) (E, error) {
	var zero E
	body, err := encode(rec)
	if err != nil {
		return zero, err
	}

	headers := http.Header{}
	headers.Set("Idempotency-Key", c.IdempotencyKey(rec.Meta().LocalID))
	data, _, err := c.do(ctx, http.MethodPost, c.base, body, headers)
	if err != nil {
		return zero, err
	}

	created, err := decode[E](data)
	if err != nil {
		return zero, &fridge.NetworkError{Op: "create " + c.kind.Collection(), Err: err}
	}
	return created, nil
}

func (c *Client[E]) Update(ctx context.Context, rec E) error {
	id := rec.Meta().RemoteID
	if id.IsZero() {
		return &fridge.ConsistencyError{Kind: c.kind, LocalID: rec.Meta().LocalID, Reason: "update without remoteId"}
	}
	body, err := encode(rec)
	if err != nil {
		return err
	}
	_, _, err = c.do(ctx, http.MethodPut, c.itemURL(id), body, nil)
	return err
}

// Delete removes the remote record. A record the server no longer has
// counts as deleted.
func (c *Client[E]) Delete(ctx context.Context, id fridge.RemoteID) error {
	_, status, err := c.do(ctx, http.MethodDelete, c.itemURL(id), nil, nil)
	if status == http.StatusNotFound {
		c.logger.Debug("remote record already gone", "collection", c.kind.Collection(), "remoteId", id.String())
		return nil
	}
	return err
}

func (c *Client[E]) List(ctx context.Context) ([]E, error) {
	data, _, err := c.do(ctx, http.MethodGet, c.base, nil, nil)
	if err != nil {
		return nil, err
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, &fridge.NetworkError{Op: "list " + c.kind.Collection(), Err: fmt.Errorf("decoding response: %w", err)}
	}
	out := make([]E, 0, len(raws))
	for i, raw := range raws {
		rec, err := decode[E](raw)
		if err != nil {
			return nil, &fridge.NetworkError{Op: "list " + c.kind.Collection(), Err: fmt.Errorf("record %d: %w", i, err)}
		}
		out = append(out, rec)
	}
	return out, nil
}

func (c *Client[E]) itemURL(id fridge.RemoteID) string {
	return c.base + "/" + url.PathEscape(id.String())
}

// do sends one authenticated request and classifies the outcome. The status
// code is returned even on error so callers can special-case it.
func (c *Client[E]) do(ctx context.Context, method, target string, body []byte, headers http.Header) ([]byte, int, error) {
	op := strings.ToLower(method) + " " + c.kind.Collection()

	if c.tokens == nil {
		return nil, 0, &fridge.AuthError{Err: ErrNoToken}
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		if fridge.IsAuth(err) {
			return nil, 0, err
		}
		return nil, 0, &fridge.AuthError{Err: err}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, 0, &fridge.NetworkError{Op: op, Err: fmt.Errorf("failed to create HTTP request: %w", err)}
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, &fridge.NetworkError{Op: op, Err: fmt.Errorf("failed to send HTTP request: %w", err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, &fridge.NetworkError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("reading response: %w", err)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return data, resp.StatusCode, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, resp.StatusCode, &fridge.AuthError{StatusCode: resp.StatusCode, Err: serverError(resp.StatusCode, data)}
	default:
		return nil, resp.StatusCode, &fridge.NetworkError{Op: op, StatusCode: resp.StatusCode, Err: serverError(resp.StatusCode, data)}
	}
}

func serverError(status int, body []byte) error {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return fmt.Errorf("server returned status %d: %s", status, strings.TrimSpace(string(body)))
}
