package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/moyoez/doorbell-signal/action"
	"github.com/moyoez/doorbell-signal/metrics"
	"github.com/moyoez/doorbell-signal/tool"
	"github.com/moyoez/doorbell-signal/types"
)

// RequestIDHeader carries a per-delivery id so sender and receiver logs can be matched.
const RequestIDHeader = "X-Request-ID"

// maxErrorBody bounds how much of a failure response is read back.
const maxErrorBody = 4 * 1024

// StatusError is a delivery the peer answered with something other than 200.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("peer answered %d", e.StatusCode)
	}
	return fmt.Sprintf("peer answered %d: %s", e.StatusCode, e.Message)
}

// Client posts actions to peer RPC servers.
type Client struct {
	protocol *action.Protocol
	http     *http.Client
	timeout  time.Duration
	metrics  *metrics.Metrics

	wg sync.WaitGroup
}

// NewClient builds a client whose deliveries are bounded by timeout (connect, request
// and response together); zero uses tool.DefaultTimeout.
func NewClient(protocol *action.Protocol, timeout time.Duration, m *metrics.Metrics) *Client {
	if timeout <= 0 {
		timeout = tool.DefaultTimeout
	}
	return &Client{
		protocol: protocol,
		http:     tool.NewHTTPClient(timeout),
		timeout:  timeout,
		metrics:  m,
	}
}

// Timeout is the bound applied to every delivery.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// Send delivers a to device in the background. It only fails, synchronously, when the
// variant of a is not registered; transport failures are logged and dropped.
func (c *Client) Send(device types.PeerDevice, a action.Action) error {
	if a == nil {
		return fmt.Errorf("send nil action: %w", action.ErrUnregistered)
	}
	if !c.protocol.IsRegistered(a) {
		return fmt.Errorf("send %s: %w", a.ActionType(), action.ErrUnregistered)
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		if err := c.Deliver(ctx, device, a); err != nil {
			tool.DefaultLogger.Warnf("[Send] %s to %s dropped: %v", a.ActionType(), device.HostPort(), err)
		}
	}()
	return nil
}

// Deliver makes one blocking attempt to post a to device.
func (c *Client) Deliver(ctx context.Context, device types.PeerDevice, a action.Action) (err error) {
	tag := a.ActionType()
	defer func() { c.metrics.RecordSent(tag, err) }()

	payload, err := c.protocol.Encode(a)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", tag, err)
	}

	url := device.URL(tag)
	req, err := tool.NewHTTPReqWithApplication(http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload)))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set(RequestIDHeader, requestID)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post %s: %w", url, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			tool.DefaultLogger.Debugf("Failed to close response body: %v", cerr)
		}
	}()

	if resp.StatusCode == http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		tool.DefaultLogger.Debugf("[Send] %s delivered to %s (request %s)", tag, device.HostPort(), requestID)
		return nil
	}
	return readStatusError(resp)
}

func readStatusError(resp *http.Response) error {
	statusErr := &StatusError{StatusCode: resp.StatusCode}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(body) == 0 {
		return statusErr
	}
	statusErr.Message = tool.ParseErrorBody(body)
	return statusErr
}

// Wait blocks until every background Send has finished.
func (c *Client) Wait() {
	c.wg.Wait()
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == code
}
