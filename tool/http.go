package tool

import (
	"context"
	"net"
	"net/http"
	"time"
)

var DefaultTimeout = 10 * time.Second

// NewHTTPClient creates the client used for action delivery. timeout bounds the whole
// exchange (connect + request + response); a zero value uses DefaultTimeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return newHTTPClientWithBindAddr(timeout, nil)
}

// NewHTTPClientWithBindAddr is NewHTTPClient with outgoing connections bound to bindAddr
// (e.g. to force use of a specific network interface).
func NewHTTPClientWithBindAddr(timeout time.Duration, bindAddr *net.TCPAddr) *http.Client {
	return newHTTPClientWithBindAddr(timeout, bindAddr)
}

func newHTTPClientWithBindAddr(timeout time.Duration, bindAddr *net.TCPAddr) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}
	if bindAddr != nil {
		dialer.LocalAddr = bindAddr
	}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       30 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// NewHTTPReqWithApplication sets the JSON content type on a freshly built request.
func NewHTTPReqWithApplication(req *http.Request, err error) (*http.Request, error) {
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}
