// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package loopback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"syscall"
	"time"

	sigilerr "github.com/sigil-dev/loopback/pkg/errors"
)

var errNonPublicAddress = errors.New("address is not publicly routable")

// Fetcher downloads declared image URLs when URL fetch is enabled. A Fetcher
// built directly uses Client as is.
type Fetcher struct {
	Client *http.Client
}

// NewFetcher creates a Fetcher with its own client. Unless allowPrivate is
// set, the client refuses to connect to loopback, private, link-local and
// unspecified addresses. The check runs on the resolved address, so a public
// name that resolves to a private address is refused too.
func NewFetcher(timeout time.Duration, allowPrivate bool) *Fetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := &net.Dialer{Timeout: timeout}
	if !allowPrivate {
		dialer.Control = publicOnly
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	return &Fetcher{Client: &http.Client{Timeout: timeout, Transport: transport}}
}

func publicOnly(_, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", errNonPublicAddress, address)
	}
	ip := ap.Addr().Unmap()
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsInterfaceLocalMulticast() || ip.IsMulticast() {
		return fmt.Errorf("%w: %s", errNonPublicAddress, ip)
	}
	return nil
}

// Fetch reads at most maxBytes+1 bytes from rawURL. An image larger than
// maxBytes comes back without data and with Size set past the limit so the
// gate drops it as oversized. The MIME type comes from the response header,
// or is sniffed when the header is missing or generic.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, maxBytes int64) (ImagePayload, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ImagePayload{}, sigilerr.New(sigilerr.CodeLoopbackFetchDenied, "only absolute http(s) image urls can be fetched")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return ImagePayload{}, sigilerr.Wrapf(err, sigilerr.CodeLoopbackFetchFailure, "creating fetch request")
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ImagePayload{}, ctxError(ctx, "fetching image")
		}
		if errors.Is(err, errNonPublicAddress) {
			return ImagePayload{}, sigilerr.Wrapf(err, sigilerr.CodeLoopbackFetchDenied, "fetching image")
		}
		return ImagePayload{}, sigilerr.Wrapf(err, sigilerr.CodeLoopbackFetchFailure, "fetching image")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ImagePayload{}, sigilerr.New(sigilerr.CodeLoopbackFetchFailure, fmt.Sprintf("fetching image: status %d", resp.StatusCode))
	}

	if maxBytes > 0 && resp.ContentLength > maxBytes {
		return ImagePayload{MIMEType: responseMIME(resp, nil), Size: resp.ContentLength, URL: rawURL}, nil
	}

	limit := maxBytes + 1
	if maxBytes <= 0 {
		limit = DefaultMaxBytes + 1
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return ImagePayload{}, sigilerr.Wrapf(err, sigilerr.CodeLoopbackFetchFailure, "reading image body")
	}
	if int64(len(data)) >= limit {
		return ImagePayload{MIMEType: responseMIME(resp, data), Size: limit, URL: rawURL}, nil
	}

	img := NewImage(data, responseMIME(resp, data))
	img.URL = rawURL
	return img, nil
}

// responseMIME returns the declared content type, sniffing data when the
// header is missing or generic.
func responseMIME(resp *http.Response, data []byte) string {
	mt := NormalizeMIME(resp.Header.Get("Content-Type"))
	if (mt == "" || mt == "application/octet-stream") && len(data) > 0 {
		mt = SniffMIME(data)
	}
	return mt
}
