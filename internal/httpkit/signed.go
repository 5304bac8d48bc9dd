package httpkit

import (
	"bytes"
	"context"
	"io"
	"net/http"
)

// Signer produces the three authentication headers for an outbound
// request body. Implementations live in internal/meshauth; httpkit only
// needs the narrow capability of signing bytes so it doesn't import the
// auth package (avoids an import cycle, since meshauth's own HTTP client
// helpers build on top of httpkit).
type Signer interface {
	Sign(body []byte) (nonce, timestamp, mac string)
}

// NewSignedRequest builds a POST request with a JSON body and the three
// signed headers (X-Nonce, X-Timestamp, X-HMAC-SHA256) set from signer.
// The body is buffered so GetBody works, allowing httpkit's retry
// transport to safely resend it.
func NewSignedRequest(ctx context.Context, method, url string, body []byte, signer Signer) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Type", "application/json")

	nonce, timestamp, mac := signer.Sign(body)
	req.Header.Set("X-Nonce", nonce)
	req.Header.Set("X-Timestamp", timestamp)
	req.Header.Set("X-HMAC-SHA256", mac)
	return req, nil
}
