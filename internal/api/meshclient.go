package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nugget/joi-mesh/internal/httpkit"
	"github.com/nugget/joi-mesh/internal/meshauth"
	"github.com/nugget/joi-mesh/internal/policy"
)

// staticSigner signs with a fixed secret rather than a rotator's live
// current secret, used for the one request a rotation announcement
// itself must carry the pre-rotation secret on (spec §4.1 step 3).
type staticSigner struct{ secret []byte }

func (s staticSigner) Sign(body []byte) (nonce, timestamp, mac string) {
	return meshauth.SignWithSecret(body, s.secret)
}

// MeshClient is the assistant's signed HTTP client to the mesh process:
// outbound sends, config pushes, and status polls. Grounded on the
// signed-request pattern internal/signal/forwarder.go already uses to
// call the assistant from the other direction.
type MeshClient struct {
	baseURL string
	signer  httpkit.Signer
	http    *http.Client
	timeout time.Duration
}

// NewMeshClient creates a MeshClient. signer signs every request with
// the assistant's own rotator's current secret.
func NewMeshClient(baseURL string, signer httpkit.Signer, timeout time.Duration) *MeshClient {
	return &MeshClient{
		baseURL: baseURL,
		signer:  signer,
		http:    httpkit.NewClient(httpkit.WithTimeout(timeout)),
		timeout: timeout,
	}
}

// SendOutbound posts msg to the mesh's outbound endpoint and returns
// its response.
func (m *MeshClient) SendOutbound(ctx context.Context, msg OutboundMessage) (*OutboundResponse, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal outbound message: %w", err)
	}

	var out OutboundResponse
	if err := m.doSigned(ctx, http.MethodPost, "/api/v1/message/outbound", body, m.signer, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PushConfig posts payload to the mesh's config/sync endpoint, signed
// with the assistant's current secret, and returns the applied hash.
func (m *MeshClient) PushConfig(ctx context.Context, payload policy.PushPayload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal config push: %w", err)
	}

	var out ConfigSyncResponse
	if err := m.doSigned(ctx, http.MethodPost, "/config/sync", body, m.signer, &out); err != nil {
		return "", err
	}
	return out.Data.ConfigHash, nil
}

// PushConfigWithSecret is PushConfig signed with an explicit secret
// instead of the rotator's current one — required for the push that
// announces a new secret, which must itself be signed with the
// pre-rotation secret.
func (m *MeshClient) PushConfigWithSecret(ctx context.Context, payload policy.PushPayload, secret []byte) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal config push: %w", err)
	}

	var out ConfigSyncResponse
	if err := m.doSigned(ctx, http.MethodPost, "/config/sync", body, staticSigner{secret: secret}, &out); err != nil {
		return "", err
	}
	return out.Data.ConfigHash, nil
}

// Status fetches the mesh's currently applied config hash.
func (m *MeshClient) Status(ctx context.Context) (string, error) {
	var out ConfigStatusResponse
	if err := m.doSigned(ctx, http.MethodGet, "/config/status", nil, m.signer, &out); err != nil {
		return "", err
	}
	return out.Data.ConfigHash, nil
}

func (m *MeshClient) doSigned(ctx context.Context, method, path string, body []byte, signer httpkit.Signer, out any) error {
	req, err := httpkit.NewSignedRequest(ctx, method, m.baseURL+path, body, signer)
	if err != nil {
		return fmt.Errorf("build signed request: %w", err)
	}

	resp, err := m.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

