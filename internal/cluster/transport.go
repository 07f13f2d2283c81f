package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// PeerTransport delivers one envelope to one peer and returns its reply.
// The production transport is HTTP; tests substitute in-process fakes.
type PeerTransport interface {
	Send(ctx context.Context, peer string, env *Envelope) (*Envelope, error)
}

// HTTPTransport posts envelopes to each peer's /replication endpoint.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport builds the peer transport. timeout bounds the full
// request including the peer's fsync; per-call contexts may tighten it.
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		client: &http.Client{Timeout: timeout},
	}
}

// Send posts the envelope to peer (a host:port address) and decodes the
// reply envelope.
func (t *HTTPTransport) Send(ctx context.Context, peer string, env *Envelope) (*Envelope, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}

	url := "http://" + peer + "/replication"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending to %s: %w", peer, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("peer %s returned status %d", peer, resp.StatusCode)
	}

	var reply Envelope
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("decoding reply from %s: %w", peer, err)
	}
	return &reply, nil
}
