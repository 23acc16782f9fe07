package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "TaskMesh-Chain/internal/errors"

	"github.com/tidwall/gjson"
)

const maxMetadataBytes = 1 << 20

// Resolver fetches counterparty metadata referenced by a registration.
type Resolver interface {
	Resolve(ctx context.Context, uri string) (Metadata, error)
}

// HTTPResolver resolves http(s) URIs directly and ipfs:// URIs through a
// public gateway.
type HTTPResolver struct {
	client  *http.Client
	gateway string
}

// NewHTTPResolver returns a resolver bounded by timeout per fetch.
func NewHTTPResolver(gateway string, timeout time.Duration) *HTTPResolver {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if gateway == "" {
		gateway = "https://ipfs.io/ipfs/"
	}
	if !strings.HasSuffix(gateway, "/") {
		gateway += "/"
	}
	return &HTTPResolver{client: &http.Client{Timeout: timeout}, gateway: gateway}
}

// GatewayURL rewrites ipfs:// URIs onto the configured gateway.
func (r *HTTPResolver) GatewayURL(uri string) string {
	if cid, ok := strings.CutPrefix(uri, "ipfs://"); ok {
		return r.gateway + strings.TrimPrefix(cid, "ipfs/")
	}
	return uri
}

// Resolve implements Resolver.
func (r *HTTPResolver) Resolve(ctx context.Context, uri string) (Metadata, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return Metadata{}, xerrors.New(xerrors.CodeNotFound, "metadata uri is empty")
	}
	target := r.GatewayURL(uri)
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		return Metadata{}, xerrors.New(xerrors.CodeNotFound, "unsupported metadata uri scheme", xerrors.WithMetadata("uri", uri))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Metadata{}, xerrors.Wrap(xerrors.CodeNotFound, err, "invalid metadata uri")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return Metadata{}, xerrors.Wrap(xerrors.CodeRegistryUnavailable, err, "fetch metadata")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return Metadata{}, xerrors.New(xerrors.CodeRegistryUnavailable, fmt.Sprintf("metadata host returned %d", resp.StatusCode))
	case resp.StatusCode >= 300:
		return Metadata{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("metadata host returned %d", resp.StatusCode), xerrors.WithMetadata("uri", uri))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataBytes))
	if err != nil {
		return Metadata{}, xerrors.Wrap(xerrors.CodeRegistryUnavailable, err, "read metadata")
	}
	return ParseMetadata(body)
}

// ParseMetadata extracts the fields the orchestration core relies on from a
// loosely typed metadata document. Reputation and verified flags are accepted
// as strings or native JSON values.
func ParseMetadata(body []byte) (Metadata, error) {
	if !gjson.ValidBytes(body) {
		return Metadata{}, xerrors.New(xerrors.CodeNotFound, "metadata is not valid json")
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return Metadata{}, xerrors.New(xerrors.CodeNotFound, "metadata must be a json object")
	}

	meta := Metadata{
		Name:           doc.Get("name").String(),
		Description:    doc.Get("description").String(),
		Endpoint:       doc.Get("endpoint").String(),
		NegotiationURL: doc.Get("negotiation_url").String(),
		Pricing: Pricing{
			Model: doc.Get("pricing.model").String(),
			Rate:  doc.Get("pricing.rate").String(),
		},
		Verified:   doc.Get("verified").Bool(),
		Reputation: doc.Get("reputation_score").Float(),
	}
	for _, c := range doc.Get("capabilities").Array() {
		if s := strings.TrimSpace(c.String()); s != "" {
			meta.Capabilities = append(meta.Capabilities, s)
		}
	}
	if integration := doc.Get("integration"); integration.IsObject() {
		meta.Integration = []byte(integration.Raw)
	}
	return meta, nil
}
