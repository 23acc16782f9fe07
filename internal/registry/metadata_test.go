package registry

import (
	"math"
	"testing"
	"time"

	xerrors "TaskMesh-Chain/internal/errors"
)

func TestGatewayURL(t *testing.T) {
	r := NewHTTPResolver("https://gw.example/ipfs", time.Second)
	cases := map[string]string{
		"ipfs://QmAbc":            "https://gw.example/ipfs/QmAbc",
		"ipfs://ipfs/QmAbc":       "https://gw.example/ipfs/QmAbc",
		"https://host/agent.json": "https://host/agent.json",
	}
	for in, want := range cases {
		if got := r.GatewayURL(in); got != want {
			t.Fatalf("GatewayURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseMetadataLooseTypes(t *testing.T) {
	meta, err := ParseMetadata([]byte(`{
		"name": "ocr-bot",
		"endpoint": "https://ocr.example/run",
		"capabilities": ["ocr", " ", "pdf"],
		"pricing": {"model": "per_call", "rate": "0.02 hbar"},
		"verified": "true",
		"reputation_score": "3.5",
		"integration": {"endpoint": "https://ocr.example/run"}
	}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !meta.Verified || meta.Reputation != 3.5 || len(meta.Capabilities) != 2 {
		t.Fatalf("unexpected metadata %+v", meta)
	}
	if len(meta.Integration) == 0 {
		t.Fatal("integration contract should be kept raw")
	}
	amount, unit, err := meta.Pricing.Amount()
	if err != nil || amount != 0.02 || unit != "HBAR" {
		t.Fatalf("unexpected pricing %v %s %v", amount, unit, err)
	}
}

func TestParseMetadataRejectsInvalid(t *testing.T) {
	for _, body := range []string{`not json`, `[1,2]`} {
		if _, err := ParseMetadata([]byte(body)); xerrors.CodeOf(err) != xerrors.CodeNotFound {
			t.Fatalf("expected NOT_FOUND for %q, got %v", body, err)
		}
	}
}

func TestPricingPriceUnparsable(t *testing.T) {
	if !math.IsInf(Pricing{Rate: "free"}.Price(), 1) {
		t.Fatal("unparsable rate should sort last")
	}
	if (Pricing{Rate: "1.5"}).Price() != 1.5 {
		t.Fatal("rate without unit should parse")
	}
}
