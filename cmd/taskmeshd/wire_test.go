package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"TaskMesh-Chain/internal/config"
	"TaskMesh-Chain/internal/payment"
	"TaskMesh-Chain/internal/registry"
)

func testConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	return cfg
}

func TestOpenRegistrySeedsMemoryDriver(t *testing.T) {
	cfg := testConfig(t, `
registry:
  driver: memory
  seed:
    - id: agent-a
      metadata_uri: https://example.invalid/a.json
      capabilities: [summarize]
    - id: agent-b
      metadata_uri: https://example.invalid/b.json
      capabilities: [summarize, translate]
`)
	var release cleanup
	defer release.run()

	reg, err := openRegistry(context.Background(), cfg, &release)
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	total, err := reg.Total(context.Background())
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if total != 2 {
		t.Fatalf("expected 2 seeded agents, got %d", total)
	}
}

func TestOpenRegistryRejectsBadChainAddress(t *testing.T) {
	cfg := testConfig(t, `
registry:
  driver: chain
  rpc_url: http://127.0.0.1:1
  contract_address: not-an-address
`)
	var release cleanup
	defer release.run()
	if _, err := openRegistry(context.Background(), cfg, &release); err == nil {
		t.Fatal("expected invalid address error")
	}
}

func TestNewPaymentGateDrivers(t *testing.T) {
	cfg := testConfig(t, "payment:\n  driver: allow\n")
	gate, err := newPaymentGate(cfg)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if _, ok := gate.(payment.AllowAll); !ok {
		t.Fatalf("expected AllowAll, got %T", gate)
	}

	cfg = testConfig(t, "payment:\n  budget: 10\n")
	gate, err = newPaymentGate(cfg)
	if err != nil {
		t.Fatalf("budget: %v", err)
	}
	if _, ok := gate.(*payment.BudgetGate); !ok {
		t.Fatalf("expected BudgetGate, got %T", gate)
	}

	cfg.Payment.Driver = "stripe"
	if _, err := newPaymentGate(cfg); err == nil {
		t.Fatal("expected unknown driver error")
	}
}

func TestCleanupRunsInReverseOrder(t *testing.T) {
	var order []int
	var c cleanup
	c.add(func() { order = append(order, 1) })
	c.add(func() { order = append(order, 2) })
	c.run()
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestPrintRegistrationMarksInactive(t *testing.T) {
	var buf bytes.Buffer
	printRegistration(&buf, registry.Registration{ID: "agent-z", Capabilities: []string{"a", "b"}})
	out := buf.String()
	if !strings.Contains(out, "○") || !strings.Contains(out, "agent-z") || !strings.Contains(out, "[a,b]") {
		t.Fatalf("unexpected output %q", out)
	}
}
