package adapters_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"docketline/internal/adapters"
	"docketline/internal/config"
)

func testConfig(endpoint string) *config.Config {
	cfg := config.Default()
	for target, tc := range cfg.Targets {
		tc.Endpoint = endpoint
		cfg.Targets[target] = tc
	}
	return cfg
}

func testPayload() adapters.Payload {
	return adapters.Payload{
		EnvelopeID:      "env-1",
		CaseID:          "case-1",
		OwnerID:         "owner",
		Title:           "Exhibit A",
		ContentHash:     "abc123",
		Version:         1,
		Status:          "approved",
		VisibilityScope: "case_team",
		CreatedAt:       "2026-01-01T00:00:00Z",
		CreatedBy:       "owner",
	}
}

func deliver(t *testing.T, cfg *config.Config, target string, p adapters.Payload) adapters.Result {
	t.Helper()
	reg := adapters.NewRegistry(cfg)
	a, err := reg.Adapter(target)
	if err != nil {
		t.Fatalf("adapter %s: %v", target, err)
	}
	res, err := a.Deliver(context.Background(), p)
	if err != nil {
		t.Fatalf("deliver %s: %v", target, err)
	}
	return res
}

func TestDeliverSendsHeadersAndAugmentation(t *testing.T) {
	var gotBody map[string]any
	var gotSource, gotVersion, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSource = r.Header.Get("X-Chitty-Source")
		gotVersion = r.Header.Get("X-Chitty-Version")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"rec-9"}`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	res := deliver(t, cfg, adapters.TargetLedger, testPayload())
	if !res.Success || res.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.ExternalID != "rec-9" {
		t.Fatalf("external id: %q", res.ExternalID)
	}
	if gotSource != cfg.Service.Name || gotVersion != cfg.Service.Version {
		t.Fatalf("headers: source=%q version=%q", gotSource, gotVersion)
	}
	if gotPath != cfg.Targets[adapters.TargetLedger].Path {
		t.Fatalf("path: %q", gotPath)
	}
	if gotBody["envelopeId"] != "env-1" {
		t.Fatalf("common payload missing: %v", gotBody)
	}
	if gotBody["immutable"] != true {
		t.Fatalf("ledger augmentation missing: %v", gotBody)
	}
	if _, ok := gotBody["distributedAt"].(string); !ok {
		t.Fatalf("distributedAt missing: %v", gotBody)
	}
}

func TestDeliverChainAugmentation(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"transactionId":"tx-1"}`))
	}))
	defer srv.Close()

	res := deliver(t, testConfig(srv.URL), adapters.TargetChain, testPayload())
	if res.ExternalID != "tx-1" {
		t.Fatalf("external id: %q", res.ExternalID)
	}
	if gotBody["notarizationType"] != "evidence_record" {
		t.Fatalf("chain augmentation missing: %v", gotBody)
	}
}

func TestDeliverVerifyHumanReviewFlag(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	cfg := testConfig(srv.URL)

	p := testPayload()
	p.Status = "approved"
	p.VisibilityScope = "case_team"
	deliver(t, cfg, adapters.TargetVerify, p)
	if gotBody["requiresHumanReview"] != false {
		t.Fatalf("approved case_team should skip review: %v", gotBody)
	}

	p.VisibilityScope = "attorney_only"
	deliver(t, cfg, adapters.TargetVerify, p)
	if gotBody["requiresHumanReview"] != true {
		t.Fatalf("attorney_only should require review: %v", gotBody)
	}

	p.VisibilityScope = "case_team"
	p.Status = "submitted"
	deliver(t, cfg, adapters.TargetVerify, p)
	if gotBody["requiresHumanReview"] != true {
		t.Fatalf("non-approved should require review: %v", gotBody)
	}
}

func TestExternalIDPrecedence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"externalId":"ext-3","transactionId":"tx-2","id":"id-1"}`))
	}))
	defer srv.Close()

	res := deliver(t, testConfig(srv.URL), adapters.TargetTrust, testPayload())
	if res.ExternalID != "id-1" {
		t.Fatalf("expected id to win, got %q", res.ExternalID)
	}
}

func TestDeliverNon2xxIsFailureResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"message":"downstream unavailable"}`))
	}))
	defer srv.Close()

	res := deliver(t, testConfig(srv.URL), adapters.TargetLedger, testPayload())
	if res.Success {
		t.Fatalf("expected failure result")
	}
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("status: %d", res.StatusCode)
	}
	if res.Message == "" {
		t.Fatalf("expected failure message")
	}
}

func TestDeliverTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	res := deliver(t, testConfig(srv.URL), adapters.TargetLedger, testPayload())
	if res.Success {
		t.Fatalf("expected failure result")
	}
	if res.StatusCode != 0 {
		t.Fatalf("transport failure must carry status 0, got %d", res.StatusCode)
	}
}

func TestRegistryUnknownTarget(t *testing.T) {
	reg := adapters.NewRegistry(config.Default())
	_, err := reg.Adapter("chitty_mystery")
	var unknown adapters.UnknownTargetError
	if err == nil {
		t.Fatalf("expected error")
	}
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownTargetError, got %T", err)
	}
	if unknown.Target != "chitty_mystery" {
		t.Fatalf("target: %q", unknown.Target)
	}
}

func TestRegistryDisabledTarget(t *testing.T) {
	cfg := config.Default()
	disabled := false
	tc := cfg.Targets[adapters.TargetTrust]
	tc.Enabled = &disabled
	cfg.Targets[adapters.TargetTrust] = tc

	reg := adapters.NewRegistry(cfg)
	if _, err := reg.Adapter(adapters.TargetTrust); err == nil {
		t.Fatalf("disabled target must resolve to error")
	}
	if _, err := reg.Adapter(adapters.TargetLedger); err != nil {
		t.Fatalf("enabled target: %v", err)
	}
}
