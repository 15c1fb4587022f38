package routing_test

import (
	"reflect"
	"testing"

	"docketline/internal/domain"
	"docketline/internal/routing"
)

func policy(scope, status string, active bool, targets ...string) domain.RoutingPolicy {
	return domain.RoutingPolicy{
		VisibilityScope: scope,
		EvidenceStatus:  status,
		Targets:         targets,
		IsActive:        active,
	}
}

func TestResolveUnionDedup(t *testing.T) {
	env := domain.Envelope{VisibilityScope: "case_team", Status: "approved"}
	policies := []domain.RoutingPolicy{
		policy("case_team", "approved", true, "chitty_ledger", "chitty_chain"),
		policy("case_team", "approved", true, "chitty_chain", "chitty_verify"),
	}
	got := routing.Resolve(env, policies)
	want := []string{"chitty_ledger", "chitty_chain", "chitty_verify"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("resolve: got %v want %v", got, want)
	}
}

func TestResolveSkipsInactiveAndMismatched(t *testing.T) {
	env := domain.Envelope{VisibilityScope: "attorney_only", Status: "approved"}
	policies := []domain.RoutingPolicy{
		policy("attorney_only", "approved", false, "chitty_ledger"),
		policy("attorney_only", "submitted", true, "chitty_chain"),
		policy("public_record", "approved", true, "chitty_trust"),
		policy("attorney_only", "approved", true, "chitty_verify"),
	}
	got := routing.Resolve(env, policies)
	want := []string{"chitty_verify"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("resolve: got %v want %v", got, want)
	}
}

func TestResolveNoMatchIsEmpty(t *testing.T) {
	env := domain.Envelope{VisibilityScope: "public_record", Status: "created"}
	policies := []domain.RoutingPolicy{
		policy("public_record", "approved", true, "chitty_ledger"),
	}
	if got := routing.Resolve(env, policies); len(got) != 0 {
		t.Fatalf("expected no targets, got %v", got)
	}
}

func TestResolveIgnoresEmptyTargetEntries(t *testing.T) {
	env := domain.Envelope{VisibilityScope: "case_team", Status: "submitted"}
	policies := []domain.RoutingPolicy{
		policy("case_team", "submitted", true, "", "chitty_verify", ""),
	}
	got := routing.Resolve(env, policies)
	want := []string{"chitty_verify"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("resolve: got %v want %v", got, want)
	}
}
