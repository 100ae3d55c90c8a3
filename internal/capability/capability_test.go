package capability

import (
	"context"
	"testing"
	"time"

	"github.com/Casys-AI/casys-pml-sub012/internal/perr"
	"github.com/Casys-AI/casys-pml-sub012/internal/store"
)

func newTestRegistry() (*Registry, store.Store) {
	s := store.NewMemStore()
	return New(s), s
}

func TestGenerateFQDNDeterministic(t *testing.T) {
	code := []byte("print('hello')")
	a := GenerateFQDN("acme", "widgets", "billing", "charge_card", code)
	b := GenerateFQDN("acme", "widgets", "billing", "charge_card", code)
	if a != b {
		t.Fatalf("expected deterministic fqdn, got %q and %q", a, b)
	}
	if a != "acme.widgets.billing.charge_card."+ContentHash(code)[:4] {
		t.Errorf("unexpected fqdn shape: %q", a)
	}
}

func TestRegisterAndResolveByFQDN(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()
	code := []byte("return 1")

	rec := store.CapabilityRecord{
		DisplayName: "charge_card",
		Org:         "acme",
		Project:     "widgets",
		Namespace:   "billing",
		Action:      "charge_card",
		Visibility:  store.VisibilityProject,
	}
	saved, err := reg.Register(ctx, rec, code)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	got, err := reg.Resolve(ctx, "acme", "widgets", saved.FQDN())
	if err != nil {
		t.Fatalf("resolve by fqdn: %v", err)
	}
	if got.DisplayName != "charge_card" {
		t.Errorf("expected charge_card, got %q", got.DisplayName)
	}
}

func TestResolveByDisplayName(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()

	rec := store.CapabilityRecord{
		DisplayName: "send_email",
		Org:         "acme",
		Project:     "widgets",
		Namespace:   "notify",
		Action:      "send_email",
	}
	if _, err := reg.Register(ctx, rec, []byte("x")); err != nil {
		t.Fatalf("register: %v", err)
	}

	got, err := reg.Resolve(ctx, "acme", "widgets", "send_email")
	if err != nil {
		t.Fatalf("resolve by display name: %v", err)
	}
	if got.Namespace != "notify" {
		t.Errorf("expected notify namespace, got %q", got.Namespace)
	}
}

func TestResolveNotFound(t *testing.T) {
	reg, _ := newTestRegistry()
	_, err := reg.Resolve(context.Background(), "acme", "widgets", "does_not_exist")
	if perr.KindOf(err) != perr.KindNotFound {
		t.Fatalf("expected KindNotFound, got %v (%v)", perr.KindOf(err), err)
	}
}

// TestRenameFlattensAliasChain reproduces spec §8 scenario 4: F =
// "a.b.c.v1.aabb", a pre-existing alias "v1old" -> F, rename(F, "v2")
// produces F' = "a.b.c.v2.aabb", "v1" -> F', "v1old" -> F' (rewritten), no
// alias left pointing at F, and F itself is no longer resolvable.
func TestRenameFlattensAliasChain(t *testing.T) {
	reg, s := newTestRegistry()
	ctx := context.Background()
	code := []byte("return 1")

	old, err := reg.Register(ctx, store.CapabilityRecord{
		DisplayName: "v1", Org: "a", Project: "b",
		Namespace: "c", Action: "v1",
	}, code)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	// Simulate a pre-existing alias chain: "v1old" -> old.
	if err := s.UpsertAlias(ctx, store.Alias{
		Org: "a", Project: "b", AliasName: "v1old",
		TargetFQDN: old.FQDN(), CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("seed alias: %v", err)
	}

	renamed, err := reg.Rename(ctx, "a", "b", old.FQDN(), "v2")
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if renamed.FQDN() == old.FQDN() {
		t.Fatalf("expected renamed fqdn to differ from %q, got the same", old.FQDN())
	}
	if renamed.Version != old.Version+1 {
		t.Errorf("expected version %d, got %d", old.Version+1, renamed.Version)
	}

	if _, err := s.GetCapabilityByFQDN(ctx, old.FQDN()); err != store.ErrNotFound {
		t.Errorf("expected old fqdn gone after rename, got err=%v", err)
	}

	for _, alias := range []string{"v1", "v1old"} {
		got, err := reg.Resolve(ctx, "a", "b", alias)
		if err != nil {
			t.Fatalf("resolve %q after rename: %v", alias, err)
		}
		if got.FQDN() != renamed.FQDN() {
			t.Errorf("alias %q: expected flattened to %q, got %q", alias, renamed.FQDN(), got.FQDN())
		}
	}
}

func TestResolveDetectsAliasCycle(t *testing.T) {
	reg, s := newTestRegistry()
	ctx := context.Background()

	if err := s.UpsertAlias(ctx, store.Alias{
		Org: "acme", Project: "widgets", AliasName: "a", TargetFQDN: "b", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("seed alias a: %v", err)
	}
	if err := s.UpsertAlias(ctx, store.Alias{
		Org: "acme", Project: "widgets", AliasName: "b", TargetFQDN: "a", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("seed alias b: %v", err)
	}

	_, err := reg.Resolve(ctx, "acme", "widgets", "a")
	if perr.KindOf(err) != perr.KindAliasLoop {
		t.Fatalf("expected KindAliasLoop, got %v (%v)", perr.KindOf(err), err)
	}
}

func TestRecordUsageAffectsReliabilityMultiplier(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()

	rec, err := reg.Register(ctx, store.CapabilityRecord{
		DisplayName: "flaky", Org: "acme", Project: "widgets",
		Namespace: "ops", Action: "retry",
	}, []byte("x"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if ReliabilityMultiplier(rec) != 1.0 {
		t.Errorf("expected neutral 1.0 multiplier for unused capability, got %v", ReliabilityMultiplier(rec))
	}

	for i := 0; i < 10; i++ {
		if err := reg.RecordUsage(ctx, rec.FQDN(), true, 10*time.Millisecond); err != nil {
			t.Fatalf("record usage: %v", err)
		}
	}
	if err := reg.RecordUsage(ctx, rec.FQDN(), false, 10*time.Millisecond); err != nil {
		t.Fatalf("record usage: %v", err)
	}

	updated, err := reg.Resolve(ctx, "acme", "widgets", rec.FQDN())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if m := ReliabilityMultiplier(updated); m <= 1.0 {
		t.Errorf("expected multiplier above 1.0 after mostly-successful usage, got %v", m)
	}
}

func TestValidateParametersRejectsBadInput(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()

	schema := []byte(`{"type":"object","required":["amount"],"properties":{"amount":{"type":"number"}}}`)
	rec, err := reg.Register(ctx, store.CapabilityRecord{
		DisplayName: "charge", Org: "acme", Project: "widgets",
		Namespace: "billing", Action: "charge", ParametersSchema: schema,
	}, []byte("x"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := reg.ValidateParameters(rec, []byte(`{"amount": 12}`)); err != nil {
		t.Errorf("expected valid parameters to pass, got %v", err)
	}
	if err := reg.ValidateParameters(rec, []byte(`{"amount": "not a number"}`)); err == nil {
		t.Error("expected invalid parameters to fail validation")
	}
}
