package registry

import "testing"

func TestRegisterDuplicate(t *testing.T) {
	r := New()
	if err := r.Register("a", 1); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register("a", 2); err == nil {
		t.Fatal("expected error on duplicate register")
	}
}

func TestLookupUnregister(t *testing.T) {
	r := New()
	_ = r.Register("a", "handle")

	if h, ok := r.Lookup("a"); !ok || h != "handle" {
		t.Fatalf("lookup = %v, %v, want handle, true", h, ok)
	}

	r.Unregister("a")
	if _, ok := r.Lookup("a"); ok {
		t.Fatal("expected key to be gone after unregister")
	}
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	r := New()
	calls := 0
	create := func() Handle {
		calls++
		return calls
	}

	first := r.GetOrCreate("k", create)
	second := r.GetOrCreate("k", create)

	if first != second {
		t.Fatalf("expected same handle, got %v and %v", first, second)
	}
	if calls != 1 {
		t.Fatalf("create called %d times, want 1", calls)
	}
}

func TestAccountID(t *testing.T) {
	if got := AccountID("biz", nil); got != "biz" {
		t.Errorf("AccountID(biz, nil) = %q, want biz", got)
	}
	cust := "cust1"
	if got := AccountID("biz", &cust); got != "biz/cust1" {
		t.Errorf("AccountID(biz, cust1) = %q, want biz/cust1", got)
	}
}
