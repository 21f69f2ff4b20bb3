package relay

import (
	"testing"
)

func TestRegistryReplace(t *testing.T) {
	registry := NewRegistry()

	first := &Session{role: RoleEndpoint, id: "WLTEST"}
	if nil != registry.Register(first) {
		t.Fatalf("Oops, empty registry returned a previous session")
	}

	got, present := registry.Get(RoleEndpoint, "WLTEST")
	if !present || first != got {
		t.Fatalf("Oops, failed looking up registered session")
	}

	// the newer connection wins
	second := &Session{role: RoleEndpoint, id: "WLTEST"}
	previous := registry.Register(second)
	if first != previous {
		t.Fatalf("Oops, Register did not return the replaced session")
	}
	got, _ = registry.Get(RoleEndpoint, "WLTEST")
	if second != got {
		t.Fatalf("Oops, replacement did not take")
	}
}

func TestRegistryUnregisterOnlyCurrent(t *testing.T) {
	registry := NewRegistry()

	first := &Session{role: RoleEndpoint, id: "WLTEST"}
	registry.Register(first)
	second := &Session{role: RoleEndpoint, id: "WLTEST"}
	registry.Register(second)

	// the replaced session closing late cannot evict its replacement
	registry.Unregister(first)
	got, present := registry.Get(RoleEndpoint, "WLTEST")
	if !present || second != got {
		t.Fatalf("Oops, stale Unregister evicted the live session")
	}

	registry.Unregister(second)
	_, present = registry.Get(RoleEndpoint, "WLTEST")
	if present {
		t.Fatalf("Oops, session still registered after Unregister")
	}
}

func TestRegistryRoleIsolation(t *testing.T) {
	registry := NewRegistry()

	endpoint := &Session{role: RoleEndpoint, id: "WLTEST"}
	controller := &Session{role: RoleController, id: "WLTEST"}
	registry.Register(endpoint)
	if nil != registry.Register(controller) {
		t.Fatalf("Oops, same identity across roles collided")
	}

	got, _ := registry.Get(RoleEndpoint, "WLTEST")
	if endpoint != got {
		t.Fatalf("Oops, endpoint lookup returned the wrong session")
	}
}

func TestMemTokenStore(t *testing.T) {
	store := NewMemTokenStore("api-token")
	err := store.AddEndpoint("WLTEST", "device-token")
	if nil != err {
		t.Fatalf("failed AddEndpoint, got error %v", err)
	}

	ctx := t.Context()
	testcases := []struct {
		name  string
		check func() (bool, error)
		want  bool
	}{
		{"endpoint dedicated token", func() (bool, error) { return store.CheckEndpointToken(ctx, "WLTEST", "device-token") }, true},
		{"endpoint wrong token", func() (bool, error) { return store.CheckEndpointToken(ctx, "WLTEST", "api-token") }, false},
		{"endpoint fallback token", func() (bool, error) { return store.CheckEndpointToken(ctx, "WLOTHER", "api-token") }, true},
		{"controller token", func() (bool, error) { return store.CheckControllerToken(ctx, "cli_1", "api-token") }, true},
		{"controller wrong token", func() (bool, error) { return store.CheckControllerToken(ctx, "cli_1", "nope") }, false},
		{"empty token", func() (bool, error) { return store.CheckControllerToken(ctx, "cli_1", "") }, false},
	}
	for _, tc := range testcases {
		ok, err := tc.check()
		if nil != err {
			t.Fatalf("failed case %q, got error %v", tc.name, err)
		}
		if tc.want != ok {
			t.Fatalf("Oops, case %q, want %v got %v", tc.name, tc.want, ok)
		}
	}
}
