package control

import "testing"

func TestLookupReturnsSameVariableForSameName(t *testing.T) {
	r := NewRegistry()
	a := Lookup(r, "fiber.stack_size", uint32(1<<20), "")
	b := Lookup(r, "fiber.stack_size", uint32(1<<20), "")
	if a != b {
		t.Fatal("Lookup returned distinct variables for the same name")
	}
}

func TestLookupPanicsOnTypeMismatch(t *testing.T) {
	r := NewRegistry()
	Lookup(r, "tcp.connect.timeout", int64(1000), "")

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on redefinition with a different type")
		}
	}()
	Lookup(r, "tcp.connect.timeout", "not-an-int", "")
}

func TestSetInvokesListenersSynchronously(t *testing.T) {
	r := NewRegistry()
	v := Lookup(r, "tcp.connect.timeout", int64(1000), "")

	var observedOld, observedNew int64
	v.AddListener(func(oldVal, newVal int64) {
		observedOld, observedNew = oldVal, newVal
	})

	v.Set(2500)
	if observedOld != 1000 || observedNew != 2500 {
		t.Errorf("listener saw (%d, %d), want (1000, 2500)", observedOld, observedNew)
	}
	if v.Get() != 2500 {
		t.Errorf("Get() = %d, want 2500", v.Get())
	}
}

func TestLoadYAMLAppliesKnownKeysAndIgnoresUnknown(t *testing.T) {
	r := NewRegistry()
	stackSize := Lookup(r, "fiber.stack_size", uint32(1<<20), "")
	connectTimeout := Lookup(r, "tcp.connect.timeout", int64(3000), "")

	doc := []byte(`
fiber.stack_size: 262144
tcp.connect.timeout: 500
some.unknown.key: 42
`)
	if err := r.LoadYAML(doc); err != nil {
		t.Fatal(err)
	}
	if stackSize.Get() != 262144 {
		t.Errorf("stack_size = %d, want 262144", stackSize.Get())
	}
	if connectTimeout.Get() != 500 {
		t.Errorf("connect timeout = %d, want 500", connectTimeout.Get())
	}
}

func TestLoadYAMLTriggersListeners(t *testing.T) {
	r := NewRegistry()
	v := Lookup(r, "tcp.connect.timeout", int64(3000), "")
	fired := false
	v.AddListener(func(oldVal, newVal int64) { fired = true })

	if err := r.LoadYAML([]byte("tcp.connect.timeout: 750\n")); err != nil {
		t.Fatal(err)
	}
	if !fired {
		t.Error("reload did not fire the registered listener")
	}
	if v.Get() != 750 {
		t.Errorf("Get() = %d, want 750", v.Get())
	}
}
