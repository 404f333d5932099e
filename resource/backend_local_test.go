package resource

import "testing"

func TestLocalBackend_Basic(t *testing.T) {
	b := NewLocalBackend()

	handle, err := b.Create(1, "test value")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if handle == 0 {
		t.Fatal("Expected non-zero handle")
	}

	val, ok := b.Get(handle)
	if !ok {
		t.Fatal("Get failed")
	}
	if val != "test value" {
		t.Fatalf("Expected 'test value', got %v", val)
	}

	val, ok = b.Drop(handle)
	if !ok {
		t.Fatal("Drop failed")
	}
	if val != "test value" {
		t.Fatalf("Expected 'test value', got %v", val)
	}

	_, ok = b.Get(handle)
	if ok {
		t.Fatal("Expected Get to fail after Drop")
	}
}

func TestLocalBackend_FreeListReuse(t *testing.T) {
	b := NewLocalBackend()

	h1, _ := b.Create(1, "a")
	h2, _ := b.Create(1, "b")
	b.Drop(h1)

	h3, _ := b.Create(1, "c")
	if h3 != h1 {
		t.Fatalf("expected freed handle %v to be reused, got %v", h1, h3)
	}

	val, ok := b.Get(h2)
	if !ok || val != "b" {
		t.Fatalf("h2 should still resolve to 'b', got %v, %v", val, ok)
	}
}

func TestLocalBackend_TypeID(t *testing.T) {
	b := NewLocalBackend()
	handle, _ := b.Create(42, "x")

	typeID, ok := b.TypeID(handle)
	if !ok || typeID != 42 {
		t.Fatalf("TypeID = %v, %v, want 42, true", typeID, ok)
	}

	b.Drop(handle)
	if _, ok := b.TypeID(handle); ok {
		t.Fatal("TypeID should fail after Drop")
	}
}

func TestLocalBackend_ZeroHandleInvalid(t *testing.T) {
	b := NewLocalBackend()
	if _, ok := b.Get(0); ok {
		t.Fatal("Get(0) should always fail")
	}
	if _, ok := b.Drop(0); ok {
		t.Fatal("Drop(0) should always fail")
	}
	if _, ok := b.TypeID(0); ok {
		t.Fatal("TypeID(0) should always fail")
	}
}

func TestLocalBackend_Len(t *testing.T) {
	b := NewLocalBackend()
	if b.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", b.Len())
	}

	h1, _ := b.Create(1, "a")
	b.Create(1, "b")
	if b.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", b.Len())
	}

	b.Drop(h1)
	if b.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", b.Len())
	}
}

func TestLocalBackend_Each(t *testing.T) {
	b := NewLocalBackend()
	b.Create(1, "a")
	b.Create(2, "b")
	b.Create(3, "c")

	seen := map[uint32]any{}
	b.Each(func(h Handle, typeID uint32, value any) bool {
		seen[typeID] = value
		return true
	})
	if len(seen) != 3 {
		t.Fatalf("Each visited %d entries, want 3", len(seen))
	}

	count := 0
	b.Each(func(h Handle, typeID uint32, value any) bool {
		count++
		return false
	})
	if count != 1 {
		t.Fatalf("Each should stop after the callback returns false, visited %d", count)
	}
}

func TestLocalBackend_CloseRunsDroppers(t *testing.T) {
	b := NewLocalBackend()
	d := &droppableValue{}
	b.Create(1, d)

	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !d.dropped {
		t.Fatal("Close should invoke Drop on values implementing Dropper")
	}

	if _, err := b.Create(1, "x"); err != ErrClosed {
		t.Fatalf("Create after Close: err = %v, want ErrClosed", err)
	}
}

type droppableValue struct{ dropped bool }

func (d *droppableValue) Drop() { d.dropped = true }
