package action

import "testing"

func TestReifyRoundTrip(t *testing.T) {
	for _, k := range []Key{
		NewKey(Compile, "libfoo"),
		NewKey(Load, "libfoo"),
		NewKey(Compile, "a/b/c"),
	} {
		tag, path := Reify(k)
		got, err := FromReified(tag, path)
		if err != nil {
			t.Fatalf("FromReified(%q, %q): %v", tag, path, err)
		}
		if got != k {
			t.Fatalf("FromReified(Reify(%v)) = %v, want %v", k, got, k)
		}
	}
}

func TestFromReifiedUnknownKind(t *testing.T) {
	if _, err := FromReified("frobnicate", "libfoo"); err == nil {
		t.Fatal("FromReified with an unknown kind tag should fail")
	}
}

func TestKeyEquality(t *testing.T) {
	a := NewKey(Compile, "libfoo")
	b := NewKey(Compile, "libfoo")
	if a != b {
		t.Fatalf("equal (op, path) pairs produced different keys: %v != %v", a, b)
	}
	m := map[Key]int{a: 1}
	m[b]++
	if m[a] != 2 {
		t.Fatalf("Key is not usable as a map key consistently: %v", m)
	}
}

func TestDefaultCapabilities(t *testing.T) {
	c := DefaultCapabilities(Compile)
	if c.NeededInImage || !c.CanRunInBackground {
		t.Fatalf("Compile capabilities = %+v, want background-safe and not image-needed", c)
	}
	l := DefaultCapabilities(Load)
	if !l.NeededInImage || l.CanRunInBackground {
		t.Fatalf("Load capabilities = %+v, want image-needed and not background-safe", l)
	}
}
