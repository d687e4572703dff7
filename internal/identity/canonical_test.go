package identity

import (
	"bytes"
	"testing"
)

func TestCanonicalBytes_SortsKeysAndStripsSignature(t *testing.T) {
	raw := []byte(`{"z":1,"signature":"abc","a":{"c":2,"b":[true,null]}}`)
	got, err := CanonicalBytes(raw)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"a":{"b":[true,null],"c":2},"z":1}`
	if string(got) != want {
		t.Errorf("canonical = %s, want %s", got, want)
	}
}

func TestCanonicalBytes_PreservesWireNumbers(t *testing.T) {
	// Numbers must survive exactly as sent; a float64 round trip would turn
	// the big integer into scientific notation and break the signature.
	raw := []byte(`{"big":1769471999999123,"price":0.10}`)
	got, err := CanonicalBytes(raw)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"big":1769471999999123,"price":0.10}`
	if string(got) != want {
		t.Errorf("canonical = %s, want %s", got, want)
	}
}

func TestCanonicalBytes_Deterministic(t *testing.T) {
	a := []byte(`{"b":2,"a":1}`)
	b := []byte(`{"a": 1, "b": 2}`)
	ca, err := CanonicalBytes(a)
	if err != nil {
		t.Fatal(err)
	}
	cb, err := CanonicalBytes(b)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(ca, cb) {
		t.Errorf("equivalent objects canonicalize differently: %s vs %s", ca, cb)
	}
}

func TestCanonicalizeValue_TypedValues(t *testing.T) {
	got, err := CanonicalizeValue(map[string]any{
		"n":    int64(7),
		"s":    "x",
		"list": []any{1.5, "y"},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"list":[1.5,"y"],"n":7,"s":"x"}`
	if string(got) != want {
		t.Errorf("canonical = %s, want %s", got, want)
	}
}
