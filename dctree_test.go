package dctree

import (
	"errors"
	"testing"

	"github.com/dctree/dctree/env"
)

func TestFacadeInsertGetRoundTrip(t *testing.T) {
	tr, err := Open("ignored-with-sim-env", WithEnvironment(env.NewSimEnv()), WithPageSize(4096))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tr.Close()

	if err := tr.Insert([]byte("alpha"), []byte("1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	v, err := tr.Get([]byte("alpha"))
	if err != nil || string(v) != "1" {
		t.Fatalf("Get(alpha) = %q, %v; want 1, nil", v, err)
	}
	v, err = tr.Get([]byte("missing"))
	if err != nil || v != nil {
		t.Fatalf("Get(missing) = %q, %v; want nil, nil", v, err)
	}
}

func TestFacadeDuplicateKeyError(t *testing.T) {
	tr, err := Open("ignored", WithEnvironment(env.NewSimEnv()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tr.Close()

	if err := tr.Insert([]byte("k"), []byte("v1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tr.Insert([]byte("k"), []byte("v2")); !errors.Is(err, ErrKeyAlreadyExists) {
		t.Fatalf("Insert(dup) err = %v, want ErrKeyAlreadyExists", err)
	}
}
