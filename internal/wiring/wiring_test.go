package wiring

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()

	want := []string{"OnStar v10, v11", "Toyota TL19", "Honda CRM"}
	if diff := cmp.Diff(want, reg.Names()); diff != "" {
		t.Errorf("registered decoders mismatch:\n%s", diff)
	}
	if warns := reg.Warnings(); len(warns) != 0 {
		t.Errorf("built-in discovery produced warnings: %v", warns)
	}
	for _, name := range reg.Names() {
		if _, err := reg.Get(name); err != nil {
			t.Errorf("Get(%s): %v", name, err)
		}
	}
}
