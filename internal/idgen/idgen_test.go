package idgen

import (
	"strings"
	"testing"
)

func TestWithPrefix_Shape(t *testing.T) {
	for _, prefix := range []string{"evt_", "enf_", "case_"} {
		id := WithPrefix(prefix)
		if !strings.HasPrefix(id, prefix) {
			t.Errorf("id %q missing prefix %q", id, prefix)
		}
		suffix := strings.TrimPrefix(id, prefix)
		if len(suffix) != 2*randomBytes {
			t.Errorf("suffix length = %d, want %d", len(suffix), 2*randomBytes)
		}
		if strings.Trim(suffix, "0123456789abcdef") != "" {
			t.Errorf("suffix %q is not lowercase hex", suffix)
		}
	}
}

func TestWithPrefix_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := WithPrefix("evt_")
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
