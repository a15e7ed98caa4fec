package validation

import (
	"testing"
)

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	// Test valid input
	errors := Validate(
		Required("app", "final10-arcade"),
		OneOf("level", "gold", "guest", "bronze", "silver", "gold", "vip", "platinum"),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	// Test invalid input
	errors = Validate(
		Required("app", ""),
		OneOf("level", "diamond", "guest", "bronze", "silver", "gold", "vip", "platinum"),
	)
	if len(errors) != 2 {
		t.Errorf("Expected 2 errors, got %d", len(errors))
	}
}

func TestOneOf(t *testing.T) {
	tests := []struct {
		value string
		valid bool
	}{
		{"observe", true},
		{"auto_block", true},
		{"", true}, // optional: empty passes, Required handles presence
		{"nuke", false},
		{"OBSERVE", false},
	}

	for _, tc := range tests {
		err := OneOf("action", tc.value, "observe", "temp_suspend", "auto_block")()
		valid := err == nil
		if valid != tc.valid {
			t.Errorf("OneOf(%q) valid=%v, want %v", tc.value, valid, tc.valid)
		}
	}
}

func TestPositiveFloat(t *testing.T) {
	if err := PositiveFloat("min_score", 0.6, true)(); err != nil {
		t.Error("Expected no error for positive value")
	}
	if err := PositiveFloat("min_score", -0.1, true)(); err == nil {
		t.Error("Expected error for negative value")
	}
	if err := PositiveFloat("min_score", 0, false)(); err != nil {
		t.Error("Expected no error for unset value")
	}
}

func TestMaxLength(t *testing.T) {
	// Under limit
	err := MaxLength("field", "hello", 10)()
	if err != nil {
		t.Error("Expected no error for string under limit")
	}

	// At limit
	err = MaxLength("field", "hello", 5)()
	if err != nil {
		t.Error("Expected no error for string at limit")
	}

	// Over limit
	err = MaxLength("field", "hello world", 5)()
	if err == nil {
		t.Error("Expected error for string over limit")
	}
}
