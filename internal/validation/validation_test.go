package validation

import (
	"testing"
)

func TestIsValidID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"bk_0123456789abcdef01234567", true},
		{"prop_deadbeefdeadbeefdeadbeef", true},
		{"trf_ABCDEF0123456789", true},
		{"rl_00000000", true},

		// Invalid cases
		{"0123456789abcdef01234567", false},    // No prefix
		{"bk_", false},                         // No hex body
		{"bk_xyz", false},                      // Invalid chars
		{"b_0123456789abcdef", false},          // Prefix too short
		{"verylongpfx_0123456789ab", false},    // Prefix too long
		{"BK_0123456789abcdef01234567", false}, // Uppercase prefix
		{"", false},
	}

	for _, tc := range tests {
		result := IsValidID(tc.id)
		if result != tc.valid {
			t.Errorf("IsValidID(%q) = %v, want %v", tc.id, result, tc.valid)
		}
	}
}

func TestIsValidCurrency(t *testing.T) {
	tests := []struct {
		code  string
		valid bool
	}{
		{"NGN", true},
		{"USD", true},
		{"ngn", false},
		{"NG", false},
		{"NGNX", false},
		{"", false},
	}

	for _, tc := range tests {
		result := IsValidCurrency(tc.code)
		if result != tc.valid {
			t.Errorf("IsValidCurrency(%q) = %v, want %v", tc.code, result, tc.valid)
		}
	}
}

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
		Required("propertyId", "prop_0123456789abcdef01234567"),
		ValidID("propertyId", "prop_0123456789abcdef01234567"),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	// Test invalid input
	errors = Validate(
		Required("propertyId", ""),
		ValidID("bookingId", "not-an-id"),
	)
	if len(errors) != 2 {
		t.Errorf("Expected 2 errors, got %d", len(errors))
	}
}

func TestValidTimestamp(t *testing.T) {
	tests := []struct {
		value string
		valid bool
	}{
		{"2026-03-01T15:00:00Z", true},
		{"2026-03-01T15:00:00+01:00", true},
		{"", true}, // Empty passes; use Required for required fields
		{"2026-03-01", false},
		{"2026-03-01 15:00:00", false},
		{"tomorrow", false},
	}

	for _, tc := range tests {
		err := ValidTimestamp("checkIn", tc.value)()
		valid := err == nil
		if valid != tc.valid {
			t.Errorf("ValidTimestamp(%q) valid=%v, want %v", tc.value, valid, tc.valid)
		}
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
