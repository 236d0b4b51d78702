package cursor

import "testing"

func TestEncode(t *testing.T) {
	tests := []struct {
		name     string
		key      Key
		expected string
	}{
		{
			name:     "timestamp and id",
			key:      Key{Ms: 1730635200000, ID: "m-42"},
			expected: "MTczMDYzNTIwMDAwMHxtLTQy",
		},
		{
			name:     "id only",
			key:      Key{ID: "chat-7"},
			expected: "MHxjaGF0LTc",
		},
		{
			name:     "zero key",
			key:      Key{},
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Encode(tt.key)
			if got != tt.expected {
				t.Errorf("Encode() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name      string
		encoded   string
		want      Key
		wantValid bool
	}{
		{
			name:      "valid token",
			encoded:   "MTczMDYzNTIwMDAwMHxtLTQy",
			want:      Key{Ms: 1730635200000, ID: "m-42"},
			wantValid: true,
		},
		{
			name:      "empty string",
			encoded:   "",
			wantValid: false,
		},
		{
			name:      "invalid base64",
			encoded:   "not-base64!!!",
			wantValid: false,
		},
		{
			name:      "no separator",
			encoded:   "MTIzNDU2Nzg5MA", // "1234567890"
			wantValid: false,
		},
		{
			name:      "non-numeric timestamp",
			encoded:   "YWJjfG0tNDI", // "abc|m-42"
			wantValid: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, valid := Decode(tt.encoded)
			if valid != tt.wantValid {
				t.Fatalf("Decode() valid = %v, want %v", valid, tt.wantValid)
			}
			if valid && got != tt.want {
				t.Errorf("Decode() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	original := Key{Ms: 1730635200123, ID: "9a1f0c2e"}

	decoded, valid := Decode(Encode(original))
	if !valid {
		t.Fatal("Decode() failed for valid token")
	}
	if decoded != original {
		t.Errorf("Round trip = %+v, want %+v", decoded, original)
	}
}

func TestRoundTrip_IDWithSeparator(t *testing.T) {
	// Ids may themselves contain the separator; only the first one splits.
	original := Key{Ms: 5, ID: "a|b|c"}

	decoded, valid := Decode(Encode(original))
	if !valid {
		t.Fatal("Decode() failed")
	}
	if decoded != original {
		t.Errorf("Round trip = %+v, want %+v", decoded, original)
	}
}
