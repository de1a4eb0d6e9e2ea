package validation

import "testing"

func TestValidateE164(t *testing.T) {
	tests := []struct {
		name    string
		phone   string
		wantErr bool
	}{
		{"valid US number", "+14155551234", false},
		{"valid short number", "+4512345678", false},
		{"missing plus", "14155551234", true},
		{"leading zero country code", "+04155551234", true},
		{"empty", "", true},
		{"letters", "+1415call", true},
		{"too long", "+1234567890123456", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateE164(tt.phone)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateE164(%q) error = %v, wantErr %v", tt.phone, err, tt.wantErr)
			}
		})
	}
}

func TestNormalizeE164(t *testing.T) {
	tests := []struct {
		name    string
		phone   string
		cc      string
		want    string
		wantErr bool
	}{
		{"already canonical", "+14155551234", "1", "+14155551234", false},
		{"bare digits get country code", "4155551234", "1", "+14155551234", false},
		{"bare digits already carrying country code", "14155551234", "1", "+14155551234", false},
		{"formatting stripped", "+1 (415) 555-1234", "1", "+14155551234", false},
		{"double zero prefix", "0014155551234", "1", "+14155551234", false},
		{"national leading zero", "04155551234", "44", "+444155551234", false},
		{"empty", "", "1", "", true},
		{"no digits", "call-me", "1", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeE164(tt.phone, tt.cc)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NormalizeE164(%q) error = %v, wantErr %v", tt.phone, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("NormalizeE164(%q) = %q, want %q", tt.phone, got, tt.want)
			}
		})
	}
}
