package validation

import (
	"fmt"
	"regexp"
	"strings"
)

var e164Regex = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

func ValidateE164(phone string) error {
	if phone == "" {
		return fmt.Errorf("phone number is required")
	}

	phone = strings.TrimSpace(phone)

	if !e164Regex.MatchString(phone) {
		return fmt.Errorf("phone number must be in E.164 format (e.g., +14155551234)")
	}

	return nil
}

// NormalizeE164 reduces a caller-supplied phone number to canonical E.164.
// The quota store hashes this form, so two spellings of the same number must
// normalize identically. Numbers without a country prefix get defaultCC.
func NormalizeE164(phone, defaultCC string) (string, error) {
	phone = strings.TrimSpace(phone)

	hasPlus := strings.HasPrefix(phone, "+")
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)

	if digits == "" {
		return "", fmt.Errorf("cannot normalize phone number: %q", phone)
	}

	if !hasPlus {
		// "00" international prefix is equivalent to "+".
		if strings.HasPrefix(digits, "00") {
			digits = digits[2:]
		} else {
			digits = strings.TrimPrefix(digits, "0")
			// A bare number that already starts with the country code is
			// taken as fully qualified; prefixing again would split one
			// number across two quota keys.
			if !(strings.HasPrefix(digits, defaultCC) && e164Regex.MatchString("+"+digits)) {
				digits = defaultCC + digits
			}
		}
	}

	normalized := "+" + digits
	if err := ValidateE164(normalized); err != nil {
		return "", err
	}

	return normalized, nil
}
