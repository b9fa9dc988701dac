package gateway

import (
	"strings"
	"unicode"
)

// MaskCard keeps the last four digits only.
func MaskCard(number string) string {
	digits := onlyDigits(number)
	if len(digits) < 4 {
		return "****"
	}
	return "**** " + digits[len(digits)-4:]
}

// MaskCPF keeps the two check digits only.
func MaskCPF(cpf string) string {
	digits := onlyDigits(cpf)
	if len(digits) < 2 {
		return "***"
	}
	return "***.***.***-" + digits[len(digits)-2:]
}

func holderInitials(name string) string {
	var b strings.Builder
	for _, part := range strings.Fields(name) {
		r := []rune(part)
		b.WriteRune(unicode.ToUpper(r[0]))
		b.WriteByte('.')
	}
	return b.String()
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
