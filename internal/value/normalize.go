package value

import (
	"math"
	"strconv"
	"strings"
)

// Form identifies the upload-safe representation chosen by Normalize
type Form int

const (
	// FormFailed means no representation applied
	FormFailed Form = iota
	FormFloat
	FormDigits
	FormBool
)

// Normalized is the result of normalizing a source value
type Normalized struct {
	Form   Form
	Float  float64
	Digits string
	Bool   int
}

// OK reports whether normalization produced an uploadable value
func (n Normalized) OK() bool {
	return n.Form != FormFailed
}

// String renders the value in the form sent to the remote service
func (n Normalized) String() string {
	switch n.Form {
	case FormFloat:
		return strconv.FormatFloat(n.Float, 'f', -1, 64)
	case FormDigits:
		return n.Digits
	case FormBool:
		return strconv.Itoa(n.Bool)
	default:
		return ""
	}
}

// boolTokens is the full set of recognized boolean tokens (upper case)
var boolTokens = map[string]int{
	"TRUE":  1,
	"ON":    1,
	"FALSE": 0,
	"OFF":   0,
}

// Normalize converts a source value into a chartable form.
// Numbers pass through, booleans become 1/0, text is tried as a float,
// then as its digit/decimal-point characters, then as a boolean token.
func Normalize(v Value) Normalized {
	switch v.kind {
	case KindNumber:
		if !finite(v.num) {
			return Normalized{Form: FormFailed}
		}
		return Normalized{Form: FormFloat, Float: v.num}
	case KindBoolean:
		if v.b {
			return Normalized{Form: FormBool, Bool: 1}
		}
		return Normalized{Form: FormBool, Bool: 0}
	case KindText:
		return normalizeText(v.text)
	default:
		return Normalized{Form: FormFailed}
	}
}

func normalizeText(s string) Normalized {
	trimmed := strings.TrimSpace(s)

	// NaN and Inf parse as floats but cannot be charted
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil && finite(f) {
		return Normalized{Form: FormFloat, Float: f}
	}

	if digits, ok := numericChars(trimmed); ok {
		return Normalized{Form: FormDigits, Digits: digits}
	}

	if b, ok := boolTokens[strings.ToUpper(trimmed)]; ok {
		return Normalized{Form: FormBool, Bool: b}
	}

	return Normalized{Form: FormFailed}
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// numericChars keeps only digits and decimal points.
// The result is usable only if at least one digit survived.
func numericChars(s string) (string, bool) {
	var b strings.Builder
	hasDigit := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			hasDigit = true
			b.WriteByte(c)
		case c == '.':
			b.WriteByte(c)
		}
	}
	return b.String(), hasDigit
}
