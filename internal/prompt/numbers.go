package prompt

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrUnsafeNumber is returned for values that cannot be spelled exactly.
var ErrUnsafeNumber = errors.New("number is not finite or exceeds 2^53-1 in magnitude")

const maxSafeInteger = 1<<53 - 1

var lessThanTwenty = [...]string{
	"zero", "one", "two", "three", "four", "five", "six", "seven", "eight", "nine", "ten",
	"eleven", "twelve", "thirteen", "fourteen", "fifteen", "sixteen", "seventeen", "eighteen", "nineteen",
}

var tens = [...]string{
	"zero", "ten", "twenty", "thirty", "forty", "fifty", "sixty", "seventy", "eighty", "ninety",
}

var scales = []struct {
	size int64
	name string
}{
	{1_000_000_000_000_000, "quadrillion"},
	{1_000_000_000_000, "trillion"},
	{1_000_000_000, "billion"},
	{1_000_000, "million"},
	{1_000, "thousand"},
	{100, "hundred"},
}

// NumberToWords spells v in English the way inflect's number_to_words does:
// 123 -> "one hundred and twenty-three", 12.5 -> "twelve point five",
// -0 -> "minus zero".
func NumberToWords(v float64) (string, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) > maxSafeInteger {
		return "", ErrUnsafeNumber
	}
	if v == 0 && math.Signbit(v) {
		return "minus zero", nil
	}
	return numeralToWords(strconv.FormatFloat(v, 'f', -1, 64))
}

// numeralToWords spells a decimal numeral such as "-12.50".
func numeralToWords(s string) (string, error) {
	if rest, ok := strings.CutPrefix(s, "-"); ok {
		words, err := numeralToWords(rest)
		if err != nil {
			return "", err
		}
		return "minus " + words, nil
	}

	integer, fraction, hasFraction := strings.Cut(s, ".")
	n, err := strconv.ParseInt(integer, 10, 64)
	if err != nil || n > maxSafeInteger {
		return "", fmt.Errorf("%w: %q", ErrUnsafeNumber, s)
	}
	words := integerToWords(n)
	if !hasFraction {
		return words, nil
	}

	fraction = strings.TrimRight(fraction, "0")
	if fraction == "" {
		return words + " point zero", nil
	}
	digits, err := spellDigits(fraction)
	if err != nil {
		return "", err
	}
	return words + " point " + digits, nil
}

func spellDigits(s string) (string, error) {
	out := make([]string, 0, len(s))
	for _, r := range s {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("invalid digit %q", r)
		}
		out = append(out, lessThanTwenty[r-'0'])
	}
	return strings.Join(out, " "), nil
}

func integerToWords(n int64) string {
	if n < 20 {
		return lessThanTwenty[n]
	}
	if n < 100 {
		word := tens[n/10]
		if r := n % 10; r != 0 {
			word += "-" + lessThanTwenty[r]
		}
		return word
	}

	var word string
	var rem int64
	for _, scale := range scales {
		if n >= scale.size {
			word = integerToWords(n/scale.size) + " " + scale.name
			rem = n % scale.size
			break
		}
	}
	switch {
	case rem == 0:
	case rem < 100:
		word += " and " + integerToWords(rem)
	default:
		word += ", " + integerToWords(rem)
	}
	return word
}
