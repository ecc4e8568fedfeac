package prompt

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var numeralPattern = regexp.MustCompile(`-?\d+(?:[.,]\d+)*`)

// Normalize prepares free text for the tokenizer: NFKC, lower case, numerals
// spelled out, punctuation other than apostrophes and hyphens dropped, and
// whitespace collapsed.
func Normalize(text string) string {
	text = norm.NFKC.String(text)
	text = strings.ToLower(text)
	text = spellNumerals(text)

	text = strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsMark(r), unicode.IsDigit(r):
			return r
		case r == '\'', r == '-':
			return r
		default:
			return ' '
		}
	}, text)
	return strings.Join(strings.Fields(text), " ")
}

// Words splits normalised text into words.
func Words(text string) []string {
	return strings.Fields(Normalize(text))
}

func spellNumerals(text string) string {
	matches := numeralPattern.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return text
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		numeral := text[start:end]
		// a minus glued to the previous word is a hyphen, as in "covid-19"
		if numeral[0] == '-' && start > 0 && !unicode.IsSpace(rune(text[start-1])) {
			numeral = numeral[1:]
		}
		b.WriteString(text[last:start])
		b.WriteString(" ")
		b.WriteString(spellNumeral(numeral))
		b.WriteString(" ")
		last = end
	}
	b.WriteString(text[last:])
	return b.String()
}

func spellNumeral(numeral string) string {
	numeral = strings.ReplaceAll(numeral, ",", "")
	if words, err := numeralToWords(numeral); err == nil {
		return words
	}
	// out of range or several decimal points: read it symbol by symbol
	out := make([]string, 0, len(numeral))
	for _, r := range numeral {
		switch {
		case r == '-':
			out = append(out, "minus")
		case r == '.':
			out = append(out, "point")
		case r >= '0' && r <= '9':
			out = append(out, lessThanTwenty[r-'0'])
		}
	}
	return strings.Join(out, " ")
}
