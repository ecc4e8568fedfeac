package prompt

import (
	"errors"
	"math"
	"testing"
)

func TestNumberToWords(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{0, "zero"},
		{5, "five"},
		{42, "forty-two"},
		{11, "eleven"},
		{20, "twenty"},
		{99, "ninety-nine"},
		{100, "one hundred"},
		{105, "one hundred and five"},
		{123, "one hundred and twenty-three"},
		{999, "nine hundred and ninety-nine"},
		{1000, "one thousand"},
		{1001, "one thousand and one"},
		{10000, "ten thousand"},
		{101010, "one hundred and one thousand and ten"},
		{555123, "five hundred and fifty-five thousand, one hundred and twenty-three"},
		{1000000, "one million"},
		{1000001, "one million and one"},
		{1000000001, "one billion and one"},
		{1234567890, "one billion, two hundred and thirty-four million, five hundred and sixty-seven thousand, eight hundred and ninety"},
		{9876543210, "nine billion, eight hundred and seventy-six million, five hundred and forty-three thousand, two hundred and ten"},
		{999999999999, "nine hundred and ninety-nine billion, nine hundred and ninety-nine million, nine hundred and ninety-nine thousand, nine hundred and ninety-nine"},
		{1000000000000, "one trillion"},
		{1001000000001, "one trillion, one billion and one"},
		{1001000000100, "one trillion, one billion, one hundred"},
		{1.0, "one"},
		{0.5, "zero point five"},
		{123.45, "one hundred and twenty-three point four five"},
		{3.1415926535, "three point one four one five nine two six five three five"},
		{0.0001, "zero point zero zero zero one"},
		{0.0000001, "zero point zero zero zero zero zero zero one"},
		{0.1000000023, "zero point one zero zero zero zero zero zero zero two three"},
		{9876.54, "nine thousand, eight hundred and seventy-six point five four"},
		{98765.4, "ninety-eight thousand, seven hundred and sixty-five point four"},
		{-1, "minus one"},
		{-123, "minus one hundred and twenty-three"},
		{-0.5, "minus zero point five"},
		{math.Copysign(0, -1), "minus zero"},
	}
	for _, tc := range cases {
		got, err := NumberToWords(tc.in)
		if err != nil {
			t.Fatalf("%v: unexpected error %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("%v: expected %q, got %q", tc.in, tc.want, got)
		}
	}
}

func TestNumberToWordsUnsafe(t *testing.T) {
	for _, v := range []float64{maxSafeInteger + 2, -maxSafeInteger - 2, math.MaxFloat64, math.NaN(), math.Inf(1), math.Inf(-1)} {
		if _, err := NumberToWords(v); !errors.Is(err, ErrUnsafeNumber) {
			t.Fatalf("%v: expected ErrUnsafeNumber, got %v", v, err)
		}
	}
}

func TestNumeralTrailingZeros(t *testing.T) {
	got, err := numeralToWords("7.50")
	if err != nil {
		t.Fatal(err)
	}
	if got != "seven point five" {
		t.Fatalf("unexpected %q", got)
	}
	if got, _ := numeralToWords("2.00"); got != "two point zero" {
		t.Fatalf("unexpected %q", got)
	}
}
