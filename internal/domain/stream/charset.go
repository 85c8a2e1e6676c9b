package stream

import (
	"strings"
	"unicode/utf8"

	"github.com/saintfish/chardet"
	"golang.org/x/net/html/charset"
)

// minDetectBytes is the shortest input worth handing to the detector; below
// this its guesses are noise.
const minDetectBytes = 8

// ToUTF8 returns b as valid UTF-8. Input that is already UTF-8 is returned
// as is; otherwise the encoding is detected and decoded, and anything still
// undecodable is replaced with U+FFFD.
func ToUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}

	if len(b) >= minDetectBytes {
		if decoded, ok := decodeDetected(b); ok {
			return decoded
		}
	}

	return strings.ToValidUTF8(string(b), "\uFFFD")
}

// DetectCharset returns the most likely charset name for b, lowercased.
func DetectCharset(b []byte) string {
	result, err := chardet.NewTextDetector().DetectBest(b)
	if err != nil || result == nil {
		return "utf-8"
	}
	return strings.ToLower(result.Charset)
}

func decodeDetected(b []byte) (string, bool) {
	name := DetectCharset(b)
	if name == "utf-8" {
		return "", false
	}

	enc, _ := charset.Lookup(name)
	if enc == nil {
		return "", false
	}

	out, err := enc.NewDecoder().Bytes(b)
	if err != nil || !utf8.Valid(out) {
		return "", false
	}
	return string(out), true
}
