// Package fingerprint normalizes raw SQL text into a stable identity that
// survives literal substitution, comment stripping and whitespace changes.
//
// The normalization pipeline and hashing choice mirror the plan hash
// generator in the collector's planattributeextractor processor: attributes
// (here, the normalized text) are fed through a deterministic transform and
// hashed with SHA-256, truncated to the width of a server-provided hash so
// the two are directly comparable.
package fingerprint

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrEmptyInput is returned when the caller supplies empty or all-whitespace SQL.
var ErrEmptyInput = errors.New("fingerprint: empty input")

// ErrInvalidServerHash is returned when a server-provided hash is not exactly 8 bytes.
var ErrInvalidServerHash = errors.New("fingerprint: server hash must be exactly 8 bytes")

// Result is the outcome of fingerprinting one SQL statement.
type Result struct {
	Hash             [8]byte
	SampleText       string
	NormalizedText   string
	IsFromServerHash bool
}

const maxSampleTextLen = 4000

var (
	whitespaceRe     = regexp.MustCompile(`\s+`)
	stringLiteralRe  = regexp.MustCompile(`'(?:[^']|'')*'`)
	unicodeLiteralRe = regexp.MustCompile(`(?i)N'(?:[^']|'')*'`)
	guidLiteralRe    = regexp.MustCompile(`(?i)'[0-9A-F]{8}-[0-9A-F]{4}-[0-9A-F]{4}-[0-9A-F]{4}-[0-9A-F]{12}'`)
	dateLiteralRe    = regexp.MustCompile(`'\d{4}-\d{2}-\d{2}(?:[ T]\d{2}:\d{2}:\d{2}(?:\.\d+)?)?'`)
	lineCommentRe    = regexp.MustCompile(`--[^\n]*`)
	blockCommentRe   = regexp.MustCompile(`(?s)/\*.*?\*/`)
)

// keywordWhitelist is uppercased in a word-boundary context. Kept short and
// focused on clause and join keywords, matching the set the collector's
// query anonymizer treats as structural rather than identifier text.
var keywordWhitelist = []string{
	"SELECT", "FROM", "WHERE", "JOIN", "INNER", "OUTER", "LEFT", "RIGHT",
	"FULL", "ON", "GROUP", "BY", "ORDER", "HAVING", "INSERT", "INTO",
	"VALUES", "UPDATE", "SET", "DELETE", "MERGE", "UNION", "ALL", "DISTINCT",
	"AS", "AND", "OR", "NOT", "NULL", "IS", "IN", "EXISTS", "BETWEEN",
	"LIKE", "CASE", "WHEN", "THEN", "ELSE", "END", "TOP", "WITH", "EXEC",
	"EXECUTE", "DECLARE", "BEGIN", "COMMIT", "ROLLBACK", "TRANSACTION",
}

var keywordRes = buildKeywordRegexes(keywordWhitelist)

func buildKeywordRegexes(words []string) []*regexp.Regexp {
	res := make([]*regexp.Regexp, len(words))
	for i, w := range words {
		res[i] = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(w) + `\b`)
	}
	return res
}

// Normalize reduces sql to a stable form: whitespace collapsed, comments
// stripped, literals replaced with placeholders, and a fixed keyword set
// uppercased. Normalize is idempotent: Normalize(Normalize(s)) == Normalize(s).
func Normalize(sql string) string {
	s := sql

	s = lineCommentRe.ReplaceAllString(s, "")
	s = blockCommentRe.ReplaceAllString(s, "")

	s = collapseWhitespace(s)
	s = strings.TrimSpace(s)

	// Order matters: GUID and datetime literals are also single-quoted, so
	// they must be matched before the generic string-literal pattern
	// consumes them into a bare '#'.
	s = guidLiteralRe.ReplaceAllString(s, "'#GUID#'")
	s = dateLiteralRe.ReplaceAllString(s, "'#DATE#'")
	s = unicodeLiteralRe.ReplaceAllString(s, "N'#'")
	s = stringLiteralRe.ReplaceAllStringFunc(s, func(lit string) string {
		if lit == "'#GUID#'" || lit == "'#DATE#'" {
			return lit
		}
		return "'#'"
	})

	s = replaceBareNumbers(s)
	s = normalizeOperatorSpacing(s)

	for i, kw := range keywordWhitelist {
		s = keywordRes[i].ReplaceAllString(s, kw)
	}

	s = collapseWhitespace(s)
	s = strings.TrimSpace(s)
	return s
}

var multiCharOperatorRe = regexp.MustCompile(`\s*(<>|!=|<=|>=)\s*`)
var singleCharOperatorRe = regexp.MustCompile(`\s*([=<>,])\s*`)

// normalizeOperatorSpacing forces a single surrounding space around common
// comparison/list operators so that "id=99" and "id = 99" normalize to the
// same token stream. Applied after literals are replaced with placeholders,
// so it never touches literal contents.
func normalizeOperatorSpacing(s string) string {
	s = multiCharOperatorRe.ReplaceAllString(s, " $1 ")
	s = singleCharOperatorRe.ReplaceAllString(s, " $1 ")
	return s
}

func collapseWhitespace(s string) string {
	return whitespaceRe.ReplaceAllString(s, " ")
}

// replaceBareNumbers replaces numeric literals with '#', leaving digits
// embedded in identifiers (e.g. table1) untouched. Go's regexp package
// (RE2) has no lookaround, so boundary checking is done with a hand-rolled
// scan rather than a single pattern.
func replaceBareNumbers(s string) string {
	runes := []rune(s)
	n := len(runes)
	var b strings.Builder
	b.Grow(n)

	i := 0
	for i < n {
		r := runes[i]
		if isDigit(r) && (i == 0 || !isIdentChar(runes[i-1])) {
			j := i
			for j < n && isDigit(runes[j]) {
				j++
			}
			if j < n && runes[j] == '.' && j+1 < n && isDigit(runes[j+1]) {
				j++
				for j < n && isDigit(runes[j]) {
					j++
				}
			}
			if j >= n || !isIdentChar(runes[j]) {
				b.WriteRune('#')
				i = j
				continue
			}
		}
		b.WriteRune(r)
		i++
	}
	return b.String()
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

func isIdentChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
}

func truncateSample(sql string) string {
	r := []rune(sql)
	if len(r) <= maxSampleTextLen {
		return sql
	}
	return string(r[:maxSampleTextLen])
}

// Fingerprint computes a stable identity for sql: a normalized form, a
// sample of the original text for humans, and a truncated SHA-256 hash of
// the normalized text.
func Fingerprint(sql string) (Result, error) {
	if strings.TrimSpace(sql) == "" {
		return Result{}, ErrEmptyInput
	}

	normalized := Normalize(sql)
	if normalized == "" {
		return Result{}, ErrEmptyInput
	}

	sum := sha256.Sum256([]byte(normalized))
	var hash [8]byte
	copy(hash[:], sum[:8])

	return Result{
		Hash:           hash,
		SampleText:     truncateSample(sql),
		NormalizedText: normalized,
	}, nil
}

// FingerprintFromServerHash builds a Result using a server-supplied 8-byte
// query hash instead of computing one locally. It still normalizes sql to
// produce NormalizedText and SampleText, for display and later comparison.
func FingerprintFromServerHash(serverHash []byte, sql string) (Result, error) {
	if len(serverHash) != 8 {
		return Result{}, fmt.Errorf("%w: got %d bytes", ErrInvalidServerHash, len(serverHash))
	}
	if strings.TrimSpace(sql) == "" {
		return Result{}, ErrEmptyInput
	}

	normalized := Normalize(sql)

	var hash [8]byte
	copy(hash[:], serverHash)

	return Result{
		Hash:             hash,
		SampleText:       truncateSample(sql),
		NormalizedText:   normalized,
		IsFromServerHash: true,
	}, nil
}
