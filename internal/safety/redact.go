package safety

import (
	"regexp"
	"strings"
)

// Placeholder replaces every redacted span.
const Placeholder = "[REDACTED]"

// Redaction categories.
const (
	TypeCreditCard = "credit_card"
	TypeSSN        = "ssn"
	TypeEmail      = "email"
	TypePhone      = "phone"
)

var (
	cardPattern   = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	cardFormatted = regexp.MustCompile(`\d[ -]+\d`)
	ssnPattern    = regexp.MustCompile(`\b\d{3}[- ]?\d{2}[- ]?\d{4}\b`)
	emailPattern  = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	phonePattern  = regexp.MustCompile(`(?:\+?1[-.\s]?)?\(?[2-9]\d{2}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`)
)

// RedactionResult is the outcome of one Scan. It never holds the matched
// text, only what replaced it and how many spans of each type were found.
type RedactionResult struct {
	Text          string
	RedactedCount int
	// RedactedTypes lists each category found, in detection order.
	RedactedTypes []string
	Counts        map[string]int
}

func (r *RedactionResult) add(typ string, n int) {
	if n == 0 {
		return
	}
	if r.Counts == nil {
		r.Counts = make(map[string]int, 4)
	}
	if r.Counts[typ] == 0 {
		r.RedactedTypes = append(r.RedactedTypes, typ)
	}
	r.Counts[typ] += n
	r.RedactedCount += n
}

// Scan redacts payment cards, SSNs, emails and phone numbers from text, in
// that order. Cards run first because their digit runs overlap phone
// numbers; a span consumed as a card is never reported again as a phone.
func Scan(text string) RedactionResult {
	res := RedactionResult{Text: text}
	if text == "" {
		return res
	}

	var n int
	res.Text, n = replaceMatches(res.Text, cardPattern, isCard)
	res.add(TypeCreditCard, n)

	res.Text, n = replaceMatches(res.Text, ssnPattern, isSSN)
	res.add(TypeSSN, n)

	res.Text, n = replaceMatches(res.Text, emailPattern, nil)
	res.add(TypeEmail, n)

	res.Text, n = replaceMatches(res.Text, phonePattern, isPhone)
	res.add(TypePhone, n)

	return res
}

// replaceMatches replaces every match of re accepted by keep with the
// placeholder. A nil keep accepts all matches.
func replaceMatches(text string, re *regexp.Regexp, keep func(text string, start, end int) bool) (string, int) {
	locs := re.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return text, 0
	}

	var (
		b    strings.Builder
		last int
		n    int
	)
	for _, loc := range locs {
		start, end := loc[0], loc[1]
		if keep != nil && !keep(text, start, end) {
			continue
		}
		if n == 0 {
			b.Grow(len(text))
		}
		b.WriteString(text[last:start])
		b.WriteString(Placeholder)
		last = end
		n++
	}
	if n == 0 {
		return text, 0
	}
	b.WriteString(text[last:])
	return b.String(), n
}

// isCard accepts Luhn-valid digit runs, and any run written with separators
// even when the checksum fails.
func isCard(text string, start, end int) bool {
	match := text[start:end]
	return Luhn(digitsOf(match)) || cardFormatted.MatchString(match)
}

// isSSN rejects area 000, 666 and 900-999, group 00 and serial 0000.
func isSSN(text string, start, end int) bool {
	d := digitsOf(text[start:end])
	if len(d) != 9 {
		return false
	}
	area, group, serial := d[:3], d[3:5], d[5:]
	if area == "000" || area == "666" || area[0] == '9' {
		return false
	}
	return group != "00" && serial != "0000"
}

// isPhone rejects matches that are the tail of a longer digit run.
func isPhone(text string, start, _ int) bool {
	if start == 0 {
		return true
	}
	c := text[start-1]
	return c < '0' || c > '9'
}

func digitsOf(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if c := s[i]; c >= '0' && c <= '9' {
			b.WriteByte(c)
		}
	}
	return b.String()
}
