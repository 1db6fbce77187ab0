// Package prescription reads and writes the medicines field of a visit:
//
//	<generic> [<brand>] (<frequency>, <time>, <amount>); <generic> [...] (...)
//
// Parsing never fails. Lines that do not follow the format come back with
// whatever fields could be recovered and a Malformed status.
package prescription

import (
	"regexp"
	"strings"
)

// Status tags how completely a segment matched the line format.
type Status int

const (
	Parsed Status = iota
	Malformed
)

func (s Status) String() string {
	if s == Parsed {
		return "parsed"
	}
	return "malformed"
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the text form written by MarshalText. Anything other
// than "parsed" reads back as Malformed.
func (s *Status) UnmarshalText(text []byte) error {
	if string(text) == "parsed" {
		*s = Parsed
	} else {
		*s = Malformed
	}
	return nil
}

// Line is one prescribed medicine. Generic and Brand are kept as written;
// catalog matching normalises them later. Amount is the prescribed amount,
// shown to the pharmacist but never used as the dispense quantity.
type Line struct {
	Generic   string `json:"generic"`
	Brand     string `json:"brand"`
	Frequency string `json:"frequency"`
	TimeOfDay string `json:"time_of_day"`
	Amount    string `json:"amount"`
	Raw       string `json:"raw"`
	Status    Status `json:"status"`
}

var (
	brandPattern    = regexp.MustCompile(`\[([^\]]*)\]`)
	posologyPattern = regexp.MustCompile(`\(([^)]*)\)`)
)

// ParseLine decodes one segment. A segment is Parsed when it has a name and a
// parenthesised group of exactly three comma-separated parts, and any opening
// bracket is closed. Everything else is Malformed with partial fields.
func ParseLine(segment string) (Line, Status) {
	text := strings.TrimSpace(segment)
	line := Line{Raw: text, Status: Malformed}

	if m := brandPattern.FindStringSubmatch(text); m != nil {
		line.Brand = strings.TrimSpace(m[1])
	}

	name := text
	if i := strings.IndexByte(name, '['); i >= 0 {
		name = name[:i]
	} else if i := strings.IndexByte(name, '('); i >= 0 {
		name = name[:i]
	}
	line.Generic = strings.TrimSpace(name)

	posology := false
	if m := posologyPattern.FindStringSubmatch(text); m != nil {
		if parts := strings.Split(m[1], ","); len(parts) == 3 {
			line.Frequency = strings.TrimSpace(parts[0])
			line.TimeOfDay = strings.TrimSpace(parts[1])
			line.Amount = strings.TrimSpace(parts[2])
			posology = true
		}
	}

	bracketsClosed := strings.Count(text, "[") == strings.Count(text, "]")
	if posology && bracketsClosed && (line.Generic != "" || line.Brand != "") {
		line.Status = Parsed
	}
	return line, line.Status
}

// ParseMedicines splits a medicines field on ";" and parses each non-blank
// segment, keeping their order.
func ParseMedicines(text string) []Line {
	var lines []Line
	for _, seg := range strings.Split(text, ";") {
		if strings.TrimSpace(seg) == "" {
			continue
		}
		line, _ := ParseLine(seg)
		lines = append(lines, line)
	}
	return lines
}

// Delimiters of the format are removed from values on the way out so a value
// cannot split or truncate the line it is written into.
var (
	nameReplacer     = strings.NewReplacer(";", " ", "[", "", "]", "", "(", "", ")", "")
	posologyReplacer = strings.NewReplacer(";", " ", ",", " ", "(", " ", ")", " ")
)

func clean(r *strings.Replacer, s string) string {
	return strings.Join(strings.Fields(r.Replace(s)), " ")
}

// Format writes lines back into the medicines field format. The brand
// bracket is left out when the brand is empty.
func Format(lines []Line) string {
	parts := make([]string, 0, len(lines))
	for _, l := range lines {
		generic := clean(nameReplacer, l.Generic)
		brand := clean(nameReplacer, l.Brand)
		if generic == "" && brand == "" {
			continue
		}
		var b strings.Builder
		b.WriteString(generic)
		if brand != "" {
			b.WriteString(" [")
			b.WriteString(brand)
			b.WriteString("]")
		}
		b.WriteString(" (")
		b.WriteString(clean(posologyReplacer, l.Frequency))
		b.WriteString(", ")
		b.WriteString(clean(posologyReplacer, l.TimeOfDay))
		b.WriteString(", ")
		b.WriteString(clean(posologyReplacer, l.Amount))
		b.WriteString(")")
		parts = append(parts, strings.TrimSpace(b.String()))
	}
	return strings.Join(parts, "; ")
}
