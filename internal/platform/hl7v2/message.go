package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

// Message is a parsed HL7v2 message. Only the MSH fields the bridge
// routes on are lifted out; everything else is reachable via Segments.
type Message struct {
	Type         string // MSH-9, e.g. "ORU^R01"
	ControlID    string // MSH-10
	Version      string // MSH-12
	Timestamp    time.Time
	SendingApp   string // MSH-3
	SendingFac   string // MSH-4
	ReceivingApp string // MSH-5
	ReceivingFac string // MSH-6
	Segments     []Segment

	enc Encoding
}

// Encoding holds the delimiters declared in MSH-1 and MSH-2.
type Encoding struct {
	Field        byte
	Component    byte
	Repetition   byte
	Escape       byte
	Subcomponent byte
}

var DefaultEncoding = Encoding{Field: '|', Component: '^', Repetition: '~', Escape: '\\', Subcomponent: '&'}

type Segment struct {
	Name   string
	Fields []Field
}

// Field keeps the raw value plus its repetitions split into components.
type Field struct {
	Value      string
	Components []string
	Repeats    [][]string
}

// Parse reads an HL7v2 message. Segments may be separated by \r, \n or
// \r\n; delimiters are taken from the MSH header rather than assumed.
func Parse(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("hl7v2: message is empty")
	}

	text := strings.ReplaceAll(string(raw), "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	var lines []string
	for _, line := range strings.Split(text, "\r") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("hl7v2: no segments found")
	}
	if !strings.HasPrefix(lines[0], "MSH") || len(lines[0]) < 8 {
		return nil, fmt.Errorf("hl7v2: first segment must be MSH, got %q", lines[0][:min(3, len(lines[0]))])
	}

	enc := Encoding{
		Field:        lines[0][3],
		Component:    lines[0][4],
		Repetition:   lines[0][5],
		Escape:       lines[0][6],
		Subcomponent: lines[0][7],
	}
	msg := &Message{enc: enc}
	for _, line := range lines {
		seg, err := parseSegment(line, enc)
		if err != nil {
			return nil, fmt.Errorf("hl7v2: %w", err)
		}
		msg.Segments = append(msg.Segments, seg)
	}

	msh := &msg.Segments[0]
	msg.SendingApp = msh.GetField(3)
	msg.SendingFac = msh.GetField(4)
	msg.ReceivingApp = msh.GetField(5)
	msg.ReceivingFac = msh.GetField(6)
	if ts, err := ParseTimestamp(msh.GetField(7)); err == nil {
		msg.Timestamp = ts
	}
	msg.Type = msh.GetField(9)
	msg.ControlID = msh.GetField(10)
	msg.Version = msh.GetField(12)
	return msg, nil
}

func parseSegment(line string, enc Encoding) (Segment, error) {
	if len(line) < 3 {
		return Segment{}, fmt.Errorf("segment too short: %q", line)
	}
	sep := string(enc.Field)

	if strings.HasPrefix(line, "MSH") {
		// MSH-1 is the separator itself and MSH-2 must not be split.
		parts := strings.Split(line[4:], sep)
		seg := Segment{Name: "MSH", Fields: []Field{{Value: sep, Components: []string{sep}}}}
		seg.Fields = append(seg.Fields, Field{Value: parts[0], Components: []string{parts[0]}})
		for _, p := range parts[1:] {
			seg.Fields = append(seg.Fields, parseField(p, enc))
		}
		return seg, nil
	}

	name, rest, _ := strings.Cut(line, sep)
	seg := Segment{Name: name}
	if rest != "" {
		for _, p := range strings.Split(rest, sep) {
			seg.Fields = append(seg.Fields, parseField(p, enc))
		}
	}
	return seg, nil
}

func parseField(raw string, enc Encoding) Field {
	f := Field{Value: raw}
	for _, rep := range strings.Split(raw, string(enc.Repetition)) {
		f.Repeats = append(f.Repeats, strings.Split(rep, string(enc.Component)))
	}
	f.Components = f.Repeats[0]
	return f
}

// ParseTimestamp accepts the DTM precisions analyzers send in practice,
// with an optional +/-ZZZZ offset. Times without an offset are UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "+-"); i > 0 {
		if t, err := time.Parse("20060102150405-0700", padSeconds(s[:i])+s[i:]); err == nil {
			return t, nil
		}
		s = s[:i]
	}
	if dot := strings.IndexByte(s, '.'); dot > 0 {
		s = s[:dot]
	}
	switch {
	case len(s) >= 14:
		return time.Parse("20060102150405", s[:14])
	case len(s) >= 12:
		return time.Parse("200601021504", s[:12])
	case len(s) >= 8:
		return time.Parse("20060102", s[:8])
	}
	return time.Time{}, fmt.Errorf("hl7v2: unrecognized timestamp %q", s)
}

func padSeconds(s string) string {
	if dot := strings.IndexByte(s, '.'); dot > 0 {
		s = s[:dot]
	}
	for len(s) < 14 {
		s += "0"
	}
	return s[:14]
}

// GetSegment returns the first segment named name, or nil.
func (m *Message) GetSegment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

func (m *Message) GetSegments(name string) []Segment {
	var out []Segment
	for _, seg := range m.Segments {
		if seg.Name == name {
			out = append(out, seg)
		}
	}
	return out
}

// Encoding returns the delimiters the sender declared.
func (m *Message) Encoding() Encoding {
	return m.enc
}

// GetField returns the raw value of field index using HL7 numbering. For
// MSH that means Fields[0] is MSH-1, the field separator.
func (s *Segment) GetField(index int) string {
	idx := index - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	return s.Fields[idx].Value
}

// GetComponent returns component comp of field index, both 1-based.
func (s *Segment) GetComponent(index, comp int) string {
	idx := index - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	c := s.Fields[idx].Components
	if comp < 1 || comp > len(c) {
		return ""
	}
	return c[comp-1]
}

// PatientID returns PID-3.1.
func (m *Message) PatientID() string {
	if pid := m.GetSegment("PID"); pid != nil {
		return pid.GetComponent(3, 1)
	}
	return ""
}

// Unescape resolves the standard HL7 escape sequences (\F\ \S\ \T\ \R\ \E\)
// using the message's delimiters. Unknown sequences are kept verbatim.
func (e Encoding) Unescape(s string) string {
	esc := string(e.Escape)
	if !strings.Contains(s, esc) {
		return s
	}
	var b strings.Builder
	for {
		start := strings.Index(s, esc)
		if start < 0 {
			b.WriteString(s)
			return b.String()
		}
		end := strings.Index(s[start+1:], esc)
		if end < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:start])
		seq := s[start+1 : start+1+end]
		switch seq {
		case "F":
			b.WriteByte(e.Field)
		case "S":
			b.WriteByte(e.Component)
		case "T":
			b.WriteByte(e.Subcomponent)
		case "R":
			b.WriteByte(e.Repetition)
		case "E":
			b.WriteByte(e.Escape)
		default:
			b.WriteString(esc + seq + esc)
		}
		s = s[start+2+end:]
	}
}
