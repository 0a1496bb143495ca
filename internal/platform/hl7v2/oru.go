package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

// Observation is one OBX segment with escape sequences resolved.
type Observation struct {
	SetID          string // OBX-1
	ValueType      string // OBX-2
	Code           string // OBX-3.1
	Name           string // OBX-3.2
	Value          string // OBX-5
	Unit           string // OBX-6.1
	ReferenceRange string // OBX-7
	AbnormalFlag   string // OBX-8
	ResultStatus   string // OBX-11
	ObservedAt     *time.Time
}

// OrderGroup is an OBR with its observations and the specimen they came from.
type OrderGroup struct {
	SampleID     string
	Observations []Observation
}

// Results is the content of an ORU^R01 relevant to result staging.
type Results struct {
	PatientRef string
	Groups     []OrderGroup
}

// ExtractResults walks an ORU^R01 message. The sample id of a group is
// SPM-2 when a specimen segment is present, else OBR-3 (filler number),
// else OBR-2 (placer number), else empty.
func ExtractResults(m *Message) (*Results, error) {
	if !strings.HasPrefix(m.Type, "ORU") {
		return nil, fmt.Errorf("hl7v2: unsupported message type %q, expected ORU^R01", m.Type)
	}
	enc := m.Encoding()
	res := &Results{PatientRef: enc.Unescape(m.PatientID())}

	var cur *OrderGroup
	var specimen string
	flush := func() {
		if cur == nil {
			return
		}
		if specimen != "" {
			cur.SampleID = specimen
		}
		res.Groups = append(res.Groups, *cur)
	}

	for i := range m.Segments {
		seg := &m.Segments[i]
		switch seg.Name {
		case "OBR":
			flush()
			specimen = ""
			cur = &OrderGroup{SampleID: firstNonEmpty(seg.GetComponent(3, 1), seg.GetComponent(2, 1))}
		case "SPM":
			if cur == nil {
				return nil, fmt.Errorf("hl7v2: SPM segment before any OBR")
			}
			specimen = firstNonEmpty(seg.GetComponent(2, 1), seg.GetComponent(2, 2))
		case "OBX":
			if cur == nil {
				return nil, fmt.Errorf("hl7v2: OBX segment before any OBR")
			}
			cur.Observations = append(cur.Observations, observation(seg, enc))
		}
	}
	flush()

	if len(res.Groups) == 0 {
		return nil, fmt.Errorf("hl7v2: message has no OBR segments")
	}
	// A group without any sample identifier is kept with an empty SampleID;
	// callers decide what to do with its observations.
	for i, g := range res.Groups {
		res.Groups[i].SampleID = enc.Unescape(g.SampleID)
	}
	return res, nil
}

func observation(seg *Segment, enc Encoding) Observation {
	obs := Observation{
		SetID:          seg.GetField(1),
		ValueType:      strings.ToUpper(strings.TrimSpace(seg.GetField(2))),
		Code:           enc.Unescape(strings.TrimSpace(seg.GetComponent(3, 1))),
		Name:           enc.Unescape(seg.GetComponent(3, 2)),
		Value:          enc.Unescape(strings.TrimSpace(seg.GetField(5))),
		Unit:           enc.Unescape(seg.GetComponent(6, 1)),
		ReferenceRange: enc.Unescape(seg.GetField(7)),
		AbnormalFlag:   seg.GetField(8),
		ResultStatus:   strings.ToUpper(strings.TrimSpace(seg.GetField(11))),
	}
	if ts, err := ParseTimestamp(seg.GetField(14)); err == nil {
		obs.ObservedAt = &ts
	}
	return obs
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
