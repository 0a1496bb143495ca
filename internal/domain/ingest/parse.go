package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/labbridge/internal/domain/device"
	"github.com/ehr/labbridge/internal/platform/hl7v2"
)

// Parsed is one analyzer message reduced to the results it reports.
type Parsed struct {
	ControlID  string
	PatientRef string
	Results    []Result
	// HL7 is set for hl7v2 messages so the MLLP listener can ACK them.
	HL7 *hl7v2.Message
}

// Result is one reported value. Err is set when this result alone could
// not be read; its siblings are unaffected.
type Result struct {
	SampleID       string
	NativeCode     string
	NativeName     string
	Value          string
	Unit           string
	ReferenceRange string
	AbnormalFlag   string
	Preliminary    bool
	ObservedAt     *time.Time
	Err            string
}

// ScriptRunner executes a named parse script and returns the JSON shape
// accepted by parseJSON.
type ScriptRunner interface {
	Run(ctx context.Context, name string, raw []byte) ([]byte, error)
}

var errNoScripts = errors.New("no script engine configured")

const errMissingSample = "missing sample identifier"

// parse dispatches on the device protocol. An error means the message as a
// whole is unusable and must be rejected.
func parse(ctx context.Context, d *device.Device, raw []byte, scripts ScriptRunner) (*Parsed, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errors.New("empty message")
	}
	switch d.Protocol {
	case device.ProtocolHL7v2, "":
		return parseHL7(raw)
	case device.ProtocolJSON:
		return parseJSON(raw)
	case device.ProtocolScript:
		if scripts == nil {
			return nil, errNoScripts
		}
		name := ""
		if d.ParserScript != nil {
			name = *d.ParserScript
		}
		out, err := scripts.Run(ctx, name, raw)
		if err != nil {
			return nil, err
		}
		return parseJSON(out)
	}
	return nil, fmt.Errorf("unsupported protocol %q", d.Protocol)
}

func parseHL7(raw []byte) (*Parsed, error) {
	msg, err := hl7v2.Parse(raw)
	if err != nil {
		return nil, err
	}
	res, err := hl7v2.ExtractResults(msg)
	if err != nil {
		return &Parsed{ControlID: msg.ControlID, HL7: msg}, err
	}
	p := &Parsed{ControlID: msg.ControlID, PatientRef: res.PatientRef, HL7: msg}
	for _, g := range res.Groups {
		for _, obs := range g.Observations {
			r := Result{
				SampleID:       g.SampleID,
				NativeCode:     obs.Code,
				NativeName:     obs.Name,
				Value:          obs.Value,
				Unit:           obs.Unit,
				ReferenceRange: obs.ReferenceRange,
				AbnormalFlag:   obs.AbnormalFlag,
				Preliminary:    obs.ResultStatus == "P",
				ObservedAt:     obs.ObservedAt,
			}
			switch {
			case r.SampleID == "":
				r.Err = errMissingSample
			case r.NativeCode == "":
				r.Err = fmt.Sprintf("OBX-%s: missing observation identifier", obs.SetID)
			case obs.ValueType == "NM":
				if _, err := strconv.ParseFloat(r.Value, 64); err != nil {
					r.Err = fmt.Sprintf("OBX-%s %s: value %q is not numeric", obs.SetID, r.NativeCode, r.Value)
				}
			}
			p.Results = append(p.Results, r)
		}
	}
	if len(p.Results) == 0 {
		return p, errors.New("message carries no OBX results")
	}
	return p, nil
}

type jsonMessage struct {
	ControlID string       `json:"control_id"`
	SampleID  string       `json:"sample_id"`
	PatientID string       `json:"patient_id"`
	Results   []jsonResult `json:"results"`
}

type jsonResult struct {
	SampleID       string          `json:"sample_id"`
	Code           string          `json:"code"`
	Name           string          `json:"name"`
	Value          json.RawMessage `json:"value"`
	Unit           string          `json:"unit"`
	ReferenceRange string          `json:"reference_range"`
	Flag           string          `json:"flag"`
	Status         string          `json:"status"`
	ObservedAt     string          `json:"observed_at"`
}

func parseJSON(raw []byte) (*Parsed, error) {
	var m jsonMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if len(m.Results) == 0 {
		return nil, errors.New("message carries no results")
	}
	p := &Parsed{ControlID: strings.TrimSpace(m.ControlID), PatientRef: strings.TrimSpace(m.PatientID)}
	for i, jr := range m.Results {
		r := Result{
			SampleID:       strings.TrimSpace(jr.SampleID),
			NativeCode:     strings.TrimSpace(jr.Code),
			NativeName:     jr.Name,
			Unit:           jr.Unit,
			ReferenceRange: jr.ReferenceRange,
			AbnormalFlag:   jr.Flag,
			Preliminary:    isPreliminary(jr.Status),
		}
		if r.SampleID == "" {
			r.SampleID = strings.TrimSpace(m.SampleID)
		}
		value, err := jsonValue(jr.Value)
		r.Value = value
		switch {
		case r.SampleID == "":
			r.Err = fmt.Sprintf("result %d: %s", i+1, errMissingSample)
		case r.NativeCode == "":
			r.Err = fmt.Sprintf("result %d: code is required", i+1)
		case err != nil:
			r.Err = fmt.Sprintf("result %d %s: %v", i+1, r.NativeCode, err)
		}
		if jr.ObservedAt != "" {
			if ts, err := time.Parse(time.RFC3339, jr.ObservedAt); err == nil {
				r.ObservedAt = &ts
			}
		}
		p.Results = append(p.Results, r)
	}
	return p, nil
}

// jsonValue accepts a JSON string or number.
func jsonValue(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "", errors.New("value is missing")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("value must be a string or number")
	}
	return n.String(), nil
}

func isPreliminary(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "p", "preliminary":
		return true
	}
	return false
}
