package dicom

import (
	"encoding/json"
	"fmt"
	"strings"
)

// jsonElement is one entry of the DICOM JSON model (PS3.18 Annex F): a
// bare-bones {"vr": "...", "Value": [...]} object keyed by tag.
type jsonElement struct {
	VR    string `json:"vr"`
	Value []any  `json:"Value,omitempty"`
}

// MarshalJSON encodes a dataset as a DICOM JSON object: keys are
// "GGGGEEEE" tags, values are {vr, Value} per PS3.18 Annex F. Elements with
// binary values (OB/OW/UN/...) keep their "vr" entry but carry no "Value":
// the bytes are neither base64-inlined nor referenced as bulk data.
func (d *Dataset) MarshalJSON() ([]byte, error) {
	out := make(map[string]jsonElement, len(d.Elements))
	for tag, elem := range d.Elements {
		key := fmt.Sprintf("%04X%04X", tag.Group, tag.Element)
		out[key] = jsonElement{VR: elem.VR, Value: jsonValues(elem)}
	}
	return json.Marshal(out)
}

func jsonValues(elem *Element) []any {
	switch v := elem.Value.(type) {
	case nil:
		return nil
	case string:
		return stringValues(elem.VR, v)
	case []string:
		values := make([]any, len(v))
		for i, s := range v {
			values[i] = jsonScalar(elem.VR, s)
		}
		return values
	case []byte:
		return nil
	default:
		return []any{v}
	}
}

func stringValues(vr, raw string) []any {
	if raw == "" {
		return []any{}
	}
	parts := strings.Split(raw, "\\")
	values := make([]any, len(parts))
	for i, p := range parts {
		values[i] = jsonScalar(vr, strings.TrimSpace(p))
	}
	return values
}

// jsonScalar converts one component value to the Go type the DICOM JSON
// model expects for its VR: numeric for IS/DS/FL/FD/SL/SS/UL/US, string
// otherwise.
func jsonScalar(vr, s string) any {
	switch vr {
	case "IS", "SL", "SS", "UL", "US":
		var n int64
		if _, err := fmt.Sscanf(s, "%d", &n); err == nil {
			return n
		}
	case "DS", "FL", "FD":
		var f float64
		if _, err := fmt.Sscanf(s, "%g", &f); err == nil {
			return f
		}
	}
	return s
}
