package workflow

import (
	"encoding/json"
	"fmt"
)

// ParamKind tags the variant held by a ParamValue.
type ParamKind string

const (
	ParamString  ParamKind = "string"
	ParamNumber  ParamKind = "number"
	ParamBoolean ParamKind = "boolean"
	ParamFile    ParamKind = "file"
)

// FileRef points at an uploaded file used as a node parameter.
type FileRef struct {
	Name     string `json:"name"`
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ParamValue is a tagged union of the value types a node parameter may hold.
// Only the field matching Kind is meaningful.
type ParamValue struct {
	Kind ParamKind
	Str  string
	Num  float64
	Bool bool
	File *FileRef
}

func StringParam(s string) ParamValue { return ParamValue{Kind: ParamString, Str: s} }
func NumberParam(n float64) ParamValue { return ParamValue{Kind: ParamNumber, Num: n} }
func BoolParam(b bool) ParamValue { return ParamValue{Kind: ParamBoolean, Bool: b} }
func FileParam(f FileRef) ParamValue { return ParamValue{Kind: ParamFile, File: &f} }

// Value returns the held value as a plain Go value for mock payloads.
func (p ParamValue) Value() any {
	switch p.Kind {
	case ParamString:
		return p.Str
	case ParamNumber:
		return p.Num
	case ParamBoolean:
		return p.Bool
	case ParamFile:
		if p.File == nil {
			return nil
		}
		return p.File.Name
	default:
		return nil
	}
}

func (p ParamValue) clone() ParamValue {
	if p.File != nil {
		f := *p.File
		p.File = &f
	}
	return p
}

type paramEnvelope struct {
	Type  ParamKind       `json:"type"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes the value as {"type": kind, "value": ...}.
func (p ParamValue) MarshalJSON() ([]byte, error) {
	var v any
	switch p.Kind {
	case ParamString:
		v = p.Str
	case ParamNumber:
		v = p.Num
	case ParamBoolean:
		v = p.Bool
	case ParamFile:
		if p.File == nil {
			return nil, fmt.Errorf("file parameter has no file reference")
		}
		v = p.File
	default:
		return nil, fmt.Errorf("unknown parameter type %q", p.Kind)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(paramEnvelope{Type: p.Kind, Value: raw})
}

// UnmarshalJSON decodes the {"type", "value"} envelope, rejecting mismatched values.
func (p *ParamValue) UnmarshalJSON(data []byte) error {
	var env paramEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	out := ParamValue{Kind: env.Type}
	var err error
	switch env.Type {
	case ParamString:
		err = json.Unmarshal(env.Value, &out.Str)
	case ParamNumber:
		err = json.Unmarshal(env.Value, &out.Num)
	case ParamBoolean:
		err = json.Unmarshal(env.Value, &out.Bool)
	case ParamFile:
		var f FileRef
		err = json.Unmarshal(env.Value, &f)
		if err == nil && f.URI == "" {
			err = fmt.Errorf("file uri is required")
		}
		out.File = &f
	default:
		return fmt.Errorf("unknown parameter type %q", env.Type)
	}
	if err != nil {
		return fmt.Errorf("parameter of type %s: %w", env.Type, err)
	}
	*p = out
	return nil
}
