package bus

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// FeatureToggle is one entry of a FeatureMap
type FeatureToggle struct {
	Kind    string
	Enabled bool
}

// FeatureMap is an ordered feature_kind → enabled map. Its JSON form is an
// object whose key order is preserved.
type FeatureMap []FeatureToggle

// Enabled returns the enabled kinds in order
func (m FeatureMap) Enabled() []string {
	var out []string
	for _, t := range m {
		if t.Enabled {
			out = append(out, t.Kind)
		}
	}
	return out
}

// Get reports whether kind is present and enabled
func (m FeatureMap) Get(kind string) (enabled, present bool) {
	for _, t := range m {
		if t.Kind == kind {
			return t.Enabled, true
		}
	}
	return false, false
}

// MarshalJSON writes the map as a JSON object in entry order
func (m FeatureMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, t := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(t.Kind)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		if t.Enabled {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object keeping key order. Later duplicates replace earlier ones in place.
func (m *FeatureMap) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("feature map: expected object")
	}

	out := FeatureMap{}
	index := map[string]int{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("feature map: expected string key")
		}
		var enabled bool
		if err := dec.Decode(&enabled); err != nil {
			return fmt.Errorf("feature map: %s: %w", key, err)
		}
		if i, seen := index[key]; seen {
			out[i].Enabled = enabled
			continue
		}
		index[key] = len(out)
		out = append(out, FeatureToggle{Kind: key, Enabled: enabled})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*m = out
	return nil
}
