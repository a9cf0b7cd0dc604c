package httputil

import (
	"bytes"
	"encoding/json"
)

// OptionalString tracks presence and value of a JSON field, which a plain
// *string cannot express. The version argument of dictionary and data
// queries needs all three states:
//   - Present=false: field absent (use the default)
//   - Present=true, Value=nil: field is JSON null
//   - Present=true, Value=&s: field has a value
type OptionalString struct {
	Present bool
	Value   *string
}

// UnmarshalJSON implements json.Unmarshaler. Being called at all means the
// field was present in the JSON.
func (o *OptionalString) UnmarshalJSON(data []byte) error {
	o.Present = true

	if string(bytes.TrimSpace(data)) == "null" {
		o.Value = nil
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	o.Value = &s
	return nil
}
