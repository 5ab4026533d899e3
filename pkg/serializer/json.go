package serializer

import "encoding/json"

// JSONSerializer is the default Serializer, used unless the caller supplies
// their own codec.
type JSONSerializer struct{}

// NewJSONSerializer constructs the default serializer.
func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{}
}

// Serialize marshals doc to its JSON encoding.
func (JSONSerializer) Serialize(doc any) ([]byte, error) {
	return json.Marshal(doc)
}

// Deserialize unmarshals data into out, which must be a pointer.
func (JSONSerializer) Deserialize(data []byte, out any) error {
	return json.Unmarshal(data, out)
}
