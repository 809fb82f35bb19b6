package manifest

import (
	"bytes"
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// manifestSchema guards the wire contract with the update service. A payload
// that parses as JSON but misses required fields is ErrManifestInvalid, not
// a transport error.
const manifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "packages"],
  "properties": {
    "version": {"type": "string", "minLength": 1},
    "notes": {"type": "string"},
    "pub_date": {"type": "string"},
    "packages": {
      "type": "object",
      "required": ["full"],
      "properties": {
        "full": {"$ref": "#/$defs/package"},
        "incremental": {
          "oneOf": [{"$ref": "#/$defs/package"}, {"type": "null"}]
        }
      }
    }
  },
  "$defs": {
    "package": {
      "type": "object",
      "required": ["url", "hash", "size"],
      "properties": {
        "url": {"type": "string", "minLength": 1},
        "hash": {"type": "string", "minLength": 1},
        "size": {"type": "integer", "minimum": 0},
        "download_method": {"type": "string", "enum": ["api", "direct"]}
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("manifest.json", manifestSchema)

func validateRaw(raw []byte) error {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return err
	}
	return compiledSchema.Validate(doc)
}
