package eval

const configurationSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["flags"],
  "properties": {
    "version": {"type": "string"},
    "flags": {
      "type": "object",
      "additionalProperties": {"$ref": "#/definitions/flag"}
    }
  },
  "definitions": {
    "flag": {
      "type": "object",
      "required": ["state", "variants"],
      "properties": {
        "state": {"enum": ["ENABLED", "DISABLED"]},
        "variants": {
          "type": "object",
          "minProperties": 1,
          "additionalProperties": {"type": ["boolean", "string", "number"]}
        },
        "defaultVariant": {"type": "string"},
        "targeting": {"type": "object"},
        "metadata": {"type": "object"}
      }
    }
  }
}`
