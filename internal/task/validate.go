// Package task implements optional validation of uploaded task input
// items ahead of storage.
package task

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// ErrSchemaInvalid wraps a schema compilation failure.
var ErrSchemaInvalid = errors.New("invalid json schema")

// ErrItemInvalid wraps an item's schema validation failure.
var ErrItemInvalid = errors.New("item does not match schema")

// ValidateItems checks every item in items against schema, a raw
// JSON-schema document. A nil or empty schema is a no-op (schema
// validation is optional per the task creation contract).
func ValidateItems(schema []byte, items []json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}

	schemaLoader := gojsonschema.NewBytesLoader(schema)

	for i, item := range items {
		result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(item))
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSchemaInvalid, err)
		}

		if !result.Valid() {
			return fmt.Errorf("%w: item %d: %s", ErrItemInvalid, i, describeErrors(result.Errors()))
		}
	}

	return nil
}

func describeErrors(errs []gojsonschema.ResultError) string {
	if len(errs) == 0 {
		return ""
	}

	msg := errs[0].Description()
	if len(errs) > 1 {
		msg = fmt.Sprintf("%s (and %d more)", msg, len(errs)-1)
	}

	return msg
}
