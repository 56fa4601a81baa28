package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const interceptSchema = `{
  "type": "object",
  "required": ["sender", "recipient", "content"],
  "additionalProperties": false,
  "properties": {
    "sender":    {"type": "string", "minLength": 1, "maxLength": 256},
    "recipient": {"type": "string", "minLength": 1, "maxLength": 256},
    "content":   {"type": "string", "minLength": 1},
    "timestamp": {"type": "string", "format": "date-time"}
  }
}`

const controlSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "reason": {"type": "string", "maxLength": 1024}
  }
}`

const baselineSchema = `{
  "type": "object",
  "required": ["content"],
  "additionalProperties": false,
  "properties": {
    "content": {"type": "string", "minLength": 1}
  }
}`

var errBodyTooLarge = errors.New("request body too large")

// schemas holds the compiled request schemas.
type schemas struct {
	intercept *jsonschema.Schema
	control   *jsonschema.Schema
	baseline  *jsonschema.Schema
}

func compileSchemas() (*schemas, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	compile := func(name, src string) (*jsonschema.Schema, error) {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
		if err := c.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
		return c.Compile(name)
	}

	var s schemas
	var err error
	if s.intercept, err = compile("intercept.json", interceptSchema); err != nil {
		return nil, err
	}
	if s.control, err = compile("control.json", controlSchema); err != nil {
		return nil, err
	}
	if s.baseline, err = compile("baseline.json", baselineSchema); err != nil {
		return nil, err
	}
	return &s, nil
}

// decodeValidated reads a bounded JSON body, validates it against the
// schema and decodes it into v. An empty body is treated as {} when
// allowEmpty is set.
func decodeValidated(r *http.Request, limit int64, sch *jsonschema.Schema, v any, allowEmpty bool) error {
	defer func() { _ = r.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > limit {
		return errBodyTooLarge
	}
	if len(bytes.TrimSpace(body)) == 0 {
		if allowEmpty {
			return nil
		}
		return errors.New("request body is required")
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return schemaError(err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// schemaError flattens a validation error into a single line.
func schemaError(err error) error {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err
	}
	lines := strings.Split(ve.Error(), "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines[1:] {
		if l = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(l), "-")); l != "" {
			out = append(out, l)
		}
	}
	if len(out) == 0 {
		return errors.New("request body does not match schema")
	}
	return errors.New(strings.Join(out, "; "))
}
