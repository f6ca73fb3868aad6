package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/shineum/smtp-relay-lite/internal/email"
	"github.com/shineum/smtp-relay-lite/internal/message"
)

const schemaURL = "relay-request.json"

// requestSchema fixes the shape and types of a relay request body.
const requestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["smtp", "email"],
  "properties": {
    "smtp": {
      "type": "object",
      "required": ["host", "port", "secure", "user", "pass"],
      "properties": {
        "host":   {"type": "string", "minLength": 1},
        "port":   {"type": "integer", "minimum": 1, "maximum": 65535},
        "secure": {"type": "boolean"},
        "user":   {"type": "string", "minLength": 1},
        "pass":   {"type": "string", "minLength": 1}
      }
    },
    "email": {
      "type": "object",
      "required": ["to", "subject", "html"],
      "properties": {
        "from":    {"type": ["string", "null"]},
        "to":      {"type": "string", "minLength": 1},
        "subject": {"type": "string"},
        "html":    {"type": "string"}
      }
    }
  }
}`

// Request is a validated relay request.
type Request struct {
	SMTP  email.SMTPConfig `json:"smtp"`
	Email email.Message    `json:"email"`
}

// Validator turns raw request bodies into Requests.
type Validator struct {
	schema   *jsonschema.Schema
	validate *validator.Validate
}

// NewValidator compiles the request schema.
func NewValidator() *Validator {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, strings.NewReader(requestSchema)); err != nil {
		panic(fmt.Sprintf("relay: invalid request schema: %v", err))
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})

	return &Validator{
		schema:   compiler.MustCompile(schemaURL),
		validate: v,
	}
}

// Parse checks the body's shape, then its field values, and applies the
// From default. Every failure is a KindValidation *Error.
func (v *Validator) Parse(body []byte) (*Request, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, validationError("Invalid request body: malformed JSON", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, validationError("Invalid request body: malformed JSON", err)
	}

	if err := v.schema.Validate(doc); err != nil {
		return nil, schemaError(err)
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, decodeError(err)
	}

	if err := v.validate.Struct(req.SMTP); err != nil {
		return nil, validationError("Invalid SMTP configuration: "+describe(err), err)
	}
	if err := v.validate.Struct(req.Email); err != nil {
		return nil, validationError("Invalid email: "+describe(err), err)
	}
	if _, err := message.ParseRecipients(req.Email.To); err != nil {
		return nil, validationError("Invalid email: to contains no recipients", err)
	}

	req.Email.From = req.Email.Sender(req.SMTP)
	return &req, nil
}

// schemaError names the section of the body that failed the schema.
func schemaError(err error) *Error {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return validationError("Invalid request body: "+err.Error(), err)
	}

	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}

	section, field, _ := strings.Cut(strings.TrimPrefix(leaf.InstanceLocation, "/"), "/")
	detail := leaf.Message
	if field != "" {
		detail = field + ": " + detail
	}
	return validationError(category(section)+": "+detail, err)
}

// decodeError reports a value the schema let through but the typed decode
// could not hold, such as a port of 587.0.
func decodeError(err error) *Error {
	var typeErr *json.UnmarshalTypeError
	if !errors.As(err, &typeErr) {
		return validationError("Invalid request body: "+err.Error(), err)
	}
	section, field, _ := strings.Cut(typeErr.Field, ".")
	return validationError(category(section)+": "+field+": expected "+typeErr.Type.String()+", but got "+typeErr.Value, err)
}

func category(section string) string {
	switch section {
	case "smtp":
		return "Invalid SMTP configuration"
	case "email":
		return "Invalid email"
	default:
		return "Invalid request body"
	}
}

// describe renders the first field error in plain words.
func describe(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err.Error()
	}

	fe := fieldErrs[0]
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "min", "max":
		if fe.Kind() == reflect.Int {
			return fe.Field() + " must be between 1 and 65535"
		}
		return fe.Field() + " must be at most " + fe.Param() + " characters"
	default:
		return fe.Field() + " is invalid"
	}
}
