// Package protocol defines the control frames exchanged with live clients.
// Audio travels as raw binary frames and is not described here.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	schemagen "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	TypeInterrupt = "INTERRUPT"
	TypeNewTurn   = "NEW_TURN"
	TypeWarning   = "WARNING"
)

// Warning codes sent to clients.
const (
	WarningDraining = "draining"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if e.Param != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Param)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// ClientControl is the shape every inbound text frame must have.
type ClientControl struct {
	Type string `json:"type" jsonschema:"required,enum=INTERRUPT,description=Control message type"`
}

// ClientInterrupt asks the server to cut the assistant reply immediately.
type ClientInterrupt struct {
	Type string `json:"type"`
}

// ServerNewTurn tells the client that earlier audio is obsolete and any
// buffered playback should be discarded.
type ServerNewTurn struct {
	Type string `json:"type"`
}

type ServerWarning struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func NewTurn() ServerNewTurn {
	return ServerNewTurn{Type: TypeNewTurn}
}

func Warning(code, message string) ServerWarning {
	return ServerWarning{Type: TypeWarning, Code: code, Message: message}
}

const clientControlSchemaURL = "vai-live://client-control.json"

var clientControlSchema = sync.OnceValues(compileClientControlSchema)

// ClientControlSchema returns the JSON Schema document generated from
// ClientControl.
func ClientControlSchema() ([]byte, error) {
	reflector := schemagen.Reflector{DoNotReference: true, Anonymous: true, AllowAdditionalProperties: true}
	return json.Marshal(reflector.Reflect(&ClientControl{}))
}

func compileClientControlSchema() (*jsonschema.Schema, error) {
	raw, err := ClientControlSchema()
	if err != nil {
		return nil, fmt.Errorf("generate client control schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(clientControlSchemaURL, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(clientControlSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// DecodeClientMessage parses one inbound text frame.
func DecodeClientMessage(data []byte) (any, error) {
	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	obj, ok := payload.(map[string]any)
	if !ok {
		return nil, badRequest("frame must be a json object", "")
	}
	typ, _ := obj["type"].(string)
	typ = strings.TrimSpace(typ)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}
	if typ != TypeInterrupt {
		return nil, unsupported("unsupported message type", "type")
	}

	schema, err := clientControlSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(payload); err != nil {
		return nil, badRequest(err.Error(), "")
	}
	return ClientInterrupt{Type: TypeInterrupt}, nil
}
