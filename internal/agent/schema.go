package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const actionSchema = `{
  "type": "object",
  "required": ["action", "fragment"],
  "properties": {
    "type": {"const": "action"},
    "action": {"type": "string", "minLength": 1, "maxLength": 40},
    "fragment": {"type": "string", "maxLength": 20000},
    "fullText": {"type": "string"},
    "lengthMode": {"type": "string", "enum": ["auto", "brief", "medium", "detailed", "breve", "media", "detallada"]},
    "temperature": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`

const promptSchema = `{
  "type": "object",
  "required": ["prompt"],
  "properties": {
    "type": {"const": "prompt"},
    "prompt": {"type": "string", "minLength": 1, "maxLength": 8000},
    "fullText": {"type": "string"},
    "webEnrichment": {"type": "string", "maxLength": 8000}
  }
}`

const contextSchema = `{
  "type": "object",
  "properties": {
    "fragment": {"type": "string"},
    "fullText": {"type": "string"},
    "lengthMode": {"type": "string", "enum": ["auto", "brief", "medium", "detailed", "breve", "media", "detallada"]},
    "temperature": {"type": "number", "minimum": 0, "maximum": 1},
    "webEnrichment": {"type": "string"},
    "summary": {"type": "string"}
  },
  "additionalProperties": false
}`

const messagesSchema = `{
  "type": "object",
  "required": ["messages"],
  "properties": {
    "messages": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["role", "content"],
        "properties": {
          "id": {"type": "string"},
          "role": {"enum": ["user", "assistant", "steering", "error"]},
          "content": {"type": "string"},
          "timestamp": {"type": "string"}
        }
      }
    }
  }
}`

const appendSchema = `{
  "type": "object",
  "required": ["content"],
  "properties": {
    "content": {"type": "string", "minLength": 1, "maxLength": 20000}
  },
  "additionalProperties": false
}`

// Validators checks inbound event bodies against their JSON schemas.
type Validators struct {
	action   *jsonschema.Schema
	prompt   *jsonschema.Schema
	context  *jsonschema.Schema
	messages *jsonschema.Schema
	inject   *jsonschema.Schema
}

// NewValidators compiles the inbound event schemas.
func NewValidators() (*Validators, error) {
	compile := func(name, src string) (*jsonschema.Schema, error) {
		c := jsonschema.NewCompiler()
		if err := c.AddResource(name, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
		s, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		return s, nil
	}
	var v Validators
	var err error
	if v.action, err = compile("action.json", actionSchema); err != nil {
		return nil, err
	}
	if v.prompt, err = compile("prompt.json", promptSchema); err != nil {
		return nil, err
	}
	if v.context, err = compile("context.json", contextSchema); err != nil {
		return nil, err
	}
	if v.messages, err = compile("messages.json", messagesSchema); err != nil {
		return nil, err
	}
	if v.inject, err = compile("append.json", appendSchema); err != nil {
		return nil, err
	}
	return &v, nil
}

// DecodeAction validates and decodes an action event.
func (v *Validators) DecodeAction(data []byte) (ActionRequest, error) {
	var req ActionRequest
	return req, decodeValid(v.action, data, &req)
}

// DecodePrompt validates and decodes a prompt event.
func (v *Validators) DecodePrompt(data []byte) (PromptRequest, error) {
	var req PromptRequest
	return req, decodeValid(v.prompt, data, &req)
}

// DecodeMessages validates and decodes a transcript replacement.
func (v *Validators) DecodeMessages(data []byte) (MessagesRequest, error) {
	var req MessagesRequest
	return req, decodeValid(v.messages, data, &req)
}

// DecodeAppend validates and decodes an injected tutor message.
func (v *Validators) DecodeAppend(data []byte) (AppendRequest, error) {
	var req AppendRequest
	return req, decodeValid(v.inject, data, &req)
}

// ValidateContext validates a context patch body.
func (v *Validators) ValidateContext(data []byte) error {
	return validate(v.context, data)
}

func validate(s *jsonschema.Schema, data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	return nil
}

func decodeValid(s *jsonschema.Schema, data []byte, v interface{}) error {
	if err := validate(s, data); err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}
