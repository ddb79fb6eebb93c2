// Copyright (c) 2017 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package service

import (
	"encoding/json"
	"fmt"
)

// kind is the expected JSON type of a required field.
type kind int

const (
	kindString kind = iota
	kindNumber
	kindObject
	kindArray
)

func (k kind) String() string {
	switch k {
	case kindString:
		return "string"
	case kindNumber:
		return "number"
	case kindObject:
		return "object"
	case kindArray:
		return "array"
	}
	return "unknown"
}

// schema maps required field names to their expected types.  Fields not
// listed are permitted and ignored.
type schema map[string]kind

// ValidationError identifies the first field that failed structural
// validation.
type ValidationError struct {
	Field string
	Want  kind
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("field %q missing or not a %v", e.Field, e.Want)
}

// Required field schemas, one per event type.
var (
	createBotSchema = schema{
		"id":           kindString,
		"client":       kindString,
		"origin":       kindObject,
		"conversation": kindObject,
		"token":        kindString,
		"locale":       kindString,
	}
	originSchema = schema{
		"id":        kindString,
		"name":      kindString,
		"accent_id": kindNumber,
	}
	// conversation name is an optional property
	conversationSchema = schema{
		"id":      kindString,
		"members": kindArray,
	}
	// member service is an optional property
	memberSchema = schema{
		"id":     kindString,
		"status": kindNumber,
	}
	messageEventSchema = schema{
		"type":         kindString,
		"conversation": kindString,
		"from":         kindString,
		"data":         kindObject,
	}
	// message data is an optional property
	messageAddSchema = schema{
		"sender":    kindString,
		"recipient": kindString,
		"text":      kindString,
	}
	memberChangeSchema = schema{
		"user_ids": kindArray,
	}
	renameSchema = schema{
		"name": kindString,
	}
)

// checkField reports whether v matches the expected kind.  JSON numbers
// arrive as float64 from the generic decoder.
func checkField(v interface{}, k kind) bool {
	switch k {
	case kindString:
		_, ok := v.(string)
		return ok
	case kindNumber:
		_, ok := v.(float64)
		return ok
	case kindObject:
		_, ok := v.(map[string]interface{})
		return ok
	case kindArray:
		_, ok := v.([]interface{})
		return ok
	}
	return false
}

// validate checks obj against a declared schema, returning a typed error
// naming the first offending field.
func validate(obj map[string]interface{}, s schema) error {
	for field, k := range s {
		v, found := obj[field]
		if !found || !checkField(v, k) {
			return &ValidationError{Field: field, Want: k}
		}
	}
	return nil
}

func validateCreateBot(body map[string]interface{}) error {
	if err := validate(body, createBotSchema); err != nil {
		return err
	}
	origin := body["origin"].(map[string]interface{})
	if err := validate(origin, originSchema); err != nil {
		return err
	}
	conv := body["conversation"].(map[string]interface{})
	if err := validate(conv, conversationSchema); err != nil {
		return err
	}
	members := conv["members"].([]interface{})
	for _, m := range members {
		mm, ok := m.(map[string]interface{})
		if !ok {
			return &ValidationError{Field: "members", Want: kindObject}
		}
		if err := validate(mm, memberSchema); err != nil {
			return err
		}
	}
	return nil
}

func validateMessageEvent(body map[string]interface{}) error {
	return validate(body, messageEventSchema)
}

// validateEventData checks the nested data object of a message event
// against the schema for its event type.
func validateEventData(data json.RawMessage, s schema) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return &ValidationError{Field: "data", Want: kindObject}
	}
	return validate(m, s)
}
