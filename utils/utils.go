// Package utils converts between Go structs and the map form that bindings
// consume and executors return.
package utils

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// StructToMap converts a struct, or a pointer to one, into a map keyed by
// its json field names. Nested structs are kept as json.RawMessage so they
// bind as a single JSON value instead of being flattened.
//
// Example:
//
//	type User struct {
//		Username string `json:"username"`
//		Email    string `json:"email"`
//	}
//	doc, err := StructToMap(User{Username: "werle", Email: "joseph@werle.io"})
//	// doc == map[string]any{"username": "werle", "email": "joseph@werle.io"}
func StructToMap[T any](record T) (map[string]any, error) {
	val := reflect.ValueOf(record)
	if !val.IsValid() {
		return nil, fmt.Errorf("input record cannot be nil")
	}
	if val.Kind() == reflect.Ptr {
		if val.IsNil() {
			return nil, fmt.Errorf("input record cannot be a nil pointer to a struct")
		}
		val = val.Elem()
	}
	if val.Kind() != reflect.Struct {
		return nil, fmt.Errorf("input record must be a struct or a pointer to a struct, got %s", val.Kind())
	}

	jsonBytes, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("StructToMap: failed to marshal input record to JSON: %w", err)
	}

	var tempMap map[string]any
	if err := json.Unmarshal(jsonBytes, &tempMap); err != nil {
		return nil, fmt.Errorf("StructToMap: failed to unmarshal JSON to map: %w", err)
	}

	resultMap := make(map[string]any, len(tempMap))
	for key, val := range tempMap {
		if nestedMap, ok := val.(map[string]any); ok {
			nestedBytes, err := json.Marshal(nestedMap)
			if err != nil {
				return nil, fmt.Errorf("StructToMap: error re-marshaling nested map for key '%s': %w", key, err)
			}
			resultMap[key] = json.RawMessage(nestedBytes)
		} else {
			resultMap[key] = val
		}
	}
	return resultMap, nil
}

// MapToStruct decodes a row map into a new T through its json tags. It is the
// inverse of StructToMap and is typically used on executor results.
func MapToStruct[T any](input map[string]any) (T, error) {
	var zero T
	if input == nil {
		return zero, fmt.Errorf("MapToStruct: input map cannot be nil")
	}

	typ := reflect.TypeOf(zero)
	if typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	if typ.Kind() != reflect.Struct {
		return zero, fmt.Errorf("MapToStruct: generic type T must be a struct type (or pointer to struct), got %s", typ.Kind())
	}

	jsonBytes, err := json.Marshal(input)
	if err != nil {
		return zero, fmt.Errorf("MapToStruct: failed to marshal input map to JSON: %w", err)
	}

	var result T
	if err := json.Unmarshal(jsonBytes, &result); err != nil {
		return zero, fmt.Errorf("MapToStruct: failed to unmarshal JSON to target struct: %w", err)
	}
	return result, nil
}
