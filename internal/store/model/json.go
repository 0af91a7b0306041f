package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONField wraps an arbitrary value stored as a JSONB column.
type JSONField[T any] struct {
	Data T
}

func MakeJSONField[T any](data T) *JSONField[T] {
	return &JSONField[T]{Data: data}
}

func (j *JSONField[T]) Scan(value any) error {
	if value == nil {
		var zero T
		j.Data = zero
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("unsupported data type for JSONField: %T", value)
	}
	return json.Unmarshal(bytes, &j.Data)
}

func (j JSONField[T]) Value() (driver.Value, error) {
	val, err := json.Marshal(j.Data)
	return string(val), err
}

// JSONMap is a map stored as a JSONB column.
type JSONMap[K comparable, V any] map[K]V

func (m *JSONMap[K, V]) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("unsupported data type for JSONMap: %T", value)
	}
	return json.Unmarshal(bytes, m)
}

func (m JSONMap[K, V]) Value() (driver.Value, error) {
	if m == nil {
		m = JSONMap[K, V]{}
	}
	val, err := json.Marshal(m)
	return string(val), err
}

// JSONSlice is a slice stored as a JSONB column.
type JSONSlice[T any] []T

func (s *JSONSlice[T]) Scan(value any) error {
	if value == nil {
		*s = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("unsupported data type for JSONSlice: %T", value)
	}
	return json.Unmarshal(bytes, s)
}

func (s JSONSlice[T]) Value() (driver.Value, error) {
	if s == nil {
		s = JSONSlice[T]{}
	}
	val, err := json.Marshal(s)
	return string(val), err
}
