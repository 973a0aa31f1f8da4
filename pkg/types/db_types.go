package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSON is a free-form object column, stored as text so it works on SQLite and PostgreSQL
type JSON map[string]any

// Value implements the driver.Valuer interface for JSON
func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements the sql.Scanner interface for JSON
func (j *JSON) Scan(value any) error {
	if value == nil {
		*j = JSON{}
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("cannot scan %T into JSON", value)
	}

	if len(data) == 0 {
		*j = JSON{}
		return nil
	}

	return json.Unmarshal(data, j)
}

// GetString returns the string stored under key, or "" when absent or not a string
func (j JSON) GetString(key string) string {
	if s, ok := j[key].(string); ok {
		return s
	}
	return ""
}
