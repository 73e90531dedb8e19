package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Tags is a string-to-string tag map stored as a JSON column.
type Tags map[string]string

func (t Tags) Value() (driver.Value, error) {
	if t == nil {
		return "{}", nil
	}
	b, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (t *Tags) Scan(src interface{}) error {
	if src == nil {
		*t = Tags{}
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, t)
	case string:
		return json.Unmarshal([]byte(v), t)
	}
	return fmt.Errorf("tags: unsupported scan type %T", src)
}

// Factors holds the named sub-score breakdown of a derived score.
type Factors map[string]float64

func (f Factors) Value() (driver.Value, error) {
	if f == nil {
		return "{}", nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (f *Factors) Scan(src interface{}) error {
	if src == nil {
		*f = Factors{}
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, f)
	case string:
		return json.Unmarshal([]byte(v), f)
	}
	return fmt.Errorf("factors: unsupported scan type %T", src)
}
