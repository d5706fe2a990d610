package model

import (
	"errors"
	"fmt"
)

// ErrFieldWritten is returned when a draft field is set twice in one traversal.
var ErrFieldWritten = errors.New("draft field already written")

// DraftField names one attribute collected by the wizard.
type DraftField string

const (
	FieldObjective    DraftField = "objective"
	FieldDataType     DraftField = "data_type"
	FieldTimePeriod   DraftField = "time_period"
	FieldFrequency    DraftField = "frequency"
	FieldPrivacy      DraftField = "privacy"
	FieldBusinessCase DraftField = "business_case"
)

// Draft accumulates request attributes while the wizard runs.
type Draft struct {
	Objective    string `json:"objective"`
	DataType     string `json:"data_type"`
	TimePeriod   string `json:"time_period"`
	Frequency    string `json:"frequency"`
	Privacy      string `json:"privacy"`
	BusinessCase string `json:"business_case"`
	RequestID    string `json:"request_id,omitempty"`

	// Written tracks the fields set during the current traversal.
	Written map[DraftField]bool `json:"written,omitempty"`
}

// Set writes field once per traversal.
func (d *Draft) Set(field DraftField, value string) error {
	if d.Written[field] {
		return fmt.Errorf("%w: %s", ErrFieldWritten, field)
	}

	switch field {
	case FieldObjective:
		d.Objective = value
	case FieldDataType:
		d.DataType = value
	case FieldTimePeriod:
		d.TimePeriod = value
	case FieldFrequency:
		d.Frequency = value
	case FieldPrivacy:
		d.Privacy = value
	case FieldBusinessCase:
		d.BusinessCase = value
	default:
		return fmt.Errorf("unknown draft field %q", field)
	}

	if d.Written == nil {
		d.Written = make(map[DraftField]bool)
	}
	d.Written[field] = true
	return nil
}

// Reopen starts a new traversal, keeping the values but unlocking every field.
func (d *Draft) Reopen() {
	d.Written = nil
}

// Clone returns a copy that does not share the Written map.
func (d Draft) Clone() Draft {
	c := d
	if d.Written != nil {
		c.Written = make(map[DraftField]bool, len(d.Written))
		for k, v := range d.Written {
			c.Written[k] = v
		}
	}
	return c
}

// Filters returns the filter line of the review card: granularity and period.
func (d Draft) Filters() []string {
	return []string{d.DataType, d.TimePeriod}
}
