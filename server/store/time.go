package store

import (
	"time"

	"github.com/flowbeaver/flowbeaver/common/models"
)

// TimestampStorageFormat matches models.Time's own internal storage format
// so hand-rolled row structs (runs.row, jobs rows) that store timestamps as
// plain strings stay consistent with models.Time.Value()'s format.
const TimestampStorageFormat = "2006-01-02 15:04:05.999999-07:00"

// ParseStorageTime parses a string in TimestampStorageFormat into a
// models.Time, for stores that scan timestamp columns into plain strings
// rather than relying on models.Time's own Scan (sqlite returns strings;
// postgres returns time.Time, handled directly by models.Time.Scan instead).
func ParseStorageTime(s string) (models.Time, error) {
	t, err := time.Parse(TimestampStorageFormat, s)
	if err != nil {
		return models.Time{}, err
	}
	return models.NewTime(t), nil
}
