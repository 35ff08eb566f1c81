package backend

import (
	"strings"

	"github.com/armadaproject/profiler/internal/profiler/model"
)

const (
	DefaultMeasurementSort = "finish_time,desc"
	DefaultGroupSort       = "count,desc"
)

var (
	MeasurementSortFields = []string{"id", "name", "method", "begin_time", "finish_time", "elapse_time"}
	GroupSortFields       = []string{"name", "method", "count", "min", "max", "avg"}
)

// ParseOrder parses a "<field>[,asc|desc]" sort string. An empty string selects defaultSort.
func ParseOrder(sort string, defaultSort string, fields []string) (*model.Order, error) {
	if strings.TrimSpace(sort) == "" {
		sort = defaultSort
	}
	parts := strings.Split(sort, ",")
	if len(parts) > 2 {
		return nil, &ValidationError{Field: "sort", Value: sort, Message: "expected <field>[,asc|desc]"}
	}

	field := strings.TrimSpace(parts[0])
	if !contains(fields, field) {
		return nil, &ValidationError{
			Field:   "sort",
			Value:   field,
			Message: "unknown sort field, expected one of " + strings.Join(fields, ", "),
		}
	}

	direction := model.DirectionAsc
	if len(parts) == 2 {
		switch strings.ToLower(strings.TrimSpace(parts[1])) {
		case "asc":
			direction = model.DirectionAsc
		case "desc":
			direction = model.DirectionDesc
		default:
			return nil, &ValidationError{Field: "sort", Value: parts[1], Message: "unknown sort direction"}
		}
	}
	return &model.Order{Field: field, Direction: direction}, nil
}

// ValidatePage rejects negative offsets and limits.
func ValidatePage(offset *int, limit *int) error {
	if offset != nil && *offset < 0 {
		return &ValidationError{Field: "offset", Value: *offset, Message: "must not be negative"}
	}
	if limit != nil && *limit < 0 {
		return &ValidationError{Field: "limit", Value: *limit, Message: "must not be negative"}
	}
	return nil
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
