package api

import (
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/armadaproject/profiler/internal/profiler/model"
)

// Str2Bool converts a boolean-like string, ignoring case.
func Str2Bool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "yes", "1":
		return true, nil
	case "false", "no", "0":
		return false, nil
	}
	return false, errors.Errorf("unknown boolean-like string %q", s)
}

// param returns the last value given for name, as repeated query arguments override earlier ones.
func param(query url.Values, name string) (string, bool) {
	values, ok := query[name]
	if !ok || len(values) == 0 {
		return "", false
	}
	return values[len(values)-1], true
}

func sortedNames(query url.Values) []string {
	names := make([]string, 0, len(query))
	for name := range query {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func parseFloat(s string) (*float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func parseCount(s string) (*int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	if v < 0 {
		return nil, errors.Errorf("%d is negative", v)
	}
	return &v, nil
}

func parseFilterCriteria(query url.Values) (*model.FilterCriteria, error) {
	criteria := &model.FilterCriteria{}
	for _, name := range sortedNames(query) {
		value, _ := param(query, name)
		var err error
		switch name {
		case "begin_time":
			criteria.BeginTime, err = parseFloat(value)
		case "finish_time":
			criteria.FinishTime, err = parseFloat(value)
		case "elapse_time":
			criteria.ElapseTime, err = parseFloat(value)
		case "method":
			criteria.Method = &value
		case "name":
			criteria.Name = &value
		case "name_regex":
			criteria.NameRegex = &value
		case "sort":
			criteria.Sort = value
		case "offset":
			criteria.Offset, err = parseCount(value)
		case "limit":
			criteria.Limit, err = parseCount(value)
		case "with_context":
			criteria.WithContext, err = Str2Bool(value)
		default:
			err = errors.New("unknown argument")
		}
		if err != nil {
			return nil, namedParamError(name)
		}
	}
	return criteria, nil
}

func parseGroupCriteria(query url.Values) (*model.GroupCriteria, error) {
	criteria := &model.GroupCriteria{}
	for _, name := range sortedNames(query) {
		value, _ := param(query, name)
		var err error
		switch name {
		case "begin_time":
			criteria.BeginTime, err = parseFloat(value)
		case "finish_time":
			criteria.FinishTime, err = parseFloat(value)
		case "method":
			criteria.Method = &value
		case "name":
			criteria.Name = &value
		case "search":
			criteria.Search = &value
		case "sort":
			criteria.Sort = value
		case "offset":
			criteria.Offset, err = parseCount(value)
		case "limit":
			criteria.Limit, err = parseCount(value)
		default:
			err = errors.New("unknown argument")
		}
		if err != nil {
			return nil, namedParamError(name)
		}
	}
	return criteria, nil
}
