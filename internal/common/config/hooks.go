package config

import (
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// CustomHooks replace viper's default decode hooks. Durations and comma separated slices keep
// working, and connection maps may also be given as a single "key=value key=value" string.
var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		ConnectionStringHookFunc(),
	)),
}

// ConnectionStringHookFunc decodes libpq style "host=localhost port=5432" strings into map[string]string.
func ConnectionStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(map[string]string{}) {
			return data, nil
		}
		return ParseConnectionString(data.(string))
	}
}

func ParseConnectionString(s string) (map[string]string, error) {
	result := map[string]string{}
	for _, field := range strings.Fields(s) {
		key, value, found := strings.Cut(field, "=")
		if !found || key == "" {
			return nil, errors.Errorf("invalid connection parameter %q, expected key=value", field)
		}
		result[key] = value
	}
	return result, nil
}
