package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// GetValue retrieves a config value by dot-separated path (e.g., "store.driver").
// Returns the value as a string and any error encountered.
func (c *Config) GetValue(path string) (string, error) {
	v, err := getValueByPath(reflect.ValueOf(c), path)
	if err != nil {
		return "", err
	}
	return formatValue(v), nil
}

// SetValue sets a config value by dot-separated path.
// The value is parsed based on the target field's type.
func (c *Config) SetValue(path, value string) error {
	return setValueByPath(reflect.ValueOf(c).Elem(), path, value)
}

// getValueByPath traverses a reflect.Value by dot-separated path.
func getValueByPath(v reflect.Value, path string) (reflect.Value, error) {
	if path == "" {
		return v, nil
	}

	parts := strings.SplitN(path, ".", 2)
	fieldName := parts[0]
	remaining := ""
	if len(parts) > 1 {
		remaining = parts[1]
	}

	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return reflect.Value{}, fmt.Errorf("nil pointer at %s", fieldName)
		}
		v = v.Elem()
	}

	if v.Kind() != reflect.Struct {
		return reflect.Value{}, fmt.Errorf("expected struct, got %s", v.Kind())
	}

	field := findFieldByTag(v, fieldName)
	if !field.IsValid() {
		return reflect.Value{}, fmt.Errorf("unknown config key: %s", fieldName)
	}

	if remaining == "" {
		return field, nil
	}

	return getValueByPath(field, remaining)
}

// setValueByPath sets a value at the given path.
func setValueByPath(v reflect.Value, path, value string) error {
	parts := strings.SplitN(path, ".", 2)
	fieldName := parts[0]
	remaining := ""
	if len(parts) > 1 {
		remaining = parts[1]
	}

	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return fmt.Errorf("nil pointer at %s", fieldName)
		}
		v = v.Elem()
	}

	if v.Kind() != reflect.Struct {
		return fmt.Errorf("expected struct, got %s", v.Kind())
	}

	field := findFieldByTag(v, fieldName)
	if !field.IsValid() {
		return fmt.Errorf("unknown config key: %s", fieldName)
	}

	if !field.CanSet() {
		return fmt.Errorf("cannot set field: %s", fieldName)
	}

	if remaining != "" {
		return setValueByPath(field, remaining, value)
	}

	return setFieldValue(field, value)
}

// findFieldByTag finds a struct field by its yaml tag or name.
func findFieldByTag(v reflect.Value, name string) reflect.Value {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		yamlTag := field.Tag.Get("yaml")
		if yamlTag != "" {
			tagName := strings.Split(yamlTag, ",")[0]
			if tagName == name {
				return v.Field(i)
			}
		}

		if strings.EqualFold(field.Name, name) {
			return v.Field(i)
		}
	}

	return reflect.Value{}
}

// setFieldValue sets a field to the parsed value.
func setFieldValue(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration %q: %w", value, err)
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer %q: %w", value, err)
			}
			field.SetInt(i)
		}
	case reflect.Bool:
		field.SetBool(parseBool(value))
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			field.Set(reflect.ValueOf(splitList(value)))
		} else {
			return fmt.Errorf("unsupported slice type: %s", field.Type())
		}
	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}
	return nil
}

// formatValue formats a reflect.Value as a string.
func formatValue(v reflect.Value) string {
	if !v.IsValid() {
		return ""
	}

	switch v.Kind() {
	case reflect.String:
		return v.String()
	case reflect.Int, reflect.Int64:
		if v.Type() == reflect.TypeOf(time.Duration(0)) {
			return time.Duration(v.Int()).String()
		}
		return strconv.FormatInt(v.Int(), 10)
	case reflect.Bool:
		return strconv.FormatBool(v.Bool())
	case reflect.Slice:
		if v.Len() == 0 {
			return "[]"
		}
		var parts []string
		for i := 0; i < v.Len(); i++ {
			parts = append(parts, formatValue(v.Index(i)))
		}
		return strings.Join(parts, ", ")
	case reflect.Struct:
		return fmt.Sprintf("%+v", v.Interface())
	case reflect.Ptr:
		if v.IsNil() {
			return "<nil>"
		}
		return formatValue(v.Elem())
	default:
		return fmt.Sprintf("%v", v.Interface())
	}
}

// AllConfigPaths returns all known config paths.
func AllConfigPaths() []string {
	return []string{
		"version",
		"store.driver",
		"store.dsn",
		"server.host",
		"server.port",
		"agent.mode",
		"agent.bin",
		"agent.base_url",
		"agent.api_key_env",
		"agent.timeout_seconds",
		"forge.provider",
		"forge.token_env",
		"forge.base_url",
		"git.dir",
		"git.remote",
		"git.base_branch",
		"jira.url",
		"jira.email",
		"jira.token_env",
		"allowed_repos",
		"allowed_paths",
		"blocked_paths",
		"auto_dev_label",
		"batch_label",
		"max_attempts",
		"max_diff_lines",
		"max_parallel",
		"continue_on_error",
		"poll_interval_seconds",
		"batch_timeout_minutes",
		"min_batch_size",
		"max_batch_size",
		"comment_on_failure",
		"model_config_ttl_seconds",
	}
}
