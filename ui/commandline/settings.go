// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// SettingsSeparator separates the settings in a settings string.
const SettingsSeparator = ";"

// ParseContextSettings parses settings, usually the value of the flag created by CreateContextSettingsFlag,
// and sets the corresponding parameters in ctx. It returns the paths of the parameters set, in order.
//
// Settings are separated by ";", e.g.: "weight_decay=1e-4;/fnn/fnn_num_hidden_layers=2".
// Each parameter must have a default value in the root scope of ctx, whose type is used to parse the new value.
// A scope can be given, in which case the parameter is set in that scope only: the scope must be absolute.
//
// An entry "file:<path>" reads the settings from the file, one or more per line; lines starting with "#" are ignored.
//
// Underscores in integer values are ignored, so one can write 1_000_000.
func ParseContextSettings(ctx *context.Context, settings string) (paramsSet []string, err error) {
	for _, setting := range strings.Split(settings, SettingsSeparator) {
		setting = strings.TrimSpace(setting)
		if setting == "" {
			continue
		}
		if filePath, isFile := strings.CutPrefix(setting, "file:"); isFile {
			paramsSet, err = parseSettingsFile(ctx, filePath, paramsSet)
		} else {
			var paramPath string
			paramPath, err = parseSetting(ctx, setting)
			paramsSet = append(paramsSet, paramPath)
		}
		if err != nil {
			return nil, err
		}
	}
	return paramsSet, nil
}

func parseSettingsFile(ctx *context.Context, filePath string, paramsSet []string) ([]string, error) {
	filePath, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read settings from file %q", filePath)
	}
	for lineNum, line := range strings.Split(string(contents), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lineParams, err := ParseContextSettings(ctx, line)
		if err != nil {
			return nil, errors.WithMessagef(err, "in %s:%d", filePath, lineNum+1)
		}
		paramsSet = append(paramsSet, lineParams...)
	}
	return paramsSet, nil
}

// parseSetting parses one "<param>=<value>" setting and returns the path of the parameter set.
func parseSetting(ctx *context.Context, setting string) (paramPath string, err error) {
	paramPath, valueStr, found := strings.Cut(setting, "=")
	if !found || paramPath == "" {
		return "", errors.Errorf("invalid setting %q: the format is \"<param>=<value>\"", setting)
	}
	scope, name := context.SplitScope(paramPath)
	if scope == "" && strings.Contains(name, context.ScopeSeparator) {
		return "", errors.Errorf("invalid setting %q: the scope of the parameter must be absolute (start with %q)",
			setting, context.ScopeSeparator)
	}
	defaultValue, found := ctx.InAbsPath(context.RootScope).GetParam(name)
	if !found {
		return "", errors.Errorf("unknown parameter %q in setting %q: it has no default value in the root scope",
			name, setting)
	}
	value, err := parseValue(defaultValue, valueStr)
	if err != nil {
		return "", errors.WithMessagef(err, "failed to parse value %q for parameter %q (default value is %#v)",
			valueStr, paramPath, defaultValue)
	}
	if scope == "" {
		scope = context.RootScope
	}
	ctx.InAbsPath(scope).SetParam(name, value)
	return paramPath, nil
}

// parseValue parses valueStr to the same type as defaultValue.
func parseValue(defaultValue any, valueStr string) (any, error) {
	switch defaultValue.(type) {
	case int:
		return parseJSON[int](withoutUnderscores(valueStr))
	case int32:
		return parseJSON[int32](withoutUnderscores(valueStr))
	case int64:
		return parseJSON[int64](withoutUnderscores(valueStr))
	case uint:
		return parseJSON[uint](withoutUnderscores(valueStr))
	case uint32:
		return parseJSON[uint32](withoutUnderscores(valueStr))
	case uint64:
		return parseJSON[uint64](withoutUnderscores(valueStr))
	case float32:
		return parseJSON[float32](valueStr)
	case float64:
		return parseJSON[float64](valueStr)
	case bool:
		return parseJSON[bool](valueStr)
	case string:
		return valueStr, nil
	case []string:
		if valueStr == "" {
			return []string{}, nil
		}
		return strings.Split(valueStr, ","), nil
	case []int:
		return parseList[int](withoutUnderscores(valueStr))
	case []float64:
		return parseList[float64](valueStr)
	}
	return nil, errors.Errorf("parameters of type %T can't be set from the command line", defaultValue)
}

func withoutUnderscores(s string) string {
	return strings.ReplaceAll(s, "_", "")
}

func parseJSON[T any](valueStr string) (value T, err error) {
	err = json.Unmarshal([]byte(valueStr), &value)
	return
}

func parseList[T any](valueStr string) ([]T, error) {
	values := []T{}
	if valueStr == "" {
		return values, nil
	}
	for _, part := range strings.Split(valueStr, ",") {
		value, err := parseJSON[T](strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return values, nil
}

// CreateContextSettingsFlag creates a string flag named flagName ("set" if empty), whose usage lists
// the parameters in the root scope of ctx with their default values.
// It must be called before flag.Parse(), and its value given to ParseContextSettings.
func CreateContextSettingsFlag(ctx *context.Context, flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	parts := []string{fmt.Sprintf(
		`Context parameters, as a list of "param=value" separated by %q. `+
			`A parameter can be set for a scope only with "/<scope>/param=value". `+
			`An entry "file:<path>" reads the settings from a file, with one or more settings per line `+
			`and lines starting with "#" ignored. Available parameters:`,
		SettingsSeparator)}
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope == context.RootScope {
			parts = append(parts, fmt.Sprintf("\t%q: default value is %v", key, value))
		}
	})
	return flag.String(flagName, "", strings.Join(parts, "\n"))
}

// SprintContextSettings returns a table with all the parameters set in ctx.
func SprintContextSettings(ctx *context.Context) string {
	table := newSettingsTable()
	ctx.EnumerateParams(func(scope, key string, value any) {
		table.Row(paramPath(scope, key), fmt.Sprintf("%T", value), fmt.Sprintf("%v", value))
	})
	return table.String()
}

// SprintModifiedContextSettings returns a table with the parameters in paramsSet, as returned by ParseContextSettings.
// Duplicates are listed only once.
func SprintModifiedContextSettings(ctx *context.Context, paramsSet []string) string {
	paramsSet = slices.Clone(paramsSet)
	slices.Sort(paramsSet)
	paramsSet = slices.Compact(paramsSet)
	table := newSettingsTable()
	for _, path := range paramsSet {
		scope, name := context.SplitScope(path)
		if scope == "" {
			scope = context.RootScope
		}
		value, found := ctx.InAbsPath(scope).GetParam(name)
		if !found {
			continue
		}
		table.Row(path, fmt.Sprintf("%T", value), fmt.Sprintf("%v", value))
	}
	return table.String()
}

func paramPath(scope, key string) string {
	if scope == context.RootScope {
		return key
	}
	return scope + context.ScopeSeparator + key
}

func newSettingsTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row < 0 {
				return headerStyle
			}
			return normalStyle
		}).
		Headers("Parameter", "Type", "Value")
}
