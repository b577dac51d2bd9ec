package core

import (
	"strings"

	"ci-replicator/internal/common/errors"

	"github.com/go-viper/mapstructure/v2"
)

// Decode maps a raw YAML mapping onto out using mapstructure tags.
// Unknown keys are rejected.
func Decode(input interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		ZeroFields:       false,
		Result:           out,
		TagName:          "mapstructure",
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return errors.InternalError("failed to create decoder", err)
	}
	if err := decoder.Decode(input); err != nil {
		return errors.DefinitionError(strings.ReplaceAll(err.Error(), "\n", " "))
	}
	return nil
}

type stepAttributes struct {
	Image         string                 `mapstructure:"image"`
	Execute       interface{}            `mapstructure:"execute"`
	Depends       []string               `mapstructure:"depends"`
	Inputs        map[string]string      `mapstructure:"inputs"`
	Outputs       map[string]string      `mapstructure:"outputs"`
	OutputDir     string                 `mapstructure:"output_dir"`
	Timeout       string                 `mapstructure:"timeout"`
	PrivilegeMode string                 `mapstructure:"privilege_mode"`
	Vars          map[string]string      `mapstructure:"vars"`
	Notifications map[string]interface{} `mapstructure:"notifications"`
}

// DecodeStep builds a user step from its YAML attributes. A nil raw value is an empty step.
// The step executes the script named after it unless execute says otherwise.
func DecodeStep(name string, raw interface{}) (Step, []string, error) {
	var attrs stepAttributes
	if raw != nil {
		if err := Decode(raw, &attrs); err != nil {
			return Step{}, nil, errors.DefinitionErrorf("step %q: %s", name, errors.Message(err))
		}
	}

	execute, err := executeArgs(attrs.Execute)
	if err != nil {
		return Step{}, nil, errors.DefinitionErrorf("step %q: %s", name, errors.Message(err))
	}
	if len(execute) == 0 {
		execute = []string{name}
	}

	switch attrs.PrivilegeMode {
	case "", "privileged", "unprivileged":
	default:
		return Step{}, nil, errors.DefinitionErrorf("step %q: privilege_mode must be privileged or unprivileged", name)
	}

	return Step{
		Name:          name,
		Image:         attrs.Image,
		Execute:       execute,
		Inputs:        attrs.Inputs,
		Outputs:       attrs.Outputs,
		OutputDir:     attrs.OutputDir,
		Timeout:       attrs.Timeout,
		PrivilegeMode: attrs.PrivilegeMode,
		Vars:          attrs.Vars,
		Notifications: attrs.Notifications,
	}, attrs.Depends, nil
}

func executeArgs(v interface{}) ([]string, error) {
	switch e := v.(type) {
	case nil:
		return nil, nil
	case string:
		return strings.Fields(e), nil
	case []interface{}:
		out := make([]string, 0, len(e))
		for _, item := range e {
			s, ok := item.(string)
			if !ok {
				return nil, errors.DefinitionError("execute entries must be strings")
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, errors.DefinitionError("execute must be a string or a list of strings")
	}
}
