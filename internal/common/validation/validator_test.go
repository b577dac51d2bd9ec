package validation

import (
	"testing"

	"ci-replicator/internal/common/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name     string   `yaml:"name" validate:"required"`
	Policy   string   `yaml:"cleanup_policy" validate:"omitempty,oneof=normal no_cleanup"`
	Schedule string   `yaml:"schedule" validate:"omitempty,cron_expression"`
	Interval string   `yaml:"interval" validate:"omitempty,go_duration"`
	Include  []string `yaml:"include" validate:"dive,regexp"`
}

func TestStruct(t *testing.T) {
	tests := []struct {
		name    string
		input   sample
		wantErr string
	}{
		{"valid", sample{Name: "x", Policy: "normal", Schedule: "0 3 * * 1-5", Interval: "10m", Include: []string{"^cc-.*"}}, ""},
		{"descriptor schedule", sample{Name: "x", Schedule: "@daily"}, ""},
		{"missing name", sample{}, "name is required"},
		{"bad policy", sample{Name: "x", Policy: "sometimes"}, "cleanup_policy must be one of [normal no_cleanup]"},
		{"bad cron", sample{Name: "x", Schedule: "every day"}, "schedule must be a valid cron expression"},
		{"bad duration", sample{Name: "x", Interval: "-5m"}, "interval must be a positive duration"},
		{"bad regexp", sample{Name: "x", Include: []string{"("}}, "must be a valid regular expression"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Struct(tt.input)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrTypeValidation))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseCron(t *testing.T) {
	_, err := ParseCron("*/5 * * * *")
	assert.NoError(t, err)

	_, err = ParseCron("* * *")
	assert.Error(t, err)
}
