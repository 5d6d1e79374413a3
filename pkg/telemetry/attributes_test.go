// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestParseAttributes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    map[string]string
		wantErr bool
	}{
		{name: "empty", input: "", want: map[string]string{}},
		{name: "single", input: "env=prod", want: map[string]string{"env": "prod"}},
		{
			name:  "spaces_and_trailing_comma",
			input: " env = prod , region=eu-west-1,",
			want:  map[string]string{"env": "prod", "region": "eu-west-1"},
		},
		{
			name:  "equals_in_value",
			input: "url=https://example.com/?q=v",
			want:  map[string]string{"url": "https://example.com/?q=v"},
		},
		{name: "missing_equals", input: "env", wantErr: true},
		{name: "empty_key", input: "=prod", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseAttributes(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResourceAttributes_Sorted(t *testing.T) {
	t.Parallel()

	got := resourceAttributes(map[string]string{"team": "platform", "env": "prod"})
	assert.Equal(t, []attribute.KeyValue{
		attribute.String("env", "prod"),
		attribute.String("team", "platform"),
	}, got)
}
