// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadEvents(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  []event
	}{
		{
			name:  "named event",
			input: "event: endpoint\ndata: /messages?session=1\n\n",
			want:  []event{{Name: "endpoint", Data: "/messages?session=1"}},
		},
		{
			name:  "multi-line data and comments",
			input: ": keep-alive\ndata: {\"a\":\ndata: 1}\n\n",
			want:  []event{{Data: "{\"a\":\n1}"}},
		},
		{
			name:  "crlf line endings",
			input: "event: message\r\ndata: x\r\n\r\n",
			want:  []event{{Name: "message", Data: "x"}},
		},
		{
			name:  "trailing event without blank line",
			input: "data: first\n\ndata: last",
			want:  []event{{Data: "first"}, {Data: "last"}},
		},
		{
			name:  "unknown fields ignored",
			input: "id: 7\nretry: 100\ndata: x\n\n",
			want:  []event{{Data: "x"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var got []event
			err := readEvents(strings.NewReader(tt.input), func(ev event) bool {
				got = append(got, ev)
				return true
			})
			require.ErrorIs(t, err, io.EOF)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadEvents_StopsWhenCallbackDeclines(t *testing.T) {
	t.Parallel()

	var got []event
	err := readEvents(strings.NewReader("data: 1\n\ndata: 2\n\n"), func(ev event) bool {
		got = append(got, ev)
		return false
	})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
