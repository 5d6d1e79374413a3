// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// event is one server-sent event.
type event struct {
	Name string
	Data string
}

// readEvents parses a text/event-stream body and calls fn for every event.
// It stops when fn returns false, the body ends, or a read fails.
func readEvents(r io.Reader, fn func(event) bool) error {
	reader := bufio.NewReaderSize(r, 64*1024)
	var (
		name string
		data []string
	)
	for {
		line, err := reader.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			if errors.Is(err, io.EOF) && len(data) > 0 {
				fn(event{Name: name, Data: strings.Join(data, "\n")})
			}
			return err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(data) > 0 || name != "" {
				if !fn(event{Name: name, Data: strings.Join(data, "\n")}) {
					return nil
				}
			}
			name, data = "", nil
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				name = value
			case "data":
				data = append(data, value)
			}
		}
	}
}
