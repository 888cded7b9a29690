// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"strings"
)

const (
	eventStreamMediaType = "text/event-stream"

	// maxFrameSize bounds a single line of an event stream.
	maxFrameSize = 10 * 1024 * 1024 // 10 MB
)

// decodeFrames reads a resource response body into its ordered frames.
// An event stream yields one frame per dispatched event; any other content
// type is treated as a single JSON frame. An empty body yields no frames.
func decodeFrames(contentType string, body io.Reader) ([]any, error) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != eventStreamMediaType {
		return decodeSingleFrame(body)
	}
	return decodeEventStream(body)
}

func decodeSingleFrame(body io.Reader) ([]any, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return []any{}, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, &frameError{index: 0, err: err}
	}
	return []any{v}, nil
}

// decodeEventStream parses `data:` fields into JSON frames. Consecutive data
// lines of one event are joined with a newline; comments and other fields
// are ignored; an event is dispatched on a blank line or at end of stream.
func decodeEventStream(body io.Reader) ([]any, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	frames := []any{}
	var data []string

	dispatch := func() error {
		if len(data) == 0 {
			return nil
		}
		payload := strings.Join(data, "\n")
		data = data[:0]

		var v any
		if err := json.Unmarshal([]byte(payload), &v); err != nil {
			return &frameError{index: len(frames), err: err}
		}
		frames = append(frames, v)
		return nil
	}

	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			if err := dispatch(); err != nil {
				return nil, err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, found := strings.Cut(line, ":")
		if !found {
			value = ""
		}
		value = strings.TrimPrefix(value, " ")
		if field == "data" {
			data = append(data, value)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if err := dispatch(); err != nil {
		return nil, err
	}
	return frames, nil
}

// frameError reports a frame that is not valid JSON.
type frameError struct {
	index int
	err   error
}

func (e *frameError) Error() string {
	return fmt.Sprintf("malformed frame %d: %v", e.index, e.err)
}

func (e *frameError) Unwrap() error {
	return e.err
}

// collapseFrames returns the single frame itself when exactly one frame was
// received, and the ordered list otherwise. Callers cannot tell a one-element
// list from a bare value; GetResourceFrames keeps the uniform shape.
func collapseFrames(frames []any) any {
	if len(frames) == 1 {
		return frames[0]
	}
	return frames
}
