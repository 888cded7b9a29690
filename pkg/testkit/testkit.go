// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package testkit provides testing utilities for experthub.
//
// Its sole purpose is
//
//   - providing a fake domain expert backend speaking the expert wire
//     protocol (GET /status, GET /tools, POST /tool/{name},
//     GET /resource/{name}[/{id}]) on an httptest server
//   - providing helpers to build and split `text/event-stream` bodies
//
// Handlers receive the per-path attempt number so tests can script flaky
// or permanently failing backends.
package testkit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Response is what a scripted tool handler answers with.
type Response struct {
	// Status is the HTTP status. Zero means 200.
	Status int

	// Result is encoded as {"result": Result} on success.
	Result any

	// Body, when set, is written verbatim instead of the encoded result or error.
	Body string

	// Delay is applied before answering.
	Delay time.Duration
}

// ToolHandler answers one POST /tool/{name} request.
// attempt starts at 1 and counts requests to the same tool.
type ToolHandler func(attempt int, args map[string]any) Response

// ResourceResponse is what a scripted resource handler answers with.
type ResourceResponse struct {
	// Status is the HTTP status. Zero means 200.
	Status int

	// Frames are written as `data: <json>\n\n` events.
	Frames []any

	// Body, when set, is written verbatim instead of Frames.
	Body string

	// ContentType overrides text/event-stream.
	ContentType string

	// Delay is applied before answering.
	Delay time.Duration
}

// ResourceHandler answers one GET /resource/{name}[/{id}] request.
type ResourceHandler func(attempt int, id string, query url.Values) ResourceResponse

// Static answers every call with result.
func Static(result any) ToolHandler {
	return func(int, map[string]any) Response {
		return Response{Result: result}
	}
}

// Echo answers every call with the received arguments.
func Echo() ToolHandler {
	return func(_ int, args map[string]any) Response {
		return Response{Result: args}
	}
}

// Failing answers every call with status and a JSON error message.
func Failing(status int, message string) ToolHandler {
	return func(int, map[string]any) Response {
		return Response{Status: status, Body: errorBody(message)}
	}
}

// Flaky fails the first failures calls with 500, then answers with result.
func Flaky(failures int, result any) ToolHandler {
	return func(attempt int, _ map[string]any) Response {
		if attempt <= failures {
			return Response{Status: http.StatusInternalServerError, Body: errorBody("transient failure")}
		}
		return Response{Result: result}
	}
}

// Slow answers with result after delay.
func Slow(delay time.Duration, result any) ToolHandler {
	return func(int, map[string]any) Response {
		return Response{Result: result, Delay: delay}
	}
}

// Frames streams the given frames on every read.
func Frames(frames ...any) ResourceHandler {
	return func(int, string, url.Values) ResourceResponse {
		return ResourceResponse{Frames: frames}
	}
}

// FailingResource answers every read with status.
func FailingResource(status int, message string) ResourceHandler {
	return func(int, string, url.Values) ResourceResponse {
		return ResourceResponse{Status: status, Body: errorBody(message)}
	}
}

// EncodeSSE renders frames as a text/event-stream body.
func EncodeSSE(frames ...any) (string, error) {
	var b strings.Builder
	for _, f := range frames {
		payload, err := json.Marshal(f)
		if err != nil {
			return "", fmt.Errorf("failed to marshal frame: %w", err)
		}
		b.WriteString("data: ")
		b.Write(payload)
		b.WriteString("\n\n")
	}
	return b.String(), nil
}

// SSESep is a type that represents the separator for SSE responses.
type SSESep int

const (
	// LFSep is the line feed separator for SSE responses.
	LFSep = iota
	// CRSep is the carriage return separator for SSE responses.
	CRSep
	// CRLFSep is the carriage return line feed separator for SSE responses.
	CRLFSep
)

// NewSplitSSE is a function that can be used to create a new SSE split function.
// It's just a helper function to be used with bufio.Scanner.Split.
func NewSplitSSE(sep SSESep) bufio.SplitFunc {
	var separator []byte

	switch sep {
	case LFSep:
		separator = []byte("\n\n")
	case CRSep:
		separator = []byte("\r\r")
	case CRLFSep:
		separator = []byte("\r\n\r\n")
	}

	return func(data []byte, atEOF bool) (advance int, token []byte, err error) {
		if atEOF && len(data) == 0 {
			return 0, nil, nil
		}

		if i := bytes.Index(data, separator); i >= 0 {
			return i + len(separator), data[0:i], nil
		}

		if atEOF {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
}

func errorBody(message string) string {
	payload, err := json.Marshal(map[string]any{"error": message})
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, message)
	}
	return string(payload)
}
