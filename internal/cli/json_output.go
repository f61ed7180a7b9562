// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// json_output.go - Structured JSON output for scripting and SIEM ingestion.
//
// Every command supports --json. The envelope is stable: downstream
// collectors key on "success", "command", and "data".

package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// JSONResponse is the envelope emitted by every command in --json mode.
type JSONResponse struct {
	Success   bool        `json:"success"`
	Command   string      `json:"command"`
	Timestamp string      `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// OutputJSON writes a success envelope for the given command to stdout.
func OutputJSON(command string, data interface{}) error {
	resp := JSONResponse{
		Success:   true,
		Command:   command,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	}
	return resp.Print()
}

// OutputJSONError writes a failure envelope for the given command to stdout
// and returns the original error so callers can propagate the exit status.
func OutputJSONError(command string, err error) error {
	resp := JSONResponse{
		Success:   false,
		Command:   command,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Error:     err.Error(),
	}
	if perr := resp.Print(); perr != nil {
		return perr
	}
	return err
}

// Print marshals the response with indentation and writes it to stdout.
func (r JSONResponse) Print() error {
	out, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json response: %w", err)
	}
	if _, err := fmt.Fprintln(os.Stdout, string(out)); err != nil {
		return fmt.Errorf("write json response: %w", err)
	}
	return nil
}
