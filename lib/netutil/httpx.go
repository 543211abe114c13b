// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// MaxRequestSize bounds JSON request bodies: 64 KiB. Commands and
// their payloads are small.
const MaxRequestSize int64 = 64 << 10

// ErrRequestTooLarge is returned by DecodeRequest when the body exceeds
// MaxRequestSize.
var ErrRequestTooLarge = errors.New("request body too large")

// DecodeRequest decodes one JSON document from body into v. Bodies
// larger than MaxRequestSize and trailing data after the document are
// rejected.
func DecodeRequest(body io.Reader, v any) error {
	limited := &io.LimitedReader{R: body, N: MaxRequestSize + 1}
	decoder := json.NewDecoder(limited)
	if err := decoder.Decode(v); err != nil {
		if limited.N <= 0 {
			return ErrRequestTooLarge
		}
		return fmt.Errorf("decoding request body: %w", err)
	}
	if decoder.More() {
		return errors.New("decoding request body: unexpected data after JSON document")
	}
	if limited.N <= 0 {
		return ErrRequestTooLarge
	}
	return nil
}

// WriteJSON writes v as a JSON response with the given status. v is
// marshaled before anything is sent: if that fails, the response is a
// 500 and the marshal error is returned for the caller to log. Errors
// writing the body mean the client went away and are not reported.
func WriteJSON(w http.ResponseWriter, status int, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		writeBody(w, http.StatusInternalServerError, []byte(`{"error":"encoding response failed"}`))
		return fmt.Errorf("encoding %d response: %w", status, err)
	}
	writeBody(w, status, append(body, '\n'))
	return nil
}

func writeBody(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	w.Write(body)
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WriteError writes {"error": message} with the given status.
func WriteError(w http.ResponseWriter, status int, message string) {
	// An ErrorResponse always marshals.
	_ = WriteJSON(w, status, ErrorResponse{Error: message})
}
