package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"

	"github.com/agentrunner/runner/internal/server/dto"
)

// handle wraps fn into an http.HandlerFunc: it decodes and validates
// the request body (if In is not dto.EmptyReq), populates any
// path-tagged fields from r.PathValue, invokes fn, and writes the
// response as JSON — or a structured dto.ErrorResponse on failure.
func handle[In any, PtrIn interface {
	*In
	dto.Validatable
}, Out any](fn func(r *http.Request, in PtrIn) (*Out, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in In
		ptr := PtrIn(&in)

		if _, isEmpty := any(in).(dto.EmptyReq); !isEmpty {
			if err := decodeBody(r, ptr); err != nil {
				writeError(w, dto.BadRequest("invalid request body: %v", err))
				return
			}
		}

		populatePathParams(r, ptr)

		if err := ptr.Validate(); err != nil {
			writeError(w, err)
			return
		}

		out, err := fn(r, ptr)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// populatePathParams reads struct tags of the form `path:"name"` and
// fills them from r.PathValue(name). Supports string and int fields.
func populatePathParams(r *http.Request, v any) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return
	}
	rv = rv.Elem()
	if rv.Kind() != reflect.Struct {
		return
	}
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		tag := rt.Field(i).Tag.Get("path")
		if tag == "" {
			continue
		}
		val := r.PathValue(tag)
		if val == "" {
			continue
		}
		field := rv.Field(i)
		if !field.CanSet() {
			continue
		}
		switch field.Kind() {
		case reflect.String:
			field.SetString(val)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if n, err := strconv.ParseInt(val, 10, 64); err == nil {
				field.SetInt(n)
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("server.encode_response_failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	var status dto.ErrorWithStatus
	if errors.As(err, &status) {
		var details map[string]any
		if ae, ok := err.(*dto.APIError); ok {
			details = ae.Details()
		}
		slog.Error("server.request_failed", "code", status.Code(), "err", status.Error())
		writeJSON(w, status.StatusCode(), dto.ErrorResponse{Error: dto.ErrorDetails{
			Code: status.Code(), Message: status.Error(), Details: details,
		}})
		return
	}

	slog.Error("server.internal_error", "err", err)
	writeJSON(w, http.StatusInternalServerError, dto.ErrorResponse{Error: dto.ErrorDetails{
		Code: dto.CodeInternalErr, Message: "internal error",
	}})
}
