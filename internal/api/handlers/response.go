// Package handlers provides HTTP handlers for the safety API.
package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/api/middleware"
	"github.com/drfirst/go-medsafe/internal/domain"
	"github.com/drfirst/go-medsafe/pkg/idempotency"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var statusByCode = map[string]int{
	"not_found":               http.StatusNotFound,
	"interaction_not_found":   http.StatusNotFound,
	"already_exists":          http.StatusConflict,
	"unauthorized":            http.StatusForbidden,
	"invalid_severity":        http.StatusUnprocessableEntity,
	"missing_override_reason": http.StatusUnprocessableEntity,
	"invalid_prescription":    http.StatusUnprocessableEntity,
	"expired":                 http.StatusGone,
}

// errBadRequest marks malformed or invalid request input.
var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errBadRequest}, args...)...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err onto a status code. Unrecognized failures are logged
// and reported without detail.
func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	if code := domain.Code(err); code != "" {
		writeJSON(w, statusByCode[code], ErrorResponse{Error: err.Error(), Code: code})
		return
	}

	switch {
	case errors.Is(err, errBadRequest):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "bad_request"})
	case errors.Is(err, idempotency.ErrInProgress):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "request_in_progress"})
	case errors.Is(err, idempotency.ErrKeyReused):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Code: "idempotency_key_reused"})
	default:
		logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal server error", Code: "internal"})
	}
}

// decoder decodes and validates request bodies.
type decoder struct {
	validate *validator.Validate
}

func newDecoder() decoder {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return decoder{validate: v}
}

const maxBodyBytes = 1 << 20

func (d decoder) decode(r *http.Request, dst any) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	return d.decodeBytes(body, dst)
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, badRequest("read request body: %v", err)
	}
	if len(body) > maxBodyBytes {
		return nil, badRequest("request body exceeds %d bytes", maxBodyBytes)
	}
	return body, nil
}

func (d decoder) decodeBytes(body []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	if err := d.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, len(verrs))
			for i, fe := range verrs {
				fields[i] = fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
			}
			return badRequest("validation: %s", strings.Join(fields, ", "))
		}
		return badRequest("validation: %v", err)
	}
	return nil
}

func parseID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, badRequest("invalid id %q", raw)
	}
	return id, nil
}
