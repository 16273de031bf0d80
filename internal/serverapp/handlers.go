package serverapp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nestwrite/internal/engine"
	"nestwrite/internal/logging"
	"nestwrite/internal/mutationerr"
	"nestwrite/internal/schema"
	"nestwrite/internal/storage"
)

type errorBody struct {
	Kind    string `json:"kind"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type mutationResponse struct {
	Record   storage.Record `json:"record"`
	Affected int            `json:"affected"`
}

type recordsResponse struct {
	Records []storage.Record `json:"records"`
}

// statusForKind maps a mutation error kind to an HTTP status.
func statusForKind(kind mutationerr.Kind) int {
	switch kind {
	case mutationerr.KindUnknownRelation,
		mutationerr.KindConflictingNestedOperation,
		mutationerr.KindInvalidNestedOperation:
		return http.StatusBadRequest
	case mutationerr.KindRelatedRecordNotFound:
		return http.StatusNotFound
	case mutationerr.KindUniqueConstraintViolation,
		mutationerr.KindRequiredRelationViolation:
		return http.StatusConflict
	case mutationerr.KindRelationRequired,
		mutationerr.KindCyclicRequiredRelation,
		mutationerr.KindPartialForeignKey,
		mutationerr.KindValidationFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := mutationerr.KindOf(err)
	status := statusForKind(kind)
	body := errorBody{
		Kind:    string(kind),
		Path:    mutationerr.PathOf(err),
		Message: err.Error(),
	}

	reqLogger := logging.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		reqLogger.Error("mutation failed", slog.String("kind", body.Kind), slog.String("error", err.Error()))
		// Internal causes stay in the log.
		body.Message = "internal error"
	} else {
		reqLogger.Debug("mutation rejected",
			slog.String("kind", body.Kind),
			slog.String("path", body.Path),
			slog.String("error", err.Error()),
		)
	}
	writeJSON(w, status, errorResponse{Error: body})
}

func badRequest(format string, args ...any) error {
	return mutationerr.New(mutationerr.KindInvalidNestedOperation, "", format, args...)
}

// decodeMutation splits a request body into the operation and the include
// map. Numbers stay json.Number until the field types convert them.
func decodeMutation(model string, body io.Reader) (engine.Request, error) {
	var payload map[string]any
	dec := json.NewDecoder(body)
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return engine.Request{}, badRequest("request body exceeds %d bytes", tooLarge.Limit)
		}
		return engine.Request{}, badRequest("invalid JSON body: %v", err)
	}
	if dec.More() {
		return engine.Request{}, badRequest("request body must hold a single JSON object")
	}

	req := engine.Request{Model: model, Operation: map[string]any{}}
	for key, value := range payload {
		if key == "include" {
			if value == nil {
				continue
			}
			include, ok := value.(map[string]any)
			if !ok {
				return engine.Request{}, mutationerr.New(mutationerr.KindInvalidNestedOperation, "include", "include must be an object")
			}
			req.Include = include
			continue
		}
		req.Operation[key] = value
	}
	return req, nil
}

func mutationHandler(eng *engine.Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeMutation(r.PathValue("model"), r.Body)
		if err != nil {
			writeError(w, r, err)
			return
		}

		result, err := eng.ExecuteMutation(r.Context(), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, mutationResponse{Record: result.Record, Affected: result.Affected})
	})
}

// recordsHandler serves equality lookups: every query parameter except
// include is a field filter, and include lists relations to load.
func recordsHandler(eng *engine.Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		modelName := r.PathValue("model")
		model, err := eng.Registry().Model(modelName)
		if err != nil {
			writeError(w, r, mutationerr.Wrap(mutationerr.KindUnknownRelation, "", err))
			return
		}

		where := storage.Filter{}
		include := map[string]any{}
		for key, values := range r.URL.Query() {
			raw := values[len(values)-1]
			if key == "include" {
				for _, name := range strings.Split(raw, ",") {
					if name = strings.TrimSpace(name); name != "" {
						include[name] = true
					}
				}
				continue
			}
			value, err := parseQueryValue(model, key, raw)
			if err != nil {
				writeError(w, r, err)
				return
			}
			where[key] = value
		}

		recs, err := eng.FindMany(r.Context(), modelName, where, include)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if recs == nil {
			recs = []storage.Record{}
		}
		writeJSON(w, http.StatusOK, recordsResponse{Records: recs})
	})
}

// parseQueryValue converts a query string value to the declared field type.
// The literal "null" matches a null field.
func parseQueryValue(model *schema.Model, name, raw string) (any, error) {
	field, ok := model.Field(name)
	if !ok {
		return nil, mutationerr.New(mutationerr.KindValidationFailed, name, "%s has no field %q", model.Name, name)
	}
	if raw == "null" {
		return nil, nil
	}

	var (
		value any
		err   error
	)
	switch field.Type {
	case schema.TypeInt:
		value, err = strconv.ParseInt(raw, 10, 64)
	case schema.TypeFloat:
		value, err = strconv.ParseFloat(raw, 64)
	case schema.TypeBool:
		value, err = strconv.ParseBool(raw)
	case schema.TypeTime:
		var t time.Time
		t, err = time.Parse(time.RFC3339Nano, raw)
		value = t.UTC()
	case schema.TypeJSON:
		err = fmt.Errorf("json fields cannot be filtered")
	default:
		value = raw
	}
	if err != nil {
		return nil, mutationerr.New(mutationerr.KindValidationFailed, name, "invalid %s value %q: %v", field.Type, raw, err)
	}
	return value, nil
}
