package kernel

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	legacyrouter "github.com/getkin/kin-openapi/routers/legacy"
)

//go:embed openapi.yaml
var openapiSpec []byte

// LoadSpec parses and validates the embedded API document.
func LoadSpec(ctx context.Context) (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(openapiSpec)
	if err != nil {
		return nil, fmt.Errorf("failed to load openapi document: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("invalid openapi document: %w", err)
	}
	return doc, nil
}

// requestValidator rejects requests that do not match the API document
// before they reach a handler.
type requestValidator struct {
	logger *slog.Logger
	router routers.Router
}

func newRequestValidator(logger *slog.Logger, doc *openapi3.T) (*requestValidator, error) {
	router, err := legacyrouter.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to build openapi router: %w", err)
	}
	return &requestValidator{logger: logger, router: router}, nil
}

func (v *requestValidator) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		route, params, err := v.router.FindRoute(r)
		if err != nil {
			if methodNotAllowed(err) {
				writeProblem(w, http.StatusMethodNotAllowed, "Method not allowed")
				return
			}
			writeProblem(w, http.StatusNotFound, "Not found")
			return
		}

		input := &openapi3filter.RequestValidationInput{
			Request:    r,
			PathParams: params,
			Route:      route,
		}
		if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
			v.logger.Debug("request rejected", "path", r.URL.Path, "error", err)
			writeProblem(w, http.StatusBadRequest, requestProblem(err))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func methodNotAllowed(err error) bool {
	var re *routers.RouteError
	return errors.As(err, &re) && re.Reason == routers.ErrMethodNotAllowed.Error()
}

func requestProblem(err error) string {
	var re *openapi3filter.RequestError
	if errors.As(err, &re) {
		if re.Parameter != nil {
			return fmt.Sprintf("invalid parameter %q: %v", re.Parameter.Name, re.Err)
		}
		if re.RequestBody != nil {
			return fmt.Sprintf("invalid request body: %v", re.Err)
		}
	}
	return err.Error()
}
