// Package validation checks request bodies against the JSON schemas embedded
// under schemas/, one per mutating endpoint.
package validation

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/verdictmarket/backend/internal/apperr"
)

// Schema names, matching the file names under schemas/.
const (
	Deduct           = "deduct"
	Refund           = "refund"
	Grant            = "grant"
	Tip              = "tip"
	Adjust           = "adjust"
	SubmitRequest    = "submit_request"
	PoolPreview      = "pool_preview"
	RouteBatch       = "route_batch"
	ReconcileAnalyze = "reconcile_analyze"
	ReconcileFix     = "reconcile_fix"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://verdictmarket.dev/schemas/"

type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// New compiles every embedded schema.
func New() (*Validator, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("read embedded schemas: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", e.Name(), err)
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		if err := c.AddResource(schemaBaseURL+e.Name(), bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema %q: %w", name, err)
		}
		names = append(names, name)
	}

	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(names))}
	for _, name := range names {
		s, err := c.Compile(schemaBaseURL + name + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", name, err)
		}
		v.schemas[name] = s
	}
	return v, nil
}

// Names lists the compiled schemas.
func (v *Validator) Names() []string {
	out := make([]string, 0, len(v.schemas))
	for n := range v.schemas {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Validate rejects body unless it is JSON matching the named schema. The
// returned error is an apperr Validation error whose details list each
// failing location.
func (v *Validator) Validate(name string, body []byte) error {
	s, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return apperr.Validation("validate."+name, "body is not valid JSON")
	}
	if err := s.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if !errors.As(err, &ve) {
			return apperr.Validation("validate."+name, "%v", err)
		}
		problems := leafErrors(ve, nil)
		e := apperr.Validation("validate."+name, "request body failed validation: %s", strings.Join(problems, "; "))
		e.Details = map[string]any{"problems": problems}
		return e
	}
	return nil
}

func leafErrors(ve *jsonschema.ValidationError, out []string) []string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return append(out, loc+": "+ve.Message)
	}
	for _, c := range ve.Causes {
		out = leafErrors(c, out)
	}
	return out
}
