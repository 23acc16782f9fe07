// Package verifier checks an integration result against a task's acceptance
// criteria. Verification is pure: the same plan and result always produce
// the same verdict.
package verifier

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"TaskMesh-Chain/internal/integration"
	"TaskMesh-Chain/internal/task"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
)

// Verifier implements task.Verifier.
type Verifier struct {
	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

// New returns a Verifier.
func New() *Verifier {
	return &Verifier{schemas: make(map[string]*jsonschema.Schema)}
}

var _ task.Verifier = (*Verifier)(nil)

// Verify applies well-formedness, required fields, non-empty fields, numeric
// bounds and the optional JSON Schema, in that order. Every failing check
// adds a diagnostic naming the offending field.
func (v *Verifier) Verify(plan *task.Plan, raw json.RawMessage) task.Verdict {
	var criteria task.Criteria
	if plan != nil {
		criteria = plan.Criteria
	}
	var verdict task.Verdict
	check := func(name string, passed bool, detail string) {
		verdict.Report = append(verdict.Report, task.Check{Name: name, Passed: passed, Detail: detail})
		if !passed {
			verdict.Diagnostics = append(verdict.Diagnostics, detail)
		}
	}

	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		check("well_formed", false, "result: not well-formed JSON")
		return verdict
	}
	check("well_formed", true, "")
	doc := gjson.ParseBytes(raw)

	for _, path := range criteria.RequiredFields {
		res := doc.Get(path)
		if res.Exists() {
			check("required:"+path, true, "")
		} else {
			check("required:"+path, false, path+": required field missing")
		}
	}

	for _, path := range criteria.NonEmpty {
		res := doc.Get(path)
		if detail := emptiness(res); detail != "" {
			check("non_empty:"+path, false, path+": "+detail)
		} else {
			check("non_empty:"+path, true, "")
		}
	}

	for _, b := range criteria.Bounds {
		if detail := outOfBounds(doc.Get(b.Path), b); detail != "" {
			check("bound:"+b.Path, false, b.Path+": "+detail)
		} else {
			check("bound:"+b.Path, true, "")
		}
	}

	if len(criteria.Schema) > 0 {
		if problems := v.validateSchema(criteria.Schema, raw); len(problems) > 0 {
			for _, p := range problems {
				check("schema", false, "schema "+p)
			}
		} else {
			check("schema", true, "")
		}
	}

	verdict.Accepted = len(verdict.Diagnostics) == 0
	return verdict
}

func emptiness(res gjson.Result) string {
	switch {
	case !res.Exists():
		return "required field missing"
	case res.Type == gjson.Null:
		return "must not be null"
	case res.Type == gjson.String && strings.TrimSpace(res.Str) == "":
		return "must not be empty"
	case res.IsArray() && len(res.Array()) == 0:
		return "must not be empty"
	case res.IsObject() && len(res.Map()) == 0:
		return "must not be empty"
	}
	return ""
}

func outOfBounds(res gjson.Result, b task.Bound) string {
	if !res.Exists() {
		return "required field missing"
	}
	if res.Type != gjson.Number {
		return "must be a number"
	}
	n := res.Float()
	if b.Min != nil && n < *b.Min {
		return fmt.Sprintf("%s is below minimum %s", format(n), format(*b.Min))
	}
	if b.Max != nil && n > *b.Max {
		return fmt.Sprintf("%s exceeds maximum %s", format(n), format(*b.Max))
	}
	return ""
}

func (v *Verifier) validateSchema(schema json.RawMessage, raw json.RawMessage) []string {
	compiled, err := v.compile(schema)
	if err != nil {
		return []string{"/: invalid schema: " + err.Error()}
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return []string{"/: " + err.Error()}
	}
	if err := compiled.Validate(doc); err != nil {
		return integration.SchemaDetails(err)
	}
	return nil
}

func (v *Verifier) compile(schema json.RawMessage) (*jsonschema.Schema, error) {
	sum := sha256.Sum256(schema)
	key := hex.EncodeToString(sum[:])

	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.schemas[key]; ok {
		return s, nil
	}
	s, err := jsonschema.CompileString("https://taskmesh.local/criteria/"+key+".json", string(schema))
	if err != nil {
		return nil, err
	}
	v.schemas[key] = s
	return s, nil
}

func format(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
