package integration

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	xerrors "TaskMesh-Chain/internal/errors"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// DescriptorVersion is bumped whenever the descriptor layout changes.
const DescriptorVersion = 1

// State is the lifecycle state of an artifact.
type State string

const (
	StateActive   State = "ACTIVE"
	StateArchived State = "ARCHIVED"
	StateDeleted  State = "DELETED"
)

// Artifact is a synthesized integration. Source holds the canonical
// descriptor consumed by the fixed invocation engine.
type Artifact struct {
	ID          string            `json:"id"`
	Fingerprint string            `json:"fingerprint"`
	Generation  int               `json:"generation"`
	Source      json.RawMessage   `json:"source"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UsageCount  int64             `json:"usage_count"`
	State       State             `json:"state"`
}

// Descriptor is the data-driven form of an integration.
type Descriptor struct {
	Version     int             `json:"version"`
	Fingerprint string          `json:"fingerprint"`
	Name        string          `json:"name,omitempty"`
	Endpoint    string          `json:"endpoint"`
	Method      string          `json:"method"`
	Auth        Auth            `json:"auth"`
	Envelope    string          `json:"envelope,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
	TimeoutMS   int64           `json:"timeout_ms,omitempty"`
}

// Synthesizer turns a contract into an artifact.
type Synthesizer interface {
	Synthesize(c Contract) (Artifact, error)
}

// DescriptorSynthesizer is a pure, deterministic Synthesizer: the same
// contract always yields byte-identical Source.
type DescriptorSynthesizer struct {
	policy Policy
	now    func() time.Time
}

// NewSynthesizer returns a synthesizer enforcing policy on endpoints.
func NewSynthesizer(policy Policy) *DescriptorSynthesizer {
	return &DescriptorSynthesizer{policy: policy, now: func() time.Time { return time.Now().UTC() }}
}

// Synthesize implements Synthesizer.
func (s *DescriptorSynthesizer) Synthesize(c Contract) (Artifact, error) {
	c = c.Normalize()
	if err := c.Validate(); err != nil {
		return Artifact{}, err
	}
	if err := s.policy.Check(c); err != nil {
		return Artifact{}, err
	}
	source, err := BuildDescriptor(c)
	if err != nil {
		return Artifact{}, err
	}
	fp := Fingerprint(c)
	return Artifact{
		ID:          ArtifactID(fp, 1),
		Fingerprint: fp,
		Generation:  1,
		Source:      source,
		Metadata: map[string]string{
			"name":     c.Name,
			"endpoint": c.Endpoint,
			"auth":     string(c.Auth.Scheme),
		},
		CreatedAt: s.now(),
		State:     StateActive,
	}, nil
}

// ArtifactID derives the artifact identifier from a fingerprint and the
// build generation. Generation 1 keeps the bare form.
func ArtifactID(fingerprint string, generation int) string {
	if len(fingerprint) > 16 {
		fingerprint = fingerprint[:16]
	}
	if generation <= 1 {
		return "art_" + fingerprint
	}
	return "art_" + fingerprint + "_g" + strconv.Itoa(generation)
}

// BuildDescriptor renders the canonical descriptor JSON for c.
func BuildDescriptor(c Contract) ([]byte, error) {
	c = c.Normalize()
	schema, err := inputSchema(c)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(Descriptor{
		Version:     DescriptorVersion,
		Fingerprint: Fingerprint(c),
		Name:        c.Name,
		Endpoint:    c.Endpoint,
		Method:      c.Method,
		Auth:        c.Auth,
		Envelope:    "data",
		InputSchema: schema,
		TimeoutMS:   c.TimeoutMS,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSynthesisFailure, err, "encode descriptor")
	}
	if _, err := compileSchema(ArtifactID(Fingerprint(c), 1), schema); err != nil {
		return nil, err
	}
	return raw, nil
}

func inputSchema(c Contract) (json.RawMessage, error) {
	properties := make(map[string]any, len(c.Parameters))
	required := make([]string, 0, len(c.Parameters))
	for name, p := range c.Parameters {
		prop := map[string]any{"type": string(p.Type)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		properties[name] = prop
		if p.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)
	doc := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSynthesisFailure, err, "encode input schema")
	}
	return raw, nil
}

func compileSchema(id string, schema json.RawMessage) (*jsonschema.Schema, error) {
	compiled, err := jsonschema.CompileString("https://taskmesh.local/integrations/"+id+".json", string(schema))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSynthesisFailure, err, "compile input schema")
	}
	return compiled, nil
}

// Loaded is the executable form of an artifact.
type Loaded struct {
	Artifact   Artifact
	Descriptor Descriptor
	schema     *jsonschema.Schema
}

// Load parses an artifact's descriptor and compiles its input schema.
func Load(a Artifact) (*Loaded, error) {
	var d Descriptor
	if err := json.Unmarshal(a.Source, &d); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSynthesisFailure, err, "decode descriptor")
	}
	if d.Version != DescriptorVersion {
		return nil, xerrors.New(xerrors.CodeSynthesisFailure, fmt.Sprintf("unsupported descriptor version %d", d.Version))
	}
	schema, err := compileSchema(a.ID, d.InputSchema)
	if err != nil {
		return nil, err
	}
	return &Loaded{Artifact: a, Descriptor: d, schema: schema}, nil
}

// ValidateParams checks params against the descriptor's input schema and
// returns one detail line per violation.
func (l *Loaded) ValidateParams(params map[string]any) []string {
	doc, err := roundTrip(params)
	if err != nil {
		return []string{"params: " + err.Error()}
	}
	if err := l.schema.Validate(doc); err != nil {
		return SchemaDetails(err)
	}
	return nil
}

// SchemaDetails flattens a jsonschema validation error into detail lines
// of the form "<instance location>: <message>".
func SchemaDetails(err error) []string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{err.Error()}
	}
	var out []string
	var walk func(v *jsonschema.ValidationError)
	walk = func(v *jsonschema.ValidationError) {
		if len(v.Causes) == 0 {
			loc := v.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			out = append(out, strings.TrimSpace(loc+": "+v.Message))
			return
		}
		for _, cause := range v.Causes {
			walk(cause)
		}
	}
	walk(ve)
	return out
}

// roundTrip converts params into the generic JSON shape the validator expects.
func roundTrip(params map[string]any) (any, error) {
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
