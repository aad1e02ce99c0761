// Package jsonfix provides a Generator and Validator pair that repairs JSON
// documents until they parse and carry a set of required top-level keys.
package jsonfix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/kaptinlin/jsonrepair"

	"github.com/fyrsmithlabs/refinery/internal/orchestrator"
)

// Issue kinds reported by the Validator.
const (
	KindSyntaxError     = "syntax_error"
	KindSchemaViolation = "schema_violation"
	KindEmptyObject     = "empty_object"
)

// keyLocationPrefix prefixes the Location of missing-key issues.
const keyLocationPrefix = "$."

// Task is the request payload: a document to fix and the keys it must have.
type Task struct {
	Document string   `json:"document"`
	Required []string `json:"required,omitempty"`
}

// Generator proposes the document as given and repairs it from feedback.
type Generator struct{}

var _ orchestrator.Generator = Generator{}

// NewGenerator creates a Generator.
func NewGenerator() Generator {
	return Generator{}
}

// Propose returns the task document unchanged as the first artifact.
func (Generator) Propose(_ context.Context, req orchestrator.Request) (orchestrator.Artifact, error) {
	var doc string
	switch p := req.Payload.(type) {
	case Task:
		doc = p.Document
	case *Task:
		if p == nil {
			return orchestrator.Artifact{}, errors.New("nil task")
		}
		doc = p.Document
	case string:
		doc = p
	default:
		return orchestrator.Artifact{}, fmt.Errorf("unsupported payload type %T", req.Payload)
	}
	return artifact(doc), nil
}

// Repair fixes syntax first. Missing keys are only inserted once the
// document parses, and are set to null.
func (Generator) Repair(_ context.Context, prev orchestrator.Artifact, fb orchestrator.Feedback) (orchestrator.Artifact, error) {
	text, ok := prev.Content.(string)
	if !ok {
		return orchestrator.Artifact{}, fmt.Errorf("artifact content is %T, want string", prev.Content)
	}

	var missing []string
	for _, issue := range fb.Errors {
		switch issue.Kind {
		case KindSyntaxError:
			fixed, err := jsonrepair.JSONRepair(text)
			if err != nil {
				// Unrepairable input is proposed again unchanged and left to
				// the iteration cap.
				return prev, nil
			}
			return artifact(fixed), nil
		case KindSchemaViolation:
			if key, ok := strings.CutPrefix(issue.Location, keyLocationPrefix); ok {
				missing = append(missing, key)
			}
		}
	}
	if len(missing) == 0 {
		return prev, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &obj); err != nil || obj == nil {
		return prev, nil
	}

	// Keys are spliced in before the closing brace so existing members keep
	// their exact bytes.
	body := strings.TrimRightFunc(text, unicode.IsSpace)
	if !strings.HasSuffix(body, "}") {
		return prev, nil
	}
	var b strings.Builder
	b.WriteString(strings.TrimSuffix(body, "}"))
	members := len(obj)
	inserted := false
	for _, key := range missing {
		if _, ok := obj[key]; ok {
			continue
		}
		name, err := json.Marshal(key)
		if err != nil {
			return orchestrator.Artifact{}, fmt.Errorf("encode key %q: %w", key, err)
		}
		if members > 0 {
			b.WriteString(", ")
		}
		b.Write(name)
		b.WriteString(": null")
		obj[key] = nil
		members++
		inserted = true
	}
	if !inserted {
		return prev, nil
	}
	b.WriteString("}")
	return artifact(b.String()), nil
}

// Validator checks that an artifact is a JSON object with the required keys.
type Validator struct {
	required []string
}

var _ orchestrator.Validator = (*Validator)(nil)

// NewValidator creates a Validator requiring the given top-level keys.
func NewValidator(required ...string) *Validator {
	return &Validator{required: required}
}

// Analyze parses the artifact and reports what is wrong with it.
func (v *Validator) Analyze(_ context.Context, a orchestrator.Artifact) (orchestrator.Feedback, error) {
	text, ok := a.Content.(string)
	if !ok {
		return orchestrator.Feedback{}, fmt.Errorf("artifact content is %T, want string", a.Content)
	}

	var fb orchestrator.Feedback

	var doc any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		fb.Errors = append(fb.Errors, syntaxIssue(err))
		return fb, nil
	}

	obj, ok := doc.(map[string]any)
	if !ok {
		fb.Errors = append(fb.Errors, orchestrator.Issue{
			Location:    "$",
			Kind:        KindSchemaViolation,
			Description: fmt.Sprintf("document must be a JSON object, got %s", jsonType(doc)),
		})
		return fb, nil
	}

	for _, key := range v.required {
		if _, ok := obj[key]; !ok {
			fb.Errors = append(fb.Errors, orchestrator.Issue{
				Location:     keyLocationPrefix + key,
				Kind:         KindSchemaViolation,
				Description:  fmt.Sprintf("missing required key %q", key),
				SuggestedFix: fmt.Sprintf("insert %q with a null value", key),
			})
		}
	}
	if len(obj) == 0 {
		fb.Warnings = append(fb.Warnings, orchestrator.Issue{
			Location:    "$",
			Kind:        KindEmptyObject,
			Description: "document is an empty object",
		})
	}

	fb.Approved = len(fb.Errors) == 0
	return fb, nil
}

func syntaxIssue(err error) orchestrator.Issue {
	issue := orchestrator.Issue{
		Kind:         KindSyntaxError,
		Description:  err.Error(),
		SuggestedFix: "repair JSON syntax",
	}
	var se *json.SyntaxError
	if errors.As(err, &se) {
		issue.Location = fmt.Sprintf("offset %d", se.Offset)
	}
	return issue
}

func jsonType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case []any:
		return "array"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func artifact(text string) orchestrator.Artifact {
	return orchestrator.Artifact{Content: text, Representation: len(text)}
}
