package secrets

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/refinery/internal/orchestrator"
)

// ScrubRecord returns a redacted copy of rec and the number of secrets
// removed. rec itself is never modified.
//
// Every string the record carries is scrubbed, including identifiers and
// issue locations. String payloads are scrubbed in place. Other payloads are scrubbed in their
// JSON encoding and replaced with the redacted JSON only when something was
// found.
func (s *Scrubber) ScrubRecord(rec *orchestrator.InteractionRecord) (*orchestrator.InteractionRecord, int, error) {
	if rec == nil {
		return nil, 0, errors.New("nil interaction record")
	}

	out := rec.Clone()
	total := 0
	var errs []error

	scrub := func(text string) string {
		res, err := s.Scrub(text)
		if err != nil {
			errs = append(errs, err)
			return text
		}
		total += res.Findings
		return res.Scrubbed
	}
	scrubValue := func(v any) any {
		scrubbed, err := s.scrubValue(v, scrub)
		if err != nil {
			errs = append(errs, err)
			return v
		}
		return scrubbed
	}

	out.RunID = scrub(out.RunID)
	out.Request.ID = scrub(out.Request.ID)
	out.Request.Payload = scrubValue(out.Request.Payload)
	for i := range out.Solutions {
		out.Solutions[i].Content = scrubValue(out.Solutions[i].Content)
		out.Solutions[i].Representation = scrubValue(out.Solutions[i].Representation)
	}
	for i := range out.Feedback {
		scrubIssues(out.Feedback[i].Errors, scrub)
		scrubIssues(out.Feedback[i].Warnings, scrub)
	}
	if out.Reason != "" {
		out.Reason = scrub(out.Reason)
	}

	if err := errors.Join(errs...); err != nil {
		return nil, 0, fmt.Errorf("scrubbing record %s: %w", out.RunID, err)
	}
	return out, total, nil
}

func (s *Scrubber) scrubValue(v any, scrub func(string) string) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		return scrub(val), nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	text := string(data)
	scrubbed := scrub(text)
	if scrubbed == text {
		return v, nil
	}
	if !json.Valid([]byte(scrubbed)) {
		// A match spanning JSON syntax; drop the whole value.
		return s.marker("payload"), nil
	}
	return json.RawMessage(scrubbed), nil
}

func scrubIssues(issues []orchestrator.Issue, scrub func(string) string) {
	for i := range issues {
		issues[i].Location = scrub(issues[i].Location)
		issues[i].Kind = scrub(issues[i].Kind)
		issues[i].Description = scrub(issues[i].Description)
		issues[i].SuggestedFix = scrub(issues[i].SuggestedFix)
	}
}
