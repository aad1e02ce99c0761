package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Config configures a Scrubber.
type Config struct {
	// Replacement substitutes every detected secret. Empty uses
	// "[REDACTED:<rule-id>]".
	Replacement string `koanf:"replacement"`

	// AllowList holds content regexes that are never redacted.
	AllowList []string `koanf:"allow_list"`
}

// Result is the outcome of scrubbing one string.
type Result struct {
	Scrubbed string         `json:"-"`
	Findings int            `json:"findings"`
	ByRule   map[string]int `json:"by_rule,omitempty"`
}

// HasFindings reports whether anything was redacted.
func (r Result) HasFindings() bool {
	return r.Findings > 0
}

// Scrubber redacts secrets from text. It is safe for concurrent use.
type Scrubber struct {
	replacement string
	allowList   []*regexp.Regexp
	patterns    []string
}

// New creates a Scrubber. A nil cfg uses the defaults.
func New(cfg *Config) (*Scrubber, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	s := &Scrubber{replacement: cfg.Replacement}

	for i, pattern := range cfg.AllowList {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("allow_list %d: invalid pattern: %w", i, err)
		}
		s.allowList = append(s.allowList, re)
		s.patterns = append(s.patterns, pattern)
	}

	// Fail fast if the embedded gitleaks config cannot load.
	if _, err := s.detector(); err != nil {
		return nil, err
	}

	return s, nil
}

// detector builds a fresh gitleaks detector. Detectors accumulate findings
// internally, so one is created per scrub.
func (s *Scrubber) detector() (*detect.Detector, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks config: %w", err)
	}
	if len(s.allowList) > 0 {
		allow := &gitleaksConfig.Allowlist{Description: "refinery allow list"}
		for _, re := range s.allowList {
			allow.Regexes = append(allow.Regexes, (*gitleaksRegexp.Regexp)(re))
		}
		allow.StopWords = append(allow.StopWords, s.patterns...)
		d.Config.Allowlists = append(d.Config.Allowlists, allow)
	}
	return d, nil
}

// Scrub redacts secrets from content.
func (s *Scrubber) Scrub(content string) (Result, error) {
	res := Result{Scrubbed: content}
	if content == "" {
		return res, nil
	}

	d, err := s.detector()
	if err != nil {
		return res, err
	}

	findings := d.DetectString(content)
	if len(findings) == 0 {
		return res, nil
	}

	res.ByRule = make(map[string]int)
	secrets := make(map[string]string, len(findings))
	for _, f := range findings {
		value := f.Secret
		if value == "" {
			value = f.Match
		}
		if value == "" || s.allowed(value) {
			continue
		}
		res.Findings++
		res.ByRule[f.RuleID]++
		secrets[value] = f.RuleID
	}

	// Longest first so a secret containing another is replaced whole.
	values := make([]string, 0, len(secrets))
	for v := range secrets {
		values = append(values, v)
	}
	sort.Slice(values, func(i, j int) bool { return len(values[i]) > len(values[j]) })

	scrubbed := content
	for _, v := range values {
		scrubbed = strings.ReplaceAll(scrubbed, v, s.marker(secrets[v]))
	}
	res.Scrubbed = scrubbed
	return res, nil
}

func (s *Scrubber) allowed(value string) bool {
	for _, re := range s.allowList {
		if re.MatchString(value) {
			return true
		}
	}
	return false
}

func (s *Scrubber) marker(ruleID string) string {
	if s.replacement != "" {
		return s.replacement
	}
	return "[REDACTED:" + ruleID + "]"
}
