// Package validator implements the command validator & output redactor:
// canonicalization, dangerous-pattern rejection, and stream redaction.
package validator

import (
	_ "embed"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var rulesYAML []byte

const maxCommandLength = 1000

// FailureKind classifies why a command was rejected.
type FailureKind string

const (
	FailureTooLong            FailureKind = "TooLong"
	FailureForbiddenCharacter FailureKind = "ForbiddenCharacter"
	FailureEmpty              FailureKind = "Empty"
	FailureDangerousPattern   FailureKind = "DangerousPattern"
)

// RejectError is returned by Validate when a command is refused.
type RejectError struct {
	Kind  FailureKind
	Which string // populated for FailureDangerousPattern
}

func (e *RejectError) Error() string {
	if e.Which != "" {
		return fmt.Sprintf("%s(%s)", e.Kind, e.Which)
	}
	return string(e.Kind)
}

type dangerousRule struct {
	Which   string
	Pattern *regexp.Regexp
}

type redactionRule struct {
	Kind        string
	Pattern     *regexp.Regexp
	Replacement string
}

type rulesDoc struct {
	DangerousPatterns []struct {
		Which   string `yaml:"which"`
		Pattern string `yaml:"pattern"`
	} `yaml:"dangerous_patterns"`
	Redaction []struct {
		Kind        string `yaml:"kind"`
		Pattern     string `yaml:"pattern"`
		Replacement string `yaml:"replacement"`
	} `yaml:"redaction"`
}

// Validator holds the compiled dangerous-pattern and redaction rule
// sets, plus the configured CLI binary name used for canonicalization.
type Validator struct {
	cliBinary    string
	dangerous    []dangerousRule
	redactions   []redactionRule
	tokenPattern *regexp.Regexp
}

// New compiles the embedded rule document for the given CLI binary name
// (the first-token identity that triggers canonicalization).
func New(cliBinary string) (*Validator, error) {
	var doc rulesDoc
	if err := yaml.Unmarshal(rulesYAML, &doc); err != nil {
		return nil, fmt.Errorf("parse validator rules: %w", err)
	}

	v := &Validator{cliBinary: cliBinary}
	for _, dp := range doc.DangerousPatterns {
		re, err := regexp.Compile(dp.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile dangerous pattern %q: %w", dp.Which, err)
		}
		v.dangerous = append(v.dangerous, dangerousRule{Which: dp.Which, Pattern: re})
	}
	for _, rd := range doc.Redaction {
		re, err := regexp.Compile(rd.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile redaction pattern %q: %w", rd.Kind, err)
		}
		rule := redactionRule{Kind: rd.Kind, Pattern: re, Replacement: rd.Replacement}
		if rd.Kind == "token" {
			v.tokenPattern = re
		}
		v.redactions = append(v.redactions, rule)
	}
	return v, nil
}

// Validate canonicalizes and checks command, returning the canonical
// form on success or a *RejectError on failure.
func (v *Validator) Validate(command string) (string, error) {
	if strings.TrimSpace(command) == "" {
		return "", &RejectError{Kind: FailureEmpty}
	}
	if len(command) > maxCommandLength {
		return "", &RejectError{Kind: FailureTooLong}
	}
	for _, r := range command {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) {
			return "", &RejectError{Kind: FailureForbiddenCharacter}
		}
	}
	for _, rule := range v.dangerous {
		if rule.Pattern.MatchString(command) {
			return "", &RejectError{Kind: FailureDangerousPattern, Which: rule.Which}
		}
	}
	return v.canonicalize(command), nil
}

// canonicalize rewrites a bare CLI-binary invocation "<bin> <rest>" to
// "<bin> --print <rest>", unless rest already starts with a flag.
func (v *Validator) canonicalize(command string) string {
	trimmed := strings.TrimSpace(command)
	fields := strings.Fields(trimmed)
	if len(fields) == 0 || fields[0] != v.cliBinary {
		return trimmed
	}
	if len(fields) == 1 {
		return v.cliBinary + " --print"
	}
	if strings.HasPrefix(fields[1], "-") {
		return trimmed
	}
	rest := strings.TrimPrefix(trimmed, fields[0])
	return v.cliBinary + " --print" + rest
}

// Redact applies the configured redaction rules to output bytes,
// replacing API keys, emails, and long mixed-case tokens.
func (v *Validator) Redact(output []byte) []byte {
	text := string(output)
	for _, rule := range v.redactions {
		if rule.Kind == "token" {
			text = rule.Pattern.ReplaceAllStringFunc(text, func(match string) string {
				if isMixedCase(match) {
					return rule.Replacement
				}
				return match
			})
			continue
		}
		text = rule.Pattern.ReplaceAllString(text, rule.Replacement)
	}
	return []byte(text)
}

func isMixedCase(s string) bool {
	hasUpper, hasLower := false, false
	for _, r := range s {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		}
		if hasUpper && hasLower {
			return true
		}
	}
	return false
}
