package magmodel

import (
	"fmt"
	"strings"

	"github.com/agnivade/levenshtein"
)

// Kind selects which spherical-harmonic model variant backs the field queries.
type Kind string

const (
	WMM  Kind = "WMM"
	EMM  Kind = "EMM"
	IGRF Kind = "IGRF"
)

var knownKinds = []Kind{WMM, EMM, IGRF}

// modelFiles maps a kind to the coefficient file name (without extension) under the data directory.
var modelFiles = map[Kind]string{
	WMM:  "wmm2015",
	EMM:  "emm2017",
	IGRF: "igrf12",
}

// ConfigError reports an unknown model selection. No default exists, so callers
// treat it as fatal.
type ConfigError struct {
	Name       string
	Suggestion Kind
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("magmodel: unknown model %q: must be one of IGRF, WMM or EMM", e.Name)
	if e.Suggestion != "" {
		msg += fmt.Sprintf(" (did you mean %s?)", e.Suggestion)
	}
	return msg
}

// ParseKind normalizes a model name. Matching is case-insensitive.
func ParseKind(name string) (Kind, error) {
	norm := Kind(strings.ToUpper(strings.TrimSpace(name)))
	for _, k := range knownKinds {
		if norm == k {
			return k, nil
		}
	}
	return "", &ConfigError{Name: name, Suggestion: suggestKind(string(norm))}
}

// FileName returns the coefficient file base name for the kind.
func (k Kind) FileName() string {
	return modelFiles[k]
}

// suggestKind returns the closest known kind within an edit distance of 2.
func suggestKind(name string) Kind {
	if name == "" {
		return ""
	}
	best := Kind("")
	bestDist := 3
	for _, k := range knownKinds {
		d := levenshtein.ComputeDistance(name, string(k))
		if d < bestDist {
			best = k
			bestDist = d
		}
	}
	return best
}
