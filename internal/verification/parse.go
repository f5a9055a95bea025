package verification

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
)

const maxPlausibleAge = 150

var (
	errNoJSON = errors.New("no JSON object in model output")

	// fencePattern matches the first fenced code block, with or without a language tag.
	fencePattern = regexp.MustCompile("(?s)```[A-Za-z]*\\s*(.*?)```")
)

// rawDecision mirrors the model's JSON answer. Pointers distinguish missing from false.
type rawDecision struct {
	FacesMatch    *bool    `json:"facesMatch"`
	DOBFound      *bool    `json:"dobFound"`
	DateOfBirth   *string  `json:"dateOfBirth"`
	CalculatedAge *float64 `json:"calculatedAge"`
	IsOver18      *bool    `json:"isOver18"`
	Confidence    *string  `json:"confidence"`
	Reason        *string  `json:"reason"`
}

// extractJSON returns the JSON object in text, taken from a fenced block when
// one is present and from the raw text otherwise.
func extractJSON(text string) (string, error) {
	body := strings.TrimSpace(text)
	if m := fencePattern.FindStringSubmatch(body); m != nil {
		body = strings.TrimSpace(m[1])
	}

	start := strings.Index(body, "{")
	end := strings.LastIndex(body, "}")
	if start == -1 || end < start {
		return "", errNoJSON
	}
	return body[start : end+1], nil
}

// ParseDecision extracts and strictly validates the model's decision object.
func ParseDecision(text string) (*DecisionInput, error) {
	body, err := extractJSON(text)
	if err != nil {
		return nil, err
	}

	var raw rawDecision
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, fmt.Errorf("decode decision: %w", err)
	}

	var missing []string
	if raw.FacesMatch == nil {
		missing = append(missing, "facesMatch")
	}
	if raw.DOBFound == nil {
		missing = append(missing, "dobFound")
	}
	if raw.IsOver18 == nil {
		missing = append(missing, "isOver18")
	}
	if raw.Confidence == nil {
		missing = append(missing, "confidence")
	}
	if raw.Reason == nil {
		missing = append(missing, "reason")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("decision missing fields: %s", strings.Join(missing, ", "))
	}

	confidence := Confidence(strings.ToLower(strings.TrimSpace(*raw.Confidence)))
	if !confidence.Valid() {
		return nil, fmt.Errorf("invalid confidence %q", *raw.Confidence)
	}

	d := &DecisionInput{
		FacesMatch: *raw.FacesMatch,
		DOBFound:   *raw.DOBFound,
		IsOver18:   *raw.IsOver18,
		Confidence: confidence,
		Reason:     strings.TrimSpace(*raw.Reason),
	}

	if raw.DateOfBirth != nil && strings.TrimSpace(*raw.DateOfBirth) != "" {
		dob := strings.TrimSpace(*raw.DateOfBirth)
		d.DateOfBirth = &dob
	}
	if raw.CalculatedAge != nil {
		age := *raw.CalculatedAge
		if age < 0 || age > maxPlausibleAge || age != math.Trunc(age) {
			return nil, fmt.Errorf("calculatedAge out of range: %v", age)
		}
		n := int(age)
		d.CalculatedAge = &n
	}
	return d, nil
}
