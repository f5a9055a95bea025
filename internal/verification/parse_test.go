package verification

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseDecisionFormats(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"raw", acceptJSON},
		{"json fence", "```json\n" + acceptJSON + "\n```"},
		{"bare fence", "```\n" + acceptJSON + "\n```"},
		{"fence with prose", "Here is the result:\n```json\n" + acceptJSON + "\n```\nLet me know."},
		{"prose around raw object", "Result: " + acceptJSON + " done"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := ParseDecision(tt.text)
			require.NoError(t, err)
			require.True(t, d.FacesMatch)
			require.True(t, d.DOBFound)
			require.True(t, d.IsOver18)
			require.Equal(t, ConfidenceHigh, d.Confidence)
			require.Equal(t, "1990-04-12", *d.DateOfBirth)
			require.Equal(t, 34, *d.CalculatedAge)
			require.True(t, d.Accept())
		})
	}
}

func TestParseDecisionNullableFields(t *testing.T) {
	d, err := ParseDecision(`{"facesMatch":true,"dobFound":false,"dateOfBirth":null,"calculatedAge":null,"isOver18":false,"confidence":"Medium","reason":"No date of birth visible."}`)
	require.NoError(t, err)
	require.Nil(t, d.DateOfBirth)
	require.Nil(t, d.CalculatedAge)
	require.Equal(t, ConfidenceMedium, d.Confidence)
	require.False(t, d.Accept())
}

func TestParseDecisionRejectsMalformed(t *testing.T) {
	tests := map[string]string{
		"not json":          "I cannot help with that.",
		"empty":             "",
		"truncated":         `{"facesMatch":true,"dobFound":`,
		"missing field":     `{"facesMatch":true,"dobFound":true,"isOver18":true,"reason":"ok"}`,
		"null bool":         `{"facesMatch":null,"dobFound":true,"isOver18":true,"confidence":"high","reason":"ok"}`,
		"string bool":       `{"facesMatch":"true","dobFound":true,"isOver18":true,"confidence":"high","reason":"ok"}`,
		"unknown enum":      `{"facesMatch":true,"dobFound":true,"isOver18":true,"confidence":"certain","reason":"ok"}`,
		"negative age":      `{"facesMatch":true,"dobFound":true,"calculatedAge":-3,"isOver18":true,"confidence":"high","reason":"ok"}`,
		"fractional age":    `{"facesMatch":true,"dobFound":true,"calculatedAge":18.5,"isOver18":true,"confidence":"high","reason":"ok"}`,
		"wrong reason type": `{"facesMatch":true,"dobFound":true,"isOver18":true,"confidence":"high","reason":42}`,
		"array":             `[{"facesMatch":true}]`,
	}
	for name, text := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDecision(text)
			require.Error(t, err)
		})
	}
}

func TestAcceptRequiresEveryCondition(t *testing.T) {
	base := DecisionInput{FacesMatch: true, DOBFound: true, IsOver18: true, Confidence: ConfidenceHigh}
	require.True(t, base.Accept())

	medium := base
	medium.Confidence = ConfidenceMedium
	require.True(t, medium.Accept())

	for name, mutate := range map[string]func(*DecisionInput){
		"faces differ":   func(d *DecisionInput) { d.FacesMatch = false },
		"no dob":         func(d *DecisionInput) { d.DOBFound = false },
		"underage":       func(d *DecisionInput) { d.IsOver18 = false },
		"low confidence": func(d *DecisionInput) { d.Confidence = ConfidenceLow },
	} {
		d := base
		mutate(&d)
		require.False(t, d.Accept(), name)
	}
}
