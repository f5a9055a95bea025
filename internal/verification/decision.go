package verification

// Confidence is the model's self-reported certainty.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Valid reports whether c is one of the known levels.
func (c Confidence) Valid() bool {
	switch c {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
		return true
	}
	return false
}

// DecisionInput is the model's structured analysis of a selfie and ID pair.
// It is validated and discarded, never stored.
type DecisionInput struct {
	FacesMatch    bool
	DOBFound      bool
	DateOfBirth   *string
	CalculatedAge *int
	IsOver18      bool
	Confidence    Confidence
	Reason        string
}

// Accept applies the acceptance rule. Every condition must hold.
func (d DecisionInput) Accept() bool {
	return d.FacesMatch && d.DOBFound && d.IsOver18 && d.Confidence != ConfidenceLow
}
