// Package verification implements the age verification policy: it asks a
// multimodal model to compare a selfie with an identity document, applies the
// acceptance rule to the model's structured answer and records accepted
// outcomes. Images are held in memory only for the duration of the model call.
package verification

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrRateLimited is returned by analyzers when the model service signals rate limiting.
	ErrRateLimited = errors.New("analysis service rate limited")
	// ErrUnavailable is returned by analyzers for any other service failure.
	ErrUnavailable = errors.New("analysis service unavailable")
	// ErrMalformedResponse is returned by analyzers when the service envelope cannot be decoded.
	ErrMalformedResponse = errors.New("analysis service returned a malformed response")
)

// Image is a decoded image payload.
type Image struct {
	Data     []byte
	MIMEType string
}

// DataURL renders the image as a base64 data URL.
func (i Image) DataURL() string {
	return "data:" + i.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(i.Data)
}

// DecodeImage accepts either a data URL or bare base64 and returns the raw
// bytes. The MIME type comes from the data URL when present and is sniffed otherwise.
func DecodeImage(encoded string) (Image, error) {
	payload := strings.TrimSpace(encoded)
	mimeType := ""

	if rest, ok := strings.CutPrefix(payload, "data:"); ok {
		header, data, found := strings.Cut(rest, ",")
		if !found {
			return Image{}, errors.New("data URL has no payload")
		}
		meta, isBase64 := strings.CutSuffix(header, ";base64")
		if !isBase64 {
			return Image{}, errors.New("data URL is not base64 encoded")
		}
		mimeType = meta
		payload = data
	}

	data, err := decodeBase64(payload)
	if err != nil {
		return Image{}, fmt.Errorf("decode image: %w", err)
	}
	if len(data) == 0 {
		return Image{}, errors.New("image is empty")
	}

	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(mimeType, "image/") {
		mimeType = "image/jpeg"
	}
	return Image{Data: data, MIMEType: mimeType}, nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ' ', '\t':
			return -1
		}
		return r
	}, s)
	if data, err := base64.StdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

// AnalysisRequest is what an Analyzer sends to the model.
type AnalysisRequest struct {
	Selfie Image
	ID     Image
	Today  time.Time
}

// Analyzer runs the face match and date of birth extraction on a model
// service and returns the model's raw text answer.
type Analyzer interface {
	Analyze(ctx context.Context, req AnalysisRequest) (string, error)
}

// Instructions returns the fixed instruction set sent with both images.
func Instructions(today time.Time) string {
	return fmt.Sprintf(`You are an age verification assistant. You receive two images:
1. A live selfie of a person.
2. A photo of an identity document.

Today's date is %s.

Tasks:
- Decide whether the face in the selfie matches the face on the identity document.
- Find the date of birth on the identity document. It may be in any common date format.
- Compute the person's age as of today's date.
- Decide whether the person is at least 18 years old.
- Rate your confidence as "high", "medium" or "low".

Respond with only a JSON object of exactly this shape:
{
  "facesMatch": boolean,
  "dobFound": boolean,
  "dateOfBirth": "YYYY-MM-DD" or null,
  "calculatedAge": number or null,
  "isOver18": boolean,
  "confidence": "high" | "medium" | "low",
  "reason": "short explanation suitable for the user"
}`, today.Format("2006-01-02"))
}
