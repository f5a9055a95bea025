package verification

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func TestGenAIAnalyzerRequiresKey(t *testing.T) {
	_, err := NewGenAIAnalyzer(context.Background(), GenAIConfig{})
	require.Error(t, err)
}

func TestGenAIAnalyzerReturnsCandidateText(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "models/"+defaultGenAIModel+":generateContent"), r.URL.Path)
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":%q}]}}]}`, acceptJSON)
	}))
	defer srv.Close()

	a, err := NewGenAIAnalyzer(context.Background(), GenAIConfig{
		APIKey:     "test-key",
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
	})
	require.NoError(t, err)

	text, err := a.Analyze(context.Background(), AnalysisRequest{
		Selfie: Image{Data: testPNG, MIMEType: "image/png"},
		ID:     Image{Data: testJPEG, MIMEType: "image/jpeg"},
		Today:  fixedNow,
	})
	require.NoError(t, err)
	require.Equal(t, acceptJSON, text)

	require.Contains(t, body, "image/png")
	require.Contains(t, body, "image/jpeg")
	require.Contains(t, body, "application/json")
}

func TestClassifyGenAIError(t *testing.T) {
	require.ErrorIs(t, classifyGenAIError(genai.APIError{Code: 429, Status: "RESOURCE_EXHAUSTED"}), ErrRateLimited)
	require.ErrorIs(t, classifyGenAIError(fmt.Errorf("wrapped: %w", genai.APIError{Code: 429})), ErrRateLimited)
	require.ErrorIs(t, classifyGenAIError(genai.APIError{Code: 503}), ErrUnavailable)
	require.ErrorIs(t, classifyGenAIError(errors.New("dial tcp: refused")), ErrUnavailable)
}
