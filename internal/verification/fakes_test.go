package verification

import (
	"context"
	"encoding/base64"
	"sync"

	"github.com/ashureev/phantom/internal/domain"
)

var (
	testPNG    = []byte("\x89PNG\r\n\x1a\nselfie-bytes")
	testJPEG   = []byte("\xff\xd8\xff\xe0id-document-bytes")
	selfieB64  = base64.StdEncoding.EncodeToString(testPNG)
	idCardB64  = base64.StdEncoding.EncodeToString(testJPEG)
	acceptJSON = `{"facesMatch":true,"dobFound":true,"dateOfBirth":"1990-04-12","calculatedAge":34,"isOver18":true,"confidence":"high","reason":"Faces match and the holder is an adult."}`
)

type fakeAnalyzer struct {
	mu    sync.Mutex
	calls []AnalysisRequest
	text  string
	err   error
	block bool
}

func (a *fakeAnalyzer) Analyze(ctx context.Context, req AnalysisRequest) (string, error) {
	a.mu.Lock()
	a.calls = append(a.calls, req)
	a.mu.Unlock()

	if a.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return a.text, a.err
}

func (a *fakeAnalyzer) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

type fakeRecorder struct {
	mu            sync.Mutex
	verifications []domain.AgeVerification
	cleared       []string
	upsertErrs    []error
	clearErr      error
}

func (r *fakeRecorder) UpsertVerification(_ context.Context, rec *domain.AgeVerification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.upsertErrs) > 0 {
		err := r.upsertErrs[0]
		r.upsertErrs = r.upsertErrs[1:]
		if err != nil {
			return err
		}
	}
	r.verifications = append(r.verifications, *rec)
	return nil
}

func (r *fakeRecorder) ClearMinorFlag(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clearErr != nil {
		return r.clearErr
	}
	r.cleared = append(r.cleared, userID)
	return nil
}

func (r *fakeRecorder) writes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.verifications) + len(r.cleared)
}
