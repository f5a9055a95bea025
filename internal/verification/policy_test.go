package verification

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, time.February, 29, 10, 30, 0, 0, time.UTC)

func newTestPolicy(a Analyzer, rec Recorder) *Policy {
	return NewPolicy(a, rec, Options{
		AnalyzeTimeout: time.Second,
		WriteBackoff:   time.Millisecond,
		Now:            func() time.Time { return fixedNow },
	})
}

func validRequest() Request {
	return Request{SelfieBase64: selfieB64, IDBase64: idCardB64, UserID: "u1"}
}

func requireKind(t *testing.T, err error, want Kind) *Error {
	t.Helper()
	var verr *Error
	require.ErrorAs(t, err, &verr)
	require.Equal(t, want, verr.Kind)
	return verr
}

func TestVerifyMissingInput(t *testing.T) {
	for name, req := range map[string]Request{
		"no selfie": {SelfieBase64: "", IDBase64: "x", UserID: "u1"},
		"no id":     {SelfieBase64: "x", IDBase64: "  ", UserID: "u1"},
		"no user":   {SelfieBase64: "x", IDBase64: "x"},
	} {
		t.Run(name, func(t *testing.T) {
			analyzer := &fakeAnalyzer{text: acceptJSON}
			rec := &fakeRecorder{}
			res, err := newTestPolicy(analyzer, rec).Verify(context.Background(), req)

			require.Nil(t, res)
			verr := requireKind(t, err, KindInvalidInput)
			require.Contains(t, verr.Reason, "missing required data")
			require.Zero(t, analyzer.Calls())
			require.Zero(t, rec.writes())
		})
	}
}

func TestVerifyUnreadableImage(t *testing.T) {
	analyzer := &fakeAnalyzer{text: acceptJSON}
	_, err := newTestPolicy(analyzer, &fakeRecorder{}).Verify(context.Background(), Request{
		SelfieBase64: "%%% not base64 %%%",
		IDBase64:     idCardB64,
		UserID:       "u1",
	})
	requireKind(t, err, KindInvalidInput)
	require.Zero(t, analyzer.Calls())
}

func TestVerifyWithoutAnalyzerIsConfigurationError(t *testing.T) {
	rec := &fakeRecorder{}
	p := newTestPolicy(nil, rec)
	require.False(t, p.Enabled())

	_, err := p.Verify(context.Background(), validRequest())
	verr := requireKind(t, err, KindConfiguration)
	require.Equal(t, 500, verr.Kind.HTTPStatus())
	require.Zero(t, rec.writes())
}

func TestVerifyAcceptedWritesRecordAndClearsMinor(t *testing.T) {
	analyzer := &fakeAnalyzer{text: "```json\n" + acceptJSON + "\n```"}
	rec := &fakeRecorder{}

	res, err := newTestPolicy(analyzer, rec).Verify(context.Background(), validRequest())
	require.NoError(t, err)
	require.True(t, res.Verified)
	require.Equal(t, ConfidenceHigh, res.Confidence)
	require.Equal(t, "Faces match and the holder is an adult.", res.Reason)

	require.Len(t, rec.verifications, 1)
	v := rec.verifications[0]
	require.Equal(t, "u1", v.UserID)
	require.Equal(t, "verified", v.Status)
	require.Equal(t, fixedNow, v.VerifiedAt)
	require.Equal(t, v.VerifiedAt.AddDate(1, 0, 0), v.ExpiresAt)
	require.Equal(t, []string{"u1"}, rec.cleared)

	call := analyzer.calls[0]
	require.Equal(t, testPNG, call.Selfie.Data)
	require.Equal(t, "image/png", call.Selfie.MIMEType)
	require.Equal(t, "image/jpeg", call.ID.MIMEType)
	require.Equal(t, fixedNow, call.Today)
}

func TestVerifyLowConfidenceVetoes(t *testing.T) {
	analyzer := &fakeAnalyzer{text: `{"facesMatch":true,"dobFound":true,"dateOfBirth":"2000-01-01","calculatedAge":24,"isOver18":true,"confidence":"low","reason":"Image too blurry to be sure."}`}
	rec := &fakeRecorder{}

	res, err := newTestPolicy(analyzer, rec).Verify(context.Background(), validRequest())
	require.Nil(t, res)
	verr := requireKind(t, err, KindValidationFailed)
	require.Equal(t, "Image too blurry to be sure.", verr.Reason)
	require.Equal(t, ConfidenceLow, verr.Confidence)
	require.Equal(t, 200, verr.Kind.HTTPStatus())
	require.Zero(t, rec.writes())
}

func TestVerifyMalformedResponseIsDistinct(t *testing.T) {
	rec := &fakeRecorder{}
	_, err := newTestPolicy(&fakeAnalyzer{text: "Sorry, I can't do that."}, rec).Verify(context.Background(), validRequest())

	verr := requireKind(t, err, KindMalformedUpstreamResponse)
	require.Equal(t, "could not process verification result", verr.Reason)
	require.NotEqual(t, ReasonRejected, verr.Reason)
	require.Zero(t, rec.writes())
}

func TestVerifyUpstreamFailures(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		kind   Kind
		status int
	}{
		{"rate limited", fmt.Errorf("%w: status 429", ErrRateLimited), KindUpstreamRateLimited, 429},
		{"unavailable", fmt.Errorf("%w: status 500", ErrUnavailable), KindUpstreamUnavailable, 200},
		{"bad envelope", fmt.Errorf("%w: no choices", ErrMalformedResponse), KindMalformedUpstreamResponse, 200},
		{"unknown", errors.New("boom"), KindUpstreamUnavailable, 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &fakeRecorder{}
			_, err := newTestPolicy(&fakeAnalyzer{err: tt.err}, rec).Verify(context.Background(), validRequest())
			verr := requireKind(t, err, tt.kind)
			require.Equal(t, tt.status, verr.Kind.HTTPStatus())
			require.Zero(t, rec.writes())
		})
	}
}

func TestVerifyTimeoutIsUnavailable(t *testing.T) {
	p := NewPolicy(&fakeAnalyzer{block: true}, &fakeRecorder{}, Options{AnalyzeTimeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := p.Verify(context.Background(), validRequest())
	requireKind(t, err, KindUpstreamUnavailable)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), time.Second)
}

func TestVerifyWriteFailureStillVerified(t *testing.T) {
	rec := &fakeRecorder{
		upsertErrs: []error{errors.New("disk I/O error")},
		clearErr:   errors.New("no such table: profiles"),
	}
	res, err := newTestPolicy(&fakeAnalyzer{text: acceptJSON}, rec).Verify(context.Background(), validRequest())
	require.NoError(t, err)
	require.True(t, res.Verified)
	require.Empty(t, rec.verifications, "non-conflict errors are not retried")
}

func TestVerifyRetriesBusyWrites(t *testing.T) {
	busy := errors.New("database is locked (5) (SQLITE_BUSY)")
	rec := &fakeRecorder{upsertErrs: []error{busy, busy}}

	res, err := newTestPolicy(&fakeAnalyzer{text: acceptJSON}, rec).Verify(context.Background(), validRequest())
	require.NoError(t, err)
	require.True(t, res.Verified)
	require.Len(t, rec.verifications, 1)
}
