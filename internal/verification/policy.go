package verification

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/phantom/internal/domain"
	"github.com/ashureev/phantom/internal/shared"
)

const (
	defaultAnalyzeTimeout = 60 * time.Second
	defaultWriteRetries   = 3
	defaultWriteBackoff   = 50 * time.Millisecond
	effectTimeout         = 5 * time.Second
)

// Recorder persists accepted outcomes. Both writes must be idempotent.
type Recorder interface {
	UpsertVerification(ctx context.Context, rec *domain.AgeVerification) error
	ClearMinorFlag(ctx context.Context, userID string) error
}

// Request is one verification attempt.
type Request struct {
	SelfieBase64 string
	IDBase64     string
	UserID       string
}

// Result is an accepted verification.
type Result struct {
	Verified   bool
	Reason     string
	Confidence Confidence
}

// Options configure a Policy.
type Options struct {
	AnalyzeTimeout time.Duration
	WriteRetries   int
	WriteBackoff   time.Duration
	Now            func() time.Time
	Logger         *slog.Logger
}

// Policy decides age verification attempts. A nil analyzer means the
// service credential is missing and every attempt fails with KindConfiguration.
type Policy struct {
	analyzer Analyzer
	recorder Recorder
	opts     Options
	logger   *slog.Logger
}

// NewPolicy creates a verification policy.
func NewPolicy(analyzer Analyzer, recorder Recorder, opts Options) *Policy {
	if opts.AnalyzeTimeout <= 0 {
		opts.AnalyzeTimeout = defaultAnalyzeTimeout
	}
	if opts.WriteRetries <= 0 {
		opts.WriteRetries = defaultWriteRetries
	}
	if opts.WriteBackoff <= 0 {
		opts.WriteBackoff = defaultWriteBackoff
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Policy{analyzer: analyzer, recorder: recorder, opts: opts, logger: opts.Logger}
}

// Enabled reports whether an analyzer is configured.
func (p *Policy) Enabled() bool {
	return p.analyzer != nil
}

// Verify runs one verification attempt. Rejections are returned as *Error;
// a nil error always comes with a verified Result.
func (p *Policy) Verify(ctx context.Context, req Request) (*Result, error) {
	if p.analyzer == nil {
		p.logger.Error("Age verification requested but no analyzer is configured")
		return nil, newError(KindConfiguration, ReasonNotConfigured, nil)
	}

	userID := strings.TrimSpace(req.UserID)
	if strings.TrimSpace(req.SelfieBase64) == "" || strings.TrimSpace(req.IDBase64) == "" || userID == "" {
		return nil, newError(KindInvalidInput, ReasonMissingData, nil)
	}

	selfie, err := DecodeImage(req.SelfieBase64)
	if err != nil {
		return nil, newError(KindInvalidInput, ReasonInvalidImage, err)
	}
	id, err := DecodeImage(req.IDBase64)
	if err != nil {
		return nil, newError(KindInvalidInput, ReasonInvalidImage, err)
	}

	logger := p.logger.With("user_id", userID)
	logger.Info("Age verification started", "selfie_bytes", len(selfie.Data), "id_bytes", len(id.Data))

	text, err := p.analyze(ctx, AnalysisRequest{Selfie: selfie, ID: id, Today: p.opts.Now()})
	if err != nil {
		verr := upstreamError(err)
		logger.Warn("Age verification analysis failed", "error", err, "kind", verr.Kind.String())
		return nil, verr
	}

	decision, err := ParseDecision(text)
	if err != nil {
		logger.Warn("Age verification result unparseable", "error", err, "response_length", len(text))
		return nil, newError(KindMalformedUpstreamResponse, ReasonMalformedResponse, err)
	}

	if !decision.Accept() {
		reason := decision.Reason
		if reason == "" {
			reason = ReasonRejected
		}
		logger.Info("Age verification rejected",
			"faces_match", decision.FacesMatch,
			"dob_found", decision.DOBFound,
			"is_over_18", decision.IsOver18,
			"confidence", string(decision.Confidence),
		)
		return nil, &Error{Kind: KindValidationFailed, Reason: reason, Confidence: decision.Confidence}
	}

	p.applyEffects(ctx, logger, userID)

	reason := decision.Reason
	if reason == "" {
		reason = ReasonVerified
	}
	logger.Info("Age verification accepted", "confidence", string(decision.Confidence))
	return &Result{Verified: true, Reason: reason, Confidence: decision.Confidence}, nil
}

func (p *Policy) analyze(ctx context.Context, req AnalysisRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.AnalyzeTimeout)
	defer cancel()
	return p.analyzer.Analyze(ctx, req)
}

func upstreamError(err error) *Error {
	switch {
	case errors.Is(err, ErrRateLimited):
		return newError(KindUpstreamRateLimited, ReasonRateLimited, err)
	case errors.Is(err, ErrMalformedResponse):
		return newError(KindMalformedUpstreamResponse, ReasonMalformedResponse, err)
	default:
		return newError(KindUpstreamUnavailable, ReasonUnavailable, err)
	}
}

// applyEffects performs the two accepted-outcome writes independently. A
// failure is escalated in the logs and never changes the decision.
func (p *Policy) applyEffects(ctx context.Context, logger *slog.Logger, userID string) {
	if p.recorder == nil {
		return
	}

	// The caller disconnecting must not abandon the writes.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), effectTimeout)
	defer cancel()

	record := domain.NewAgeVerification(userID, p.opts.Now())
	if err := shared.RetryOnConflict(ctx, p.opts.WriteRetries, p.opts.WriteBackoff, func(ctx context.Context) error {
		return p.recorder.UpsertVerification(ctx, record)
	}); err != nil {
		logger.Error("Failed to record age verification", "error", err, "alert", true)
	}

	if err := shared.RetryOnConflict(ctx, p.opts.WriteRetries, p.opts.WriteBackoff, func(ctx context.Context) error {
		return p.recorder.ClearMinorFlag(ctx, userID)
	}); err != nil {
		logger.Error("Failed to clear minor flag", "error", err, "alert", true)
	}
}
