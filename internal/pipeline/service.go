// Package pipeline ties prompts, the model client, scoring, ranking and the
// store into the operations the API, CLI and scheduled jobs call.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/prospector/internal/account"
	"github.com/stellarlinkco/prospector/internal/catalog"
	"github.com/stellarlinkco/prospector/internal/llm"
	"github.com/stellarlinkco/prospector/internal/prompt"
	"github.com/stellarlinkco/prospector/internal/rotation"
	"github.com/stellarlinkco/prospector/internal/scoring"
	"github.com/stellarlinkco/prospector/internal/store"
)

// ErrMissingPainSignal means an email was requested with no pain signal to lead with.
var ErrMissingPainSignal = errors.New("no pain signal to lead with")

const defaultConcurrency = 4

type Options struct {
	Executor    llm.Executor
	Accounts    *store.Accounts
	Catalog     *catalog.Catalog
	Schedule    rotation.Schedule
	Concurrency int
	Logger      *zap.Logger
	Now         func() time.Time
}

type Service struct {
	exec        llm.Executor
	accounts    *store.Accounts
	catalog     *catalog.Catalog
	schedule    rotation.Schedule
	concurrency int
	logger      *zap.Logger
	now         func() time.Time
}

func New(opts Options) *Service {
	s := &Service{
		exec:        opts.Executor,
		accounts:    opts.Accounts,
		catalog:     opts.Catalog,
		schedule:    opts.Schedule,
		concurrency: opts.Concurrency,
		logger:      opts.Logger,
		now:         opts.Now,
	}
	if s.schedule == (rotation.Schedule{}) {
		s.schedule = rotation.DefaultSchedule
	}
	if s.concurrency <= 0 {
		s.concurrency = defaultConcurrency
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.Named("pipeline")
	if s.now == nil {
		s.now = time.Now
	}
	if s.catalog == nil {
		s.catalog, _ = catalog.New(nil)
	}
	return s
}

func (s *Service) Catalog() *catalog.Catalog { return s.catalog }
func (s *Service) Accounts() *store.Accounts { return s.accounts }
func (s *Service) Schedule() rotation.Schedule { return s.schedule }

// ScoreAccount scores a catalog company by id.
func (s *Service) ScoreAccount(ctx context.Context, id string) (account.DriveScore, error) {
	c, err := s.catalog.Get(id)
	if err != nil {
		return account.DriveScore{}, err
	}
	return s.ScoreCompany(ctx, c)
}

// ScoreCompany asks the model for a DRIVE score, normalizes it and stores it.
// Nothing is written when ctx ends first. A full store is logged and the
// score is still returned.
func (s *Service) ScoreCompany(ctx context.Context, c account.Company) (account.DriveScore, error) {
	raw, err := s.exec.Execute(ctx, prompt.BuildScorePrompt(c))
	if err != nil {
		return account.DriveScore{}, fmt.Errorf("score %s: %w", c.ID, err)
	}
	score, err := scoring.DecodeScore(raw)
	if err != nil {
		return account.DriveScore{}, fmt.Errorf("score %s: %w", c.ID, &llm.ParseError{Text: string(raw), Err: err})
	}
	if err := ctx.Err(); err != nil {
		return account.DriveScore{}, fmt.Errorf("score %s abandoned: %w", c.ID, err)
	}
	if err := s.persist(ctx, c.ID, func(ctx context.Context) error {
		return s.accounts.SaveScore(ctx, c.ID, score)
	}); err != nil {
		return account.DriveScore{}, err
	}
	s.logger.Info("scored account", zap.String("company", c.ID), zap.Int("total", score.Total))
	return score, nil
}

// EmailRequest selects the company and optional overrides for a draft.
type EmailRequest struct {
	CompanyID     string
	Company       *account.Company
	Angle         string
	BuyerPersona  string
	TopPainSignal string
}

// DraftEmail writes a cold email for the company. The pain signal comes from
// the request, then the stored score, then the company's first listed pain.
// An empty angle means the first default angle.
func (s *Service) DraftEmail(ctx context.Context, req EmailRequest) (account.OutboundEmail, error) {
	var c account.Company
	if req.Company != nil {
		c = *req.Company
	} else {
		var err error
		if c, err = s.catalog.Get(req.CompanyID); err != nil {
			return account.OutboundEmail{}, err
		}
	}

	pain, err := s.painSignal(ctx, c, req.TopPainSignal)
	if err != nil {
		return account.OutboundEmail{}, err
	}
	angle := strings.TrimSpace(req.Angle)
	if angle == "" {
		angle = prompt.DefaultAngles[0]
	}

	raw, err := s.exec.Execute(ctx, prompt.BuildEmailPrompt(prompt.EmailParams{
		BuyerPersona:  prompt.Persona(req.BuyerPersona, c),
		CompanyName:   c.Name,
		TopPainSignal: pain,
		Angle:         angle,
		ValueProp:     prompt.ValueProp(c),
	}))
	if err != nil {
		return account.OutboundEmail{}, fmt.Errorf("email %s: %w", c.ID, err)
	}
	var email account.OutboundEmail
	if err := decodeEmail(raw, &email); err != nil {
		return account.OutboundEmail{}, fmt.Errorf("email %s: %w", c.ID, err)
	}
	if email.Angle == "" {
		email.Angle = angle
	}
	if err := ctx.Err(); err != nil {
		return account.OutboundEmail{}, fmt.Errorf("email %s abandoned: %w", c.ID, err)
	}
	if err := s.persist(ctx, c.ID, func(ctx context.Context) error {
		return s.accounts.SaveEmail(ctx, c.ID, email)
	}); err != nil {
		return account.OutboundEmail{}, err
	}
	s.logger.Info("drafted email", zap.String("company", c.ID), zap.String("angle", angle))
	return email, nil
}

func (s *Service) painSignal(ctx context.Context, c account.Company, explicit string) (string, error) {
	if p := strings.TrimSpace(explicit); p != "" {
		return p, nil
	}
	score, ok, err := s.accounts.Score(ctx, c.ID)
	if err != nil {
		return "", err
	}
	if ok && strings.TrimSpace(score.TopPainSignal) != "" {
		return score.TopPainSignal, nil
	}
	for _, p := range c.PainSignals {
		if p = strings.TrimSpace(p); p != "" {
			return p, nil
		}
	}
	return "", fmt.Errorf("email %s: %w", c.ID, ErrMissingPainSignal)
}

// persist runs a store write, downgrading a capacity refusal to a warning.
func (s *Service) persist(ctx context.Context, id string, write func(context.Context) error) error {
	err := write(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrCapacityExceeded) {
		s.logger.Warn("result not saved, store is full", zap.String("company", id), zap.Error(err))
		return nil
	}
	return fmt.Errorf("save %s: %w", id, err)
}
