package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vitalink/backend/internal/models"
)

// UsageSource aggregates the redemption ledger.
type UsageSource interface {
	UsageByAgent(ctx context.Context, since *time.Time) ([]models.AgentUsage, error)
}

// UsageReport lists user registrations credited to each agent.
type UsageReport struct {
	GeneratedAt time.Time           `json:"generatedAt"`
	MonthStart  time.Time           `json:"monthStart"`
	Lifetime    []models.AgentUsage `json:"lifetime"`
	Monthly     []models.AgentUsage `json:"monthly"`
}

type Service interface {
	Report(ctx context.Context) (*UsageReport, error)
	ReportText(ctx context.Context) (string, error)
}

type service struct {
	repo UsageSource
	now  func() time.Time
}

func NewService(repo UsageSource) *service {
	return &service{repo: repo, now: time.Now}
}

var _ Service = (*service)(nil)

// MonthStart returns 00:00 UTC on the first day of t's month.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func (s *service) Report(ctx context.Context) (*UsageReport, error) {
	now := s.now().UTC()
	start := MonthStart(now)
	lifetime, err := s.repo.UsageByAgent(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("lifetime usage: %w", err)
	}
	monthly, err := s.repo.UsageByAgent(ctx, &start)
	if err != nil {
		return nil, fmt.Errorf("monthly usage: %w", err)
	}
	if lifetime == nil {
		lifetime = []models.AgentUsage{}
	}
	if monthly == nil {
		monthly = []models.AgentUsage{}
	}
	return &UsageReport{GeneratedAt: now, MonthStart: start, Lifetime: lifetime, Monthly: monthly}, nil
}

// ReportText renders the report as the plain-text body of the weekly email.
func (s *service) ReportText(ctx context.Context) (string, error) {
	rep, err := s.Report(ctx)
	if err != nil {
		return "", err
	}
	monthly := make(map[string]int, len(rep.Monthly))
	for _, u := range rep.Monthly {
		monthly[u.AgentID.String()] = u.Uses
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Weekly Agent Report (%s)\n\n", rep.GeneratedAt.Format("2006-01-02"))
	if len(rep.Lifetime) == 0 {
		b.WriteString("No active agents.\n")
	}
	for _, u := range rep.Lifetime {
		name := u.Name
		if name == "" {
			name = "(no name)"
		}
		fmt.Fprintf(&b, "%s (%s): %d total, %d this month\n", name, u.Email, u.Uses, monthly[u.AgentID.String()])
	}
	return b.String(), nil
}
