package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vitalink/backend/internal/metrics"
	"github.com/vitalink/backend/internal/models"
	"github.com/vitalink/backend/internal/notify"
)

type DeviceRepo interface {
	Upsert(ctx context.Context, d *models.Device) error
	TokensForAgentUsers(ctx context.Context, agentID uuid.UUID) ([]string, error)
	DeleteStale(ctx context.Context, cutoff time.Time) (int64, error)
	Count(ctx context.Context) (int64, error)
}

type Pusher interface {
	Send(ctx context.Context, msg notify.PushMessage) (*notify.PushResult, error)
}

// DeviceService keeps one push registration per account and fans agent reminders
// out to the devices of the agent's linked users.
type DeviceService struct {
	devices    DeviceRepo
	push       Pusher
	staleAfter time.Duration
	now        func() time.Time
	log        *slog.Logger
}

func NewDeviceService(devices DeviceRepo, push Pusher, staleAfter time.Duration, log *slog.Logger) *DeviceService {
	if log == nil {
		log = slog.Default()
	}
	return &DeviceService{devices: devices, push: push, staleAfter: staleAfter, now: time.Now, log: log}
}

func NormalizePlatform(p string) string {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case "ios", "iphone", "ipad", "apns":
		return models.PlatformIOS
	case "android", "fcm":
		return models.PlatformAndroid
	case "web", "browser":
		return models.PlatformWeb
	default:
		return models.PlatformUnknown
	}
}

// Register stores token as the account's device, replacing any earlier one.
func (s *DeviceService) Register(ctx context.Context, accountID uuid.UUID, token, platform string) (*models.Device, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: device token is required", models.ErrValidation)
	}
	d := &models.Device{
		AccountID: accountID,
		Token:     token,
		Platform:  NormalizePlatform(platform),
	}
	if err := s.devices.Upsert(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// NotifyLinkedUsers pushes the standard "send your information" reminder from an
// agent to every device of its linked users.
func (s *DeviceService) NotifyLinkedUsers(ctx context.Context, agent *models.Account, body string) (*notify.PushResult, error) {
	if agent == nil || !agent.IsAgent() {
		return nil, models.ErrForbidden
	}
	tokens, err := s.devices.TokensForAgentUsers(ctx, agent.ID)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: no registered devices for this agent's users", models.ErrNotFound)
	}
	name := agent.Name
	if name == "" {
		name = "Your Agent"
	}
	if strings.TrimSpace(body) == "" {
		body = "Time to send your information to your agent!"
	}
	res, err := s.push.Send(ctx, notify.PushMessage{
		Tokens: tokens,
		Title:  "Message from " + name,
		Body:   body,
		Data:   map[string]string{"route": "/authorization_form"},
	})
	if errors.Is(err, notify.ErrNotConfigured) {
		metrics.NotificationsTotal.WithLabelValues("push", "skipped").Add(float64(len(tokens)))
		return nil, fmt.Errorf("%w: push relay is not configured", models.ErrUpstream)
	}
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("push", "failed").Add(float64(len(tokens)))
		return nil, err
	}
	metrics.NotificationsTotal.WithLabelValues("push", "sent").Add(float64(res.SuccessCount))
	metrics.NotificationsTotal.WithLabelValues("push", "failed").Add(float64(res.FailureCount))
	return res, nil
}

// CleanupStale removes registrations not refreshed within the stale window and
// publishes how many remain.
func (s *DeviceService) CleanupStale(ctx context.Context) (int64, error) {
	if s.staleAfter <= 0 {
		return 0, nil
	}
	n, err := s.devices.DeleteStale(ctx, s.now().Add(-s.staleAfter))
	if err != nil {
		return 0, err
	}
	left, err := s.devices.Count(ctx)
	if err != nil {
		s.log.Warn("device count failed", "error", err)
	} else {
		metrics.DevicesRegistered.Set(float64(left))
	}
	s.log.Info("device cleanup finished", "removed", n, "remaining", left)
	return n, nil
}
