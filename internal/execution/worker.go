package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/riverqueue/river"

	"github.com/vitalink/backend/internal/metrics"
	"github.com/vitalink/backend/internal/notify"
)

// Mailer delivers one email.
type Mailer interface {
	Send(ctx context.Context, e notify.Email) error
}

// Pusher delivers one push message.
type Pusher interface {
	Send(ctx context.Context, msg notify.PushMessage) (*notify.PushResult, error)
}

// Reporter renders the weekly usage report body.
type Reporter interface {
	ReportText(ctx context.Context) (string, error)
}

// DeviceCleaner removes stale push registrations.
type DeviceCleaner interface {
	CleanupStale(ctx context.Context) (int64, error)
}

type SendEmailWorker struct {
	river.WorkerDefaults[SendEmailArgs]
	mailer Mailer
	log    *slog.Logger
}

func NewSendEmailWorker(m Mailer, log *slog.Logger) *SendEmailWorker {
	return &SendEmailWorker{mailer: m, log: orDefault(log)}
}

// Work sends the email. An unconfigured mailer cancels the job instead of retrying.
func (w *SendEmailWorker) Work(ctx context.Context, job *river.Job[SendEmailArgs]) error {
	a := job.Args
	err := w.mailer.Send(ctx, notify.Email{
		To:        a.To,
		Subject:   a.Subject,
		Title:     a.Title,
		Intro:     a.Intro,
		Highlight: a.Highlight,
		Lines:     a.Lines,
		Footer:    a.Footer,
	})
	if errors.Is(err, notify.ErrNotConfigured) {
		metrics.NotificationsTotal.WithLabelValues("email", "skipped").Inc()
		return river.JobCancel(err)
	}
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("email", "failed").Inc()
		w.log.Error("email delivery failed", "job_id", job.ID, "attempt", job.Attempt, "subject", a.Subject, "error", err)
		return fmt.Errorf("send email: %w", err)
	}
	metrics.NotificationsTotal.WithLabelValues("email", "sent").Inc()
	return nil
}

type SendPushWorker struct {
	river.WorkerDefaults[SendPushArgs]
	pusher Pusher
	log    *slog.Logger
}

func NewSendPushWorker(p Pusher, log *slog.Logger) *SendPushWorker {
	return &SendPushWorker{pusher: p, log: orDefault(log)}
}

func (w *SendPushWorker) Work(ctx context.Context, job *river.Job[SendPushArgs]) error {
	a := job.Args
	res, err := w.pusher.Send(ctx, notify.PushMessage{Tokens: a.Tokens, Title: a.Title, Body: a.Body, Data: a.Data})
	if errors.Is(err, notify.ErrNotConfigured) {
		metrics.NotificationsTotal.WithLabelValues("push", "skipped").Add(float64(len(a.Tokens)))
		return river.JobCancel(err)
	}
	if err != nil {
		w.log.Error("push delivery failed", "job_id", job.ID, "attempt", job.Attempt, "error", err)
		return fmt.Errorf("send push: %w", err)
	}
	metrics.NotificationsTotal.WithLabelValues("push", "sent").Add(float64(res.SuccessCount))
	metrics.NotificationsTotal.WithLabelValues("push", "failed").Add(float64(res.FailureCount))
	return nil
}

type WeeklyReportWorker struct {
	river.WorkerDefaults[WeeklyReportArgs]
	reporter  Reporter
	mailer    Mailer
	recipient string
	log       *slog.Logger
}

func NewWeeklyReportWorker(r Reporter, m Mailer, recipient string, log *slog.Logger) *WeeklyReportWorker {
	return &WeeklyReportWorker{reporter: r, mailer: m, recipient: recipient, log: orDefault(log)}
}

func (w *WeeklyReportWorker) Work(ctx context.Context, job *river.Job[WeeklyReportArgs]) error {
	if w.recipient == "" {
		w.log.Warn("weekly report skipped, no recipient configured")
		return nil
	}
	body, err := w.reporter.ReportText(ctx)
	if err != nil {
		return fmt.Errorf("build weekly report: %w", err)
	}
	err = w.mailer.Send(ctx, notify.Email{
		To:      w.recipient,
		Subject: "Weekly VitaLink Agent Report",
		Title:   "Weekly Agent Report",
		Intro:   body,
	})
	if errors.Is(err, notify.ErrNotConfigured) {
		return river.JobCancel(err)
	}
	if err != nil {
		return fmt.Errorf("send weekly report: %w", err)
	}
	w.log.Info("weekly report sent", "job_id", job.ID, "to", w.recipient)
	return nil
}

type CleanupDevicesWorker struct {
	river.WorkerDefaults[CleanupDevicesArgs]
	cleaner DeviceCleaner
}

func NewCleanupDevicesWorker(c DeviceCleaner) *CleanupDevicesWorker {
	return &CleanupDevicesWorker{cleaner: c}
}

func (w *CleanupDevicesWorker) Work(ctx context.Context, job *river.Job[CleanupDevicesArgs]) error {
	_, err := w.cleaner.CleanupStale(ctx)
	return err
}

// Register adds every worker of the service to workers.
func Register(workers *river.Workers, mailer Mailer, pusher Pusher, reporter Reporter, cleaner DeviceCleaner, reportRecipient string, log *slog.Logger) {
	river.AddWorker(workers, NewSendEmailWorker(mailer, log))
	river.AddWorker(workers, NewSendPushWorker(pusher, log))
	river.AddWorker(workers, NewWeeklyReportWorker(reporter, mailer, reportRecipient, log))
	river.AddWorker(workers, NewCleanupDevicesWorker(cleaner))
}

func orDefault(log *slog.Logger) *slog.Logger {
	if log == nil {
		return slog.Default()
	}
	return log
}
