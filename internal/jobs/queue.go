package jobs

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"github.com/vitalink/backend/internal/execution"
)

// InsertTxFunc enqueues a job within the given transaction. Provided by main using river.Client.InsertTx.
type InsertTxFunc func(ctx context.Context, tx pgx.Tx, args river.JobArgs, opts *river.InsertOpts) error

// Queue enqueues notification jobs in the caller's transaction: a job exists if and
// only if the mutation that produced it committed, and a failed delivery is retried
// by the worker without touching that mutation.
type Queue struct {
	insert InsertTxFunc
}

func NewQueue(insert InsertTxFunc) *Queue {
	return &Queue{insert: insert}
}

const (
	emailMaxAttempts = 5
	pushMaxAttempts  = 3
)

func (q *Queue) EnqueueEmailTx(ctx context.Context, tx pgx.Tx, args execution.SendEmailArgs) error {
	args.To = strings.TrimSpace(args.To)
	if args.To == "" {
		return nil
	}
	return q.insert(ctx, tx, args, &river.InsertOpts{MaxAttempts: emailMaxAttempts})
}

func (q *Queue) EnqueuePushTx(ctx context.Context, tx pgx.Tx, args execution.SendPushArgs) error {
	if len(args.Tokens) == 0 {
		return nil
	}
	return q.insert(ctx, tx, args, &river.InsertOpts{MaxAttempts: pushMaxAttempts})
}

// Schedule controls the periodic maintenance jobs.
type Schedule struct {
	WeeklyReport  time.Duration
	DeviceCleanup time.Duration
	RunOnStart    bool
}

// PeriodicJobs returns the River periodic jobs for reporting and device cleanup.
// A zero interval disables the job.
func PeriodicJobs(s Schedule) []*river.PeriodicJob {
	var out []*river.PeriodicJob
	if s.WeeklyReport > 0 {
		out = append(out, river.NewPeriodicJob(
			river.PeriodicInterval(s.WeeklyReport),
			func() (river.JobArgs, *river.InsertOpts) {
				return execution.WeeklyReportArgs{}, &river.InsertOpts{UniqueOpts: river.UniqueOpts{ByPeriod: s.WeeklyReport}}
			},
			&river.PeriodicJobOpts{RunOnStart: s.RunOnStart},
		))
	}
	if s.DeviceCleanup > 0 {
		out = append(out, river.NewPeriodicJob(
			river.PeriodicInterval(s.DeviceCleanup),
			func() (river.JobArgs, *river.InsertOpts) {
				return execution.CleanupDevicesArgs{}, &river.InsertOpts{UniqueOpts: river.UniqueOpts{ByPeriod: s.DeviceCleanup}}
			},
			&river.PeriodicJobOpts{RunOnStart: s.RunOnStart},
		))
	}
	return out
}
