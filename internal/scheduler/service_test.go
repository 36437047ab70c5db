package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestRunNowRecordsRun(t *testing.T) {
	t.Parallel()

	store := NewStore(filepath.Join(t.TempDir(), "maintenance.json"))
	expirer := &fakeExpirer{expired: 2}
	svc := NewService(DefaultJobs("@hourly"), store, NewRunner(expirer, time.Hour))

	output, err := svc.RunNow(context.Background(), "expire_idle")
	if err != nil {
		t.Fatalf("run now: %v", err)
	}
	if output != "expired 2 conversations" {
		t.Fatalf("unexpected output %q", output)
	}

	run, ok, err := store.Last(context.Background(), "expire_idle")
	if err != nil || !ok {
		t.Fatalf("expected recorded run, ok=%v err=%v", ok, err)
	}
	if run.Source != sourceManual || run.Output != output || run.Error != "" {
		t.Fatalf("unexpected run record: %#v", run)
	}
}

func TestRunNowRecordsFailure(t *testing.T) {
	t.Parallel()

	store := NewStore(filepath.Join(t.TempDir(), "maintenance.json"))
	svc := NewService(DefaultJobs("@hourly"), store, NewRunner(&fakeExpirer{err: errors.New("locked")}, time.Hour))

	if _, err := svc.RunNow(context.Background(), "expire_idle"); err == nil {
		t.Fatalf("expected run error")
	}
	run, ok, err := store.Last(context.Background(), "expire_idle")
	if err != nil || !ok {
		t.Fatalf("expected recorded run, ok=%v err=%v", ok, err)
	}
	if run.Error == "" {
		t.Fatalf("expected error recorded, got %#v", run)
	}
}

func TestRunNowMissingJobReturnsError(t *testing.T) {
	t.Parallel()

	svc := NewService(DefaultJobs("@hourly"), nil, NewRunner(&fakeExpirer{}, time.Hour))
	if _, err := svc.RunNow(context.Background(), "missing"); err == nil {
		t.Fatalf("expected missing job error")
	}
}

func TestStartRunNowStopRoundTrip(t *testing.T) {
	t.Parallel()

	expirer := &fakeExpirer{expired: 1}
	svc := NewService(DefaultJobs("0 3 * * *"), nil, NewRunner(expirer, time.Hour))

	startCtx, startCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer startCancel()
	if err := svc.Start(startCtx); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := svc.RunNow(context.Background(), "expire_idle"); err != nil {
		t.Fatalf("run now: %v", err)
	}
	if expirer.calls != 1 {
		t.Fatalf("expected runner called once, got %d", expirer.calls)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	if err := svc.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestStartTwiceReturnsError(t *testing.T) {
	t.Parallel()

	svc := NewService(DefaultJobs("@hourly"), nil, NewRunner(&fakeExpirer{}, time.Hour))
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("first start: %v", err)
	}
	defer svc.Stop(context.Background())

	if err := svc.Start(context.Background()); err == nil {
		t.Fatalf("expected second start to fail")
	}
}

func TestStartRejectsInvalidSchedule(t *testing.T) {
	t.Parallel()

	svc := NewService(DefaultJobs("every tuesday"), nil, NewRunner(&fakeExpirer{}, time.Hour))
	if err := svc.Start(context.Background()); err == nil {
		t.Fatalf("expected invalid cron error")
	}
}

func TestStopExpiredContextOnUnstartedServiceReturnsNil(t *testing.T) {
	t.Parallel()

	svc := NewService(DefaultJobs("@hourly"), nil, NewRunner(&fakeExpirer{}, time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := svc.Stop(ctx); err != nil {
		t.Fatalf("expected nil stop error for unstarted service, got %v", err)
	}
}

func TestCronTriggersExpiry(t *testing.T) {
	t.Parallel()

	store := NewStore(filepath.Join(t.TempDir(), "maintenance.json"))
	svc := NewService(DefaultJobs("@every 1s"), store, NewRunner(&fakeExpirer{expired: 1}, time.Hour))
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Stop(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		run, ok, err := store.Last(context.Background(), "expire_idle")
		if err != nil {
			t.Fatalf("last run: %v", err)
		}
		if ok {
			if run.Source != sourceCron {
				t.Fatalf("expected cron source, got %#v", run)
			}
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("expected cron to run the job")
}
