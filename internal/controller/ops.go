package controller

import (
	"context"
	"fmt"

	"github.com/shaiso/Kiln/internal/domain"
	"github.com/shaiso/Kiln/internal/telemetry"
)

// ProcessOne принудительно обрабатывает один run, независимо от его
// текущего состояния. Команда оператора; бюджет retry не проверяется.
func (c *Controller) ProcessOne(ctx context.Context, number int64) error {
	if err := c.startup(ctx); err != nil {
		return err
	}
	if err := c.guard.Wait(ctx); err != nil {
		return err
	}

	current, err := c.runs.GetByNumber(ctx, number)
	if err != nil {
		return fmt.Errorf("find run %d: %w", number, err)
	}
	// В production не вырываем run из-под другого экземпляра и не
	// переобрабатываем done: сначала fail или abandon.
	if c.cfg.Production {
		switch current.Orch.State {
		case domain.StateConsidering, domain.StateBusy, domain.StateDone:
			return fmt.Errorf("run %d is %s, refusing to force-process it in production",
				number, current.Orch.State)
		}
	}

	run, err := c.runs.ClaimByNumber(ctx, number)
	if err != nil {
		return fmt.Errorf("claim run %d: %w", number, err)
	}
	telemetry.ClaimsTotal.WithLabelValues("forced").Inc()

	c.liveCh = make(chan *domain.Run, 1)
	c.liveWG.Add(1)
	go c.liveDeleter(ctx)
	defer func() {
		close(c.liveCh)
		c.liveWG.Wait()
	}()

	c.process(ctx, run)
	return nil
}

// FailOne переводит run в failed по команде оператора.
func (c *Controller) FailOne(ctx context.Context, number int64, reason string) error {
	run, err := c.runs.GetByNumber(ctx, number)
	if err != nil {
		return fmt.Errorf("find run %d: %w", number, err)
	}
	if reason == "" {
		reason = "failed by operator"
	}
	return c.cleaner.FailRun(ctx, run, reason, nil)
}

// AbandonOne терминально бросает run по команде оператора.
func (c *Controller) AbandonOne(ctx context.Context, number int64, reason string) error {
	run, err := c.runs.GetByNumber(ctx, number)
	if err != nil {
		return fmt.Errorf("find run %d: %w", number, err)
	}
	if reason == "" {
		reason = "abandoned by operator"
	}
	return c.cleaner.AbandonRun(ctx, run, reason)
}
