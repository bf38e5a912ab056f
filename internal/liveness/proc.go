package liveness

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// KillTree останавливает процесс вместе с потомками: сначала SIGTERM,
// после паузы эскалации — SIGKILL. Потомки убиваются первыми, чтобы
// родитель не успел их пересоздать. Уже умерший процесс — не ошибка.
func KillTree(ctx context.Context, pid int32, escalate time.Duration, logger *slog.Logger) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		// Процесса уже нет.
		return nil
	}

	children, err := p.ChildrenWithContext(ctx)
	if err == nil {
		for _, child := range children {
			if err := KillTree(ctx, child.Pid, escalate, logger); err != nil {
				logger.Warn("could not kill child process", "pid", child.Pid, "error", err)
			}
		}
	}

	if err := p.TerminateWithContext(ctx); err != nil {
		return nil
	}

	deadline := time.Now().Add(escalate)
	for time.Now().Before(deadline) {
		running, err := p.IsRunningWithContext(ctx)
		if err != nil || !running {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	logger.Warn("process survived SIGTERM, sending SIGKILL", "pid", pid)
	return p.KillWithContext(ctx)
}

// FindSiblings возвращает pid других процессов этого же бинаря на
// этом хосте. Сравниваем по имени исполняемого файла: экземпляры
// запускаются одинаково, а по cmdline можно зацепить чужой grep.
func FindSiblings(ctx context.Context, ownPID int) ([]int32, error) {
	self := filepath.Base(os.Args[0])

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	var out []int32
	for _, p := range procs {
		if int(p.Pid) == ownPID {
			continue
		}
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		if strings.EqualFold(name, self) {
			out = append(out, p.Pid)
		}
	}
	return out, nil
}
