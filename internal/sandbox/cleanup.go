package sandbox

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/errdefs"
	"github.com/rs/zerolog/log"
)

// stopTask sends SIGTERM, waits up to grace, then SIGKILLs and deletes the
// task. A container without a task is already stopped.
func (d *ContainerdDriver) stopTask(ctx context.Context, c containerd.Container, grace time.Duration) error {
	nsCtx := d.client.WithNamespace(ctx)
	logger := log.With().Str("container_id", c.ID()).Logger()

	task, err := c.Task(nsCtx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("loading task: %w", err)
	}

	status, err := task.Status(nsCtx)
	if err == nil && status.Status != containerd.Stopped {
		exitCh, err := task.Wait(nsCtx)
		if err != nil {
			return fmt.Errorf("waiting on task: %w", err)
		}

		if err := task.Kill(nsCtx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
			logger.Debug().Err(err).Msg("SIGTERM failed")
		}

		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-exitCh:
		case <-timer.C:
			logger.Debug().Dur("grace", grace).Msg("grace period elapsed, killing task")
			if err := task.Kill(nsCtx, syscall.SIGKILL, containerd.WithKillAll); err != nil && !errdefs.IsNotFound(err) {
				return fmt.Errorf("killing task: %w", err)
			}
			select {
			case <-exitCh:
			case <-time.After(5 * time.Second):
				logger.Warn().Msg("timed out waiting for task to stop")
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if _, err := task.Delete(nsCtx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("deleting task: %w", err)
	}
	return nil
}

// deleteContainer force-kills any task and removes the container together
// with its snapshot.
func (d *ContainerdDriver) deleteContainer(ctx context.Context, c containerd.Container) error {
	id := c.ID()
	logger := log.With().Str("container_id", id).Logger()

	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	cleanupCtx = d.client.WithNamespace(cleanupCtx)

	if task, err := c.Task(cleanupCtx, nil); err == nil {
		if status, err := task.Status(cleanupCtx); err == nil && status.Status != containerd.Stopped {
			logger.Debug().Msg("killing running task")
			_ = task.Kill(cleanupCtx, syscall.SIGKILL, containerd.WithKillAll)

			waitCtx, waitCancel := context.WithTimeout(cleanupCtx, 5*time.Second)
			defer waitCancel()
			if exitCh, _ := task.Wait(waitCtx); exitCh != nil {
				select {
				case <-exitCh:
				case <-waitCtx.Done():
					logger.Warn().Msg("timed out waiting for task to stop")
				}
			}
		}

		if _, err := task.Delete(cleanupCtx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			logger.Warn().Err(err).Msg("failed to delete task")
		}
	}

	if err := c.Delete(cleanupCtx, containerd.WithSnapshotCleanup); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("deleting container %s: %w", id, err)
	}

	logger.Debug().Msg("container removed")
	return nil
}
