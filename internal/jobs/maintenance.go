package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/zulandar/geneq/internal/events"
	"github.com/zulandar/geneq/internal/models"
	"github.com/zulandar/geneq/internal/validation"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// RecoverOrphans fails pending and processing jobs that no live scheduler
// is running: this scheduler's own unfinished jobs that it is not running,
// and jobs of other owners whose heartbeat is older than the lease. Projects
// stuck in validation processing are reset too. It returns the number of
// jobs failed.
func (s *Scheduler) RecoverOrphans() (int, error) {
	cutoff := s.now().Add(-s.lease)
	stale := s.db.Where("(owner = ? OR heartbeat_at IS NULL OR heartbeat_at < ?)", s.owner, cutoff).
		Session(&gorm.Session{})
	n := 0
	for _, k := range []struct {
		kind  string
		model interface{}
	}{
		{events.KindValidation, &models.ValidationJob{}},
		{events.KindImputation, &models.ImputationJob{}},
	} {
		var rows []struct {
			ID        string
			ProjectID uint
			Status    string
		}
		err := stale.Model(k.model).Select("id", "project_id", "status").
			Where("status IN ?", []string{models.JobPending, models.JobProcessing}).
			Find(&rows).Error
		if err != nil {
			return n, fmt.Errorf("jobs: find orphaned %s jobs: %w", k.kind, err)
		}
		for _, r := range rows {
			if s.isActive(r.ID) {
				continue
			}
			spec := jobSpec{kind: k.kind, id: r.ID, projectID: r.ProjectID, model: k.model}
			tx := stale
			if r.Status == models.JobPending {
				err := transition(stale, k.model, r.ID, models.JobProcessing, map[string]interface{}{"started_at": s.now()})
				if err != nil {
					s.logger.Info("orphaned job skipped", "job_id", r.ID, "error", err)
					continue
				}
				s.publish(spec, models.JobProcessing, 0, "")
				tx = s.db
			}
			err := transition(tx, k.model, r.ID, models.JobFailed,
				map[string]interface{}{"error": InterruptedMessage, "completed_at": s.now()})
			if err != nil {
				s.logger.Warn("orphaned job not failed", "job_id", r.ID, "error", err)
				continue
			}
			s.publish(spec, models.JobFailed, 0, InterruptedMessage)
			s.logger.Info("failed orphaned job", "job_id", r.ID, "kind", k.kind)
			n++
		}
	}
	if err := s.resetStuckProjects(); err != nil {
		return n, err
	}
	return n, nil
}

// heartbeat refreshes the lease on this scheduler's unfinished jobs.
func (s *Scheduler) heartbeat() {
	now := s.now()
	for _, model := range []interface{}{&models.ValidationJob{}, &models.ImputationJob{}} {
		err := s.db.Model(model).
			Where("owner = ? AND status IN ?", s.owner, []string{models.JobPending, models.JobProcessing}).
			Update("heartbeat_at", now).Error
		if err != nil {
			s.logger.Warn("job heartbeat not recorded", "error", err)
		}
	}
}

// heartbeatLoop calls heartbeat four times per lease until Shutdown.
func (s *Scheduler) heartbeatLoop() {
	defer close(s.hbDone)
	t := time.NewTicker(s.lease / 4)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			s.heartbeat()
		}
	}
}

// resetStuckProjects moves projects out of validation processing when no
// validation job of theirs is still running, unless their latest completed
// validation left failing files.
func (s *Scheduler) resetStuckProjects() error {
	var projects []models.Project
	if err := s.db.Where("validation_status = ?", models.ValidationProcessing).Find(&projects).Error; err != nil {
		return fmt.Errorf("jobs: find stuck projects: %w", err)
	}
	for _, p := range projects {
		var running int64
		err := s.db.Model(&models.ValidationJob{}).
			Where("project_id = ? AND status IN ?", p.ID, []string{models.JobPending, models.JobProcessing}).
			Count(&running).Error
		if err != nil {
			return fmt.Errorf("jobs: count validations of %d: %w", p.ID, err)
		}
		if running > 0 {
			continue
		}
		status := models.ValidationDraft
		if last, err := LatestCompletedValidation(s.db, p.ID); err == nil {
			status = models.ValidationValidated
			var res validation.Result
			if last.Result != nil && json.Unmarshal([]byte(*last.Result), &res) == nil {
				status = projectStatusFor(res)
			}
		}
		if status == p.ValidationStatus {
			continue
		}
		s.setValidationStatus(p.ID, status)
	}
	return nil
}

// Purge deletes terminal jobs that completed before now minus the retention
// period, with their imputation outputs. A zero retention keeps everything.
func (s *Scheduler) Purge(now time.Time) (int64, error) {
	if s.defaults.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := now.AddDate(0, 0, -s.defaults.RetentionDays)
	terminal := []string{models.JobCompleted, models.JobFailed}

	var ids []string
	err := s.db.Model(&models.ImputationJob{}).
		Where("status IN ? AND completed_at < ?", terminal, cutoff).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("jobs: find expired imputations: %w", err)
	}
	for _, id := range ids {
		if err := s.store.RemoveOutputs(id); err != nil {
			s.logger.Warn("outputs not removed", "job_id", id, "error", err)
		}
	}

	var total int64
	for _, model := range []interface{}{&models.ImputationJob{}, &models.ValidationJob{}} {
		res := s.db.Where("status IN ? AND completed_at < ?", terminal, cutoff).Delete(model)
		if res.Error != nil {
			return total, fmt.Errorf("jobs: purge: %w", res.Error)
		}
		total += res.RowsAffected
	}
	if total > 0 {
		s.logger.Info("purged expired jobs", "count", total, "cutoff", cutoff.Format(time.RFC3339))
	}
	return total, nil
}

func (s *Scheduler) maintain() {
	if n, err := s.RecoverOrphans(); err != nil {
		s.logger.Error("orphan recovery failed", "error", err)
	} else if n > 0 {
		s.logger.Warn("recovered orphaned jobs", "count", n)
	}
	if _, err := s.Purge(s.now()); err != nil {
		s.logger.Error("purge failed", "error", err)
	}
}

// StartMaintenance runs orphan recovery and retention purging once now and
// then on schedule, a 5-field cron expression. It stops on Shutdown.
func (s *Scheduler) StartMaintenance(schedule string) error {
	sched, err := cronParser.Parse(schedule)
	if err != nil {
		return fmt.Errorf("jobs: maintenance schedule %q: %w", schedule, err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrShuttingDown
	}
	if s.cron != nil {
		s.mu.Unlock()
		return fmt.Errorf("jobs: maintenance already started")
	}
	c := cron.New(cron.WithParser(cronParser))
	c.Schedule(sched, cron.FuncJob(s.maintain))
	s.cron = c
	s.mu.Unlock()

	s.maintain()
	c.Start()
	return nil
}
