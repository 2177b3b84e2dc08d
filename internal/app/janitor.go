// Джанитор: раз в сутки подчищает журналы операций и failover и неудачные
// запросы не в статусе pending старше 30 дней.
package app

import (
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"mtproto-gateway/internal/core/registry"
	"mtproto-gateway/internal/infra/logger"
)

// logRetentionDays — горизонт хранения журналов.
const logRetentionDays = 30

// janitorSchedule — ежедневно в 03:17 локального времени: вне пиков и не в
// ровный час, когда толпятся чужие крон-задачи.
const janitorSchedule = "17 3 * * *"

// Janitor — обёртка над cron с одной задачей очистки.
type Janitor struct {
	cron     *cron.Cron
	registry *registry.Registry
	log      *zap.Logger
}

// NewJanitor создаёт джанитор (не запускает).
func NewJanitor(reg *registry.Registry) *Janitor {
	return &Janitor{
		cron:     cron.New(),
		registry: reg,
		log:      logger.Named("janitor"),
	}
}

// Start регистрирует расписание и запускает планировщик.
func (j *Janitor) Start() {
	_, err := j.cron.AddFunc(janitorSchedule, j.runOnce)
	if err != nil {
		j.log.Error("schedule janitor", zap.Error(err))
		return
	}
	j.cron.Start()
	j.log.Info("janitor scheduled", zap.String("cron", janitorSchedule))
}

// Stop останавливает планировщик.
func (j *Janitor) Stop() {
	if j.cron != nil {
		j.cron.Stop()
	}
}

func (j *Janitor) runOnce() {
	if err := j.registry.CleanupOldLogs(logRetentionDays); err != nil {
		j.log.Error("cleanup failed", zap.Error(err))
		return
	}
	j.log.Info("old logs cleaned", zap.Int("retention_days", logRetentionDays))
}
