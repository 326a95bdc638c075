package monitor

import (
	"go.uber.org/zap"

	"github.com/teranos/flywheel/logger"
)

// Notifier delivers a triggered alert to one recipient. The alert loop
// calls Notify once per recipient on the rule; delivery errors are logged
// and do not affect the alert or the other recipients.
type Notifier interface {
	Notify(recipient string, alert *ActiveAlert) error
}

// logNotifier is the default notifier: one structured log line per
// recipient. Deployments wanting mail or chat delivery swap it out with
// SetNotifier.
type logNotifier struct {
	log *zap.SugaredLogger
}

func (n *logNotifier) Notify(recipient string, alert *ActiveAlert) error {
	n.log.Warnw("ALERT "+alert.Message,
		logger.FieldAlertID, alert.ID,
		"severity", alert.Severity,
		"recipient", recipient)
	return nil
}
