package monitor

import (
	"fmt"

	"github.com/krishna-shrivastav232702/proctored-ide/internal/domain"
	"github.com/krishna-shrivastav232702/proctored-ide/pkg/config"
)

// Thresholds are the two-tier classification bounds for one stats sample.
type Thresholds struct {
	CPUWarning     float64
	CPUCritical    float64
	MemoryWarning  float64
	MemoryCritical float64
}

// ThresholdsFromConfig extracts monitoring thresholds from arena config.
func ThresholdsFromConfig(cfg config.ArenaConfig) Thresholds {
	return Thresholds{
		CPUWarning:     cfg.CPUWarningThreshold,
		CPUCritical:    cfg.CPUCriticalThreshold,
		MemoryWarning:  cfg.MemoryWarningThreshold,
		MemoryCritical: cfg.MemoryCriticalThreshold,
	}
}

// Detect classifies one stats sample against the thresholds. It reports at
// most one anomaly per resource dimension; a value past the critical bound
// is reported as CRITICAL only.
func Detect(stats domain.ContainerStats, t Thresholds) []domain.Anomaly {
	var anomalies []domain.Anomaly

	if a, ok := classify(domain.AnomalyCPU, stats.CPUPercent, t.CPUWarning, t.CPUCritical); ok {
		anomalies = append(anomalies, a)
	}
	if a, ok := classify(domain.AnomalyMemory, stats.Memory.Percent, t.MemoryWarning, t.MemoryCritical); ok {
		anomalies = append(anomalies, a)
	}
	return anomalies
}

func classify(kind domain.AnomalyType, value, warning, critical float64) (domain.Anomaly, bool) {
	switch {
	case value >= critical:
		return domain.Anomaly{
			Type:      kind,
			Severity:  domain.SeverityCritical,
			Message:   fmt.Sprintf("%s usage at %.1f%% exceeds critical threshold %.1f%%", kind, value, critical),
			Value:     value,
			Threshold: critical,
		}, true
	case value >= warning:
		return domain.Anomaly{
			Type:      kind,
			Severity:  domain.SeverityWarning,
			Message:   fmt.Sprintf("%s usage at %.1f%% exceeds warning threshold %.1f%%", kind, value, warning),
			Value:     value,
			Threshold: warning,
		}, true
	}
	return domain.Anomaly{}, false
}
