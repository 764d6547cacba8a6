package domain

// AnomalyType identifies the resource dimension that breached a threshold.
type AnomalyType string

const (
	AnomalyCPU    AnomalyType = "CPU"
	AnomalyMemory AnomalyType = "MEMORY"
	AnomalyDisk   AnomalyType = "DISK"
)

// AnomalySeverity is the two-tier classification of a sample.
type AnomalySeverity string

const (
	SeverityWarning  AnomalySeverity = "WARNING"
	SeverityCritical AnomalySeverity = "CRITICAL"
)

// Anomaly is a resource sample that exceeded a threshold. Derived
// transiently from one stats sample; never persisted.
type Anomaly struct {
	Type      AnomalyType     `json:"type"`
	Severity  AnomalySeverity `json:"severity"`
	Message   string          `json:"message"`
	Value     float64         `json:"value"`
	Threshold float64         `json:"threshold"`
}
