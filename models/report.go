package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// RiskLevel represents the severity of a risk finding
type RiskLevel string

const (
	RiskLevelHigh   RiskLevel = "high"
	RiskLevelMedium RiskLevel = "medium"
	RiskLevelLow    RiskLevel = "low"
)

// HandlingStatus represents the remediation state of a risk finding
type HandlingStatus string

const (
	HandlingUntreated  HandlingStatus = "untreated"
	HandlingProcessing HandlingStatus = "processing"
	HandlingResolved   HandlingStatus = "resolved"
)

// FragmentPosition locates a policy fragment inside the submitted text.
// Offsets are byte offsets into the original UTF-8 text and satisfy
// 0 <= StartIndex < EndIndex <= len(text).
type FragmentPosition struct {
	StartIndex int `json:"start_index"`
	EndIndex   int `json:"end_index"`
}

// RegulationItem is a regulation citation attached to a finding
type RegulationItem struct {
	KbID    string `json:"kb_id"`
	Title   string `json:"title"`
	Excerpt string `json:"excerpt"`
}

// CaseItem is an enforcement-case citation attached to a finding
type CaseItem struct {
	KbID    string `json:"kb_id"`
	Title   string `json:"title"`
	Penalty string `json:"penalty"`
}

// RiskDetail represents one identified compliance risk tied to a
// policy fragment
type RiskDetail struct {
	RiskID                  string           `json:"risk_id"`
	Category                string           `json:"category"`
	Level                   RiskLevel        `json:"level"`
	PolicyFragment          string           `json:"policy_fragment"`
	FragmentPosition        FragmentPosition `json:"fragment_position"`
	ViolatedRegulations     []RegulationItem `json:"violated_regulations"`
	RelatedCases            []CaseItem       `json:"related_cases"`
	RiskDescription         string           `json:"risk_description"`
	RectificationSuggestion string           `json:"rectification_suggestion"`
	HandlingStatus          HandlingStatus   `json:"handling_status"`
}

// RiskDetails is a list of risk findings stored as JSONB
type RiskDetails []RiskDetail

// Value implements driver.Valuer for JSONB
func (r RiskDetails) Value() (driver.Value, error) {
	return json.Marshal(r)
}

// Scan implements sql.Scanner for JSONB
func (r *RiskDetails) Scan(value interface{}) error {
	bytes, ok := jsonbBytes(value)
	if !ok || len(bytes) == 0 {
		*r = make(RiskDetails, 0)
		return nil
	}
	return json.Unmarshal(bytes, r)
}

// BasicInfo is the report header block
type BasicInfo struct {
	AppName       string    `json:"app_name"`
	DetectionTime time.Time `json:"detection_time"`
	Status        string    `json:"status"`
	Reviewer      string    `json:"reviewer"`
}

// Value implements driver.Valuer for JSONB
func (b BasicInfo) Value() (driver.Value, error) {
	return json.Marshal(b)
}

// Scan implements sql.Scanner for JSONB
func (b *BasicInfo) Scan(value interface{}) error {
	bytes, ok := jsonbBytes(value)
	if !ok || len(bytes) == 0 {
		return nil
	}
	return json.Unmarshal(bytes, b)
}

// Statistics summarizes a finding list. LowRiskCount is derived as
// total - high - medium, and ComplianceRate is a penalty score in [0,1],
// not a probability.
type Statistics struct {
	TotalRiskCount  int     `json:"total_risk_count"`
	HighRiskCount   int     `json:"high_risk_count"`
	MediumRiskCount int     `json:"medium_risk_count"`
	LowRiskCount    int     `json:"low_risk_count"`
	ComplianceRate  float64 `json:"compliance_rate"`
}

// Value implements driver.Valuer for JSONB
func (s Statistics) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// Scan implements sql.Scanner for JSONB
func (s *Statistics) Scan(value interface{}) error {
	bytes, ok := jsonbBytes(value)
	if !ok || len(bytes) == 0 {
		return nil
	}
	return json.Unmarshal(bytes, s)
}

// OperationLog is one audit entry attached to a report
type OperationLog struct {
	LogID         string    `json:"log_id"`
	OperatedBy    string    `json:"operated_by"`
	OperationTime time.Time `json:"operation_time"`
	Action        string    `json:"action"`
}

// OperationLogs is a list of audit entries stored as JSONB
type OperationLogs []OperationLog

// Value implements driver.Valuer for JSONB
func (o OperationLogs) Value() (driver.Value, error) {
	return json.Marshal(o)
}

// Scan implements sql.Scanner for JSONB
func (o *OperationLogs) Scan(value interface{}) error {
	bytes, ok := jsonbBytes(value)
	if !ok || len(bytes) == 0 {
		*o = make(OperationLogs, 0)
		return nil
	}
	return json.Unmarshal(bytes, o)
}

// Report is the final compliance report produced once per completed
// pipeline run; immutable after creation.
type Report struct {
	ReportID      string        `json:"report_id"`
	DetectionTime time.Time     `json:"detection_time"`
	BasicInfo     BasicInfo     `json:"basic_info"`
	Statistics    Statistics    `json:"statistics"`
	RiskDetails   RiskDetails   `json:"risk_details"`
	OperationLogs OperationLogs `json:"operation_logs"`
}

// jsonbBytes normalizes the value types pgx may return for JSONB columns
func jsonbBytes(value interface{}) ([]byte, bool) {
	switch v := value.(type) {
	case []byte:
		return v, true
	case string:
		return []byte(v), true
	default:
		return nil, false
	}
}
