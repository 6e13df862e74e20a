package contracts

import "time"

// Pipeline Stage 정의 (SSOT)
// 모든 로그, update_log row에서 이 상수를 사용해야 함
//
// 파이프라인 흐름:
//   S0 → S1 → S2 → S3 → S4
//   Ingest  Quality  Horizon  Index  Alert

// Stage represents a pipeline stage
type Stage string

const (
	// StageIngest S0: 외부 데이터 수집 및 관측치 저장
	// 위치: internal/s0_data/
	StageIngest Stage = "S0_INGEST"

	// StageQuality S1: 품질 플래그 (stale / outlier / missing-recent)
	// 위치: internal/s1_quality/
	StageQuality Stage = "S1_QUALITY"

	// StageHorizon S2: look-ahead-safe z-score 패널 생성
	// 위치: internal/transform/, internal/s2_horizon/
	StageHorizon Stage = "S2_HORIZON"

	// StageIndex S3: 복합 지수 계산 및 regime 분류
	// 위치: internal/s3_index/
	StageIndex Stage = "S3_INDEX"

	// StageAlert S4: 임계값 상태 머신 및 알림
	// 위치: internal/s4_alert/
	StageAlert Stage = "S4_ALERT"
)

// String returns the stage name
func (s Stage) String() string {
	return string(s)
}

// ShortName returns abbreviated stage name (e.g., "S0", "S1")
func (s Stage) ShortName() string {
	switch s {
	case StageIngest:
		return "S0"
	case StageQuality:
		return "S1"
	case StageHorizon:
		return "S2"
	case StageIndex:
		return "S3"
	case StageAlert:
		return "S4"
	default:
		return "UNKNOWN"
	}
}

// Description returns Korean description of the stage
func (s Stage) Description() string {
	switch s {
	case StageIngest:
		return "데이터 수집"
	case StageQuality:
		return "품질 검사"
	case StageHorizon:
		return "Horizon 패널 생성"
	case StageIndex:
		return "복합 지수 계산"
	case StageAlert:
		return "임계값 알림"
	default:
		return "알 수 없음"
	}
}

// AllStages returns all pipeline stages in order
func AllStages() []Stage {
	return []Stage{
		StageIngest,
		StageQuality,
		StageHorizon,
		StageIndex,
		StageAlert,
	}
}

// IsValidStage checks if a stage string is valid
func IsValidStage(s string) bool {
	for _, stage := range AllStages() {
		if string(stage) == s {
			return true
		}
	}
	return false
}

// StageResult represents the result of a pipeline stage execution
type StageResult struct {
	Stage       Stage         `json:"stage"`
	Success     bool          `json:"success"`
	Skipped     bool          `json:"skipped,omitempty"`
	InputCount  int           `json:"input_count"`
	OutputCount int           `json:"output_count"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
}

// RunStatus is the outcome recorded in the update log
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial"
	RunFailed  RunStatus = "failed"
)

// UpdateLogEntry is the immutable record of one pipeline invocation
// ⭐ SSOT: 한 번의 실행 = 한 row, 사후 수정 없음
type UpdateLogEntry struct {
	RunID            string        `json:"run_id"`
	StartedAt        time.Time     `json:"started_at"`
	FinishedAt       time.Time     `json:"finished_at"`
	Mode             string        `json:"mode"`
	Status           RunStatus     `json:"status"`
	SourcesAttempted []string      `json:"sources_attempted"`
	SourcesSucceeded []string      `json:"sources_succeeded"`
	RowsWritten      int64         `json:"rows_written"`
	RowsRejected     int64         `json:"rows_rejected"`
	Duration         time.Duration `json:"duration"`
	FailedStage      Stage         `json:"failed_stage,omitempty"`
	ErrorSummary     string        `json:"error_summary,omitempty"`
}

// SourcesFailed returns attempted sources that did not succeed.
func (e *UpdateLogEntry) SourcesFailed() []string {
	ok := make(map[string]bool, len(e.SourcesSucceeded))
	for _, s := range e.SourcesSucceeded {
		ok[s] = true
	}
	var failed []string
	for _, s := range e.SourcesAttempted {
		if !ok[s] {
			failed = append(failed, s)
		}
	}
	return failed
}
