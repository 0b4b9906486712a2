package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"policyscan-backend/models"

	"github.com/google/uuid"
)

// TaskStore is the task persistence contract the pipeline consumes. It is
// called at pipeline start, at each stage checkpoint, and at completion.
type TaskStore interface {
	Create(ctx context.Context, taskID string) error
	GetByID(ctx context.Context, taskID string) (*models.DetectionTask, error)
	UpdateProgress(ctx context.Context, taskID string, status models.TaskStatus, progress int, stage string) error
	AttachReport(ctx context.Context, taskID string, reportID string) error
	Fail(ctx context.Context, taskID string, errorMessage string) error
}

// ReportStore is the report persistence contract the pipeline consumes
type ReportStore interface {
	Create(ctx context.Context, report *models.Report) error
	GetByID(ctx context.Context, reportID string) (*models.Report, error)
}

var (
	ErrEmptyPolicy  = errors.New("policy text is empty")
	ErrTaskNotFound = errors.New("detection task not found")
)

const (
	// admissionThreshold is the minimum risk confidence for a segment to
	// produce a finding. Fixed, not tunable per call.
	admissionThreshold = 0.25

	// citationTopK bounds retrieved regulations and cases per segment
	citationTopK = 2

	// Rune bounds on generated report content
	excerptMaxRunes       = 280
	promptChunkRunes      = 800
	syntheticChunkRunes   = 500
	fallbackFragmentRunes = 200

	reviewerTag     = "AutoMoE"
	casePenaltyNote = "参考案例"

	// suggestionDelimiter splits generated text into description and
	// suggestion at its first occurrence
	suggestionDelimiter = "建议"

	fallbackDescription = "未检测到高风险分段，建议人工复核关键条款。"
	fallbackSuggestion  = "补充用户知情同意义务说明。"
	genericSuggestion   = "请根据法规要求补充整改措施。"

	// Canned pair substituted when generation ran on the fallback path
	mockDescription = "根据启发式规则，建议关注数据收集合规性。"
	mockSuggestion  = "请补充处理目的、权限申请与撤回机制。"

	completionLogAction = "任务完成并生成报告"
)

// Risk categories
const (
	CategoryCollection = "信息收集"
	CategorySharing    = "信息共享"
	CategoryStorage    = "信息存储"
	CategoryUserRights = "用户权利"
)

// categoryKeyword maps a keyword to a risk category. The table is ordered:
// the first matching keyword wins.
type categoryKeyword struct {
	keyword  string
	category string
}

var categoryKeywords = []categoryKeyword{
	{"共享", CategorySharing},
	{"第三方", CategorySharing},
	{"权限", CategoryCollection},
	{"定位", CategoryCollection},
	{"存储", CategoryStorage},
	{"删除", CategoryStorage},
	{"权利", CategoryUserRights},
}

// DetectionService orchestrates privacy-policy compliance analysis: it owns
// task lifecycle, drives the model gateway and knowledge retriever per
// segment, and assembles the final report. The service is stateless; all
// state lives in the stores, so multiple documents may be analyzed
// concurrently sharing only the process-wide gateway.
type DetectionService struct {
	tasks     TaskStore
	reports   ReportStore
	gateway   Gateway
	retriever KnowledgeSearcher
}

// DetectionServiceOption is a functional option for DetectionService
type DetectionServiceOption func(*DetectionService)

// WithTaskStore sets the task store
func WithTaskStore(store TaskStore) DetectionServiceOption {
	return func(s *DetectionService) {
		s.tasks = store
	}
}

// WithReportStore sets the report store
func WithReportStore(store ReportStore) DetectionServiceOption {
	return func(s *DetectionService) {
		s.reports = store
	}
}

// WithGateway sets the model gateway
func WithGateway(gateway Gateway) DetectionServiceOption {
	return func(s *DetectionService) {
		s.gateway = gateway
	}
}

// WithRetriever sets the knowledge retriever
func WithRetriever(retriever KnowledgeSearcher) DetectionServiceOption {
	return func(s *DetectionService) {
		s.retriever = retriever
	}
}

// NewDetectionService creates a new detection service
func NewDetectionService(opts ...DetectionServiceOption) *DetectionService {
	s := &DetectionService{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubmitTask validates the submission and creates a pending task.
// The analysis itself runs later via ProcessDetection; this method must
// stay fast.
func (s *DetectionService) SubmitTask(ctx context.Context, policyText string) (string, error) {
	if s.tasks == nil {
		return "", errors.New("task store not set")
	}
	if strings.TrimSpace(policyText) == "" {
		return "", ErrEmptyPolicy
	}

	taskID := uuid.New().String()
	if err := s.tasks.Create(ctx, taskID); err != nil {
		return "", fmt.Errorf("failed to create detection task: %w", err)
	}

	log.Printf("Detection task submitted task_id=%s", taskID)
	return taskID, nil
}

// GetTaskStatus returns the observable (status, progress, stage) of a task
func (s *DetectionService) GetTaskStatus(ctx context.Context, taskID string) (*models.DetectionTask, error) {
	if s.tasks == nil {
		return nil, errors.New("task store not set")
	}

	task, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

// TaskResult is a task together with its report once completed
type TaskResult struct {
	Task   *models.DetectionTask
	Report *models.Report
}

// GetTaskResult returns the task state plus the full report for completed
// tasks. Pending and processing tasks carry no report.
func (s *DetectionService) GetTaskResult(ctx context.Context, taskID string) (*TaskResult, error) {
	task, err := s.GetTaskStatus(ctx, taskID)
	if err != nil {
		return nil, err
	}

	result := &TaskResult{Task: task}
	if task.Status == models.TaskStatusCompleted && task.ReportID != nil && s.reports != nil {
		report, err := s.reports.GetByID(ctx, *task.ReportID)
		if err != nil {
			return nil, err
		}
		result.Report = report
	}
	return result, nil
}

// ProcessDetection runs the full analysis pipeline for one submitted task.
// It is meant to run in a background goroutine; any failure transitions the
// task to failed with the last reported progress preserved, and no partial
// report is persisted.
func (s *DetectionService) ProcessDetection(ctx context.Context, taskID string, appName string, policyText string) error {
	if s.tasks == nil {
		return errors.New("task store not set")
	}
	if s.reports == nil {
		return errors.New("report store not set")
	}

	tracker := NewProgressTracker(s.tasks, taskID)

	report, err := s.runPipeline(ctx, tracker, taskID, appName, policyText)
	if err != nil {
		// The pipeline context may already be canceled; record the
		// failure on a detached context so the state still lands.
		failCtx := context.WithoutCancel(ctx)
		if failErr := tracker.Fail(failCtx, err.Error()); failErr != nil {
			log.Printf("Warning: failed to mark task %s as failed: %v", taskID, failErr)
		}
		log.Printf("Detection task %s failed at %d%%: %v", taskID, tracker.Progress(), err)
		return err
	}

	log.Printf("Detection task %s completed, report %s persisted", taskID, report.ReportID)
	return nil
}

// runPipeline drives the stage sequence and persists the outcome
func (s *DetectionService) runPipeline(ctx context.Context, tracker *ProgressTracker, taskID, appName, policyText string) (*models.Report, error) {
	if err := tracker.Advance(ctx); err != nil { // preprocess
		return nil, err
	}
	cleaned := strings.TrimSpace(policyText)
	if cleaned == "" {
		return nil, ErrEmptyPolicy
	}

	report, err := s.BuildReport(ctx, tracker, taskID, appName, cleaned)
	if err != nil {
		return nil, err
	}

	if err := tracker.Advance(ctx); err != nil { // aggregation
		return nil, err
	}

	if err := s.reports.Create(ctx, report); err != nil {
		return nil, fmt.Errorf("failed to persist report: %w", err)
	}
	if err := tracker.Advance(ctx); err != nil { // persisted
		return nil, err
	}
	if err := s.tasks.AttachReport(ctx, taskID, report.ReportID); err != nil {
		return nil, fmt.Errorf("failed to attach report: %w", err)
	}

	return report, nil
}

// BuildReport turns one document into a compliance report: segmentation,
// per-segment scoring, retrieval, generation and severity classification,
// then aggregation. Every analyzed document yields at least one finding.
//
// Fragment positions are byte offsets into policyText. Segments are located
// left to right with a monotonically advancing cursor, so a segment never
// overlaps the cursor region of a prior one.
func (s *DetectionService) BuildReport(ctx context.Context, tracker *ProgressTracker, taskID, appName, policyText string) (*models.Report, error) {
	detectionTime := time.Now().UTC()

	chunks, segDegraded := s.gateway.SegmentText(policyText)
	if len(chunks) == 0 {
		// Unsplittable input is analyzed as a single synthetic chunk.
		chunks = []string{runePrefix(policyText, syntheticChunkRunes)}
	}
	if segDegraded {
		log.Printf("Task %s segmented on the fallback path (%d chunks)", taskID, len(chunks))
	}
	if err := tracker.Advance(ctx); err != nil { // chunking
		return nil, err
	}
	if err := tracker.Advance(ctx); err != nil { // retrieval/generation
		return nil, err
	}

	var details models.RiskDetails
	cursor := 0
	for idx, chunk := range chunks {
		// Cancellation is cooperative: checked between segment iterations.
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		score, _ := s.gateway.ScoreChunk(chunk)
		if score < admissionThreshold {
			continue
		}

		startIndex := strings.Index(policyText[cursor:], chunk)
		if startIndex == -1 {
			startIndex = cursor
		} else {
			startIndex += cursor
		}
		endIndex := startIndex + len(chunk)
		cursor = endIndex

		embedding, _ := s.gateway.EmbedText(ctx, chunk)
		regulationItems := s.retriever.Search(ctx, embedding, models.KbTypeRegulation, citationTopK)
		caseItems := s.retriever.Search(ctx, embedding, models.KbTypeCase, citationTopK)

		regulations := make([]models.RegulationItem, 0, len(regulationItems))
		for _, item := range regulationItems {
			regulations = append(regulations, models.RegulationItem{
				KbID:    item.KbID,
				Title:   item.Title,
				Excerpt: runePrefix(item.Content, excerptMaxRunes),
			})
		}
		cases := make([]models.CaseItem, 0, len(caseItems))
		for _, item := range caseItems {
			cases = append(cases, models.CaseItem{
				KbID:    item.KbID,
				Title:   item.Title,
				Penalty: casePenaltyNote,
			})
		}

		prompt := buildGenerationPrompt(appName, chunk, regulationItems, caseItems)
		generated, _ := s.gateway.GenerateText(ctx, prompt)
		description, suggestion := splitGeneration(generated)

		features := []float64{
			score,
			float64(utf8.RuneCountInString(chunk)) / 1000,
			float64(len(regulations)) / 5,
		}
		level, _ := s.gateway.PredictRiskLevel(features)

		details = append(details, models.RiskDetail{
			RiskID:                  fmt.Sprintf("%s-%d", shortTaskID(taskID), idx+1),
			Category:                inferCategory(chunk),
			Level:                   level,
			PolicyFragment:          chunk,
			FragmentPosition:        models.FragmentPosition{StartIndex: startIndex, EndIndex: endIndex},
			ViolatedRegulations:     regulations,
			RelatedCases:            cases,
			RiskDescription:         description,
			RectificationSuggestion: suggestion,
			HandlingStatus:          models.HandlingUntreated,
		})
	}

	if len(details) == 0 {
		fragment := runePrefix(policyText, fallbackFragmentRunes)
		details = append(details, models.RiskDetail{
			RiskID:                  fmt.Sprintf("%s-fallback", shortTaskID(taskID)),
			Category:                CategoryCollection,
			Level:                   models.RiskLevelLow,
			PolicyFragment:          fragment,
			FragmentPosition:        models.FragmentPosition{StartIndex: 0, EndIndex: len(fragment)},
			ViolatedRegulations:     []models.RegulationItem{},
			RelatedCases:            []models.CaseItem{},
			RiskDescription:         fallbackDescription,
			RectificationSuggestion: fallbackSuggestion,
			HandlingStatus:          models.HandlingUntreated,
		})
	}

	return &models.Report{
		ReportID:      uuid.New().String(),
		DetectionTime: detectionTime,
		BasicInfo: models.BasicInfo{
			AppName:       appName,
			DetectionTime: detectionTime,
			Status:        "completed",
			Reviewer:      reviewerTag,
		},
		Statistics:  buildStatistics(details),
		RiskDetails: details,
		OperationLogs: models.OperationLogs{
			{
				LogID:         uuid.New().String(),
				OperatedBy:    "system",
				OperationTime: detectionTime,
				Action:        completionLogAction,
			},
		},
	}, nil
}

// shortTaskID returns the risk-id prefix derived from the task id
func shortTaskID(taskID string) string {
	if len(taskID) > 8 {
		return taskID[:8]
	}
	return taskID
}

// kbRef is the citation shape embedded into generation prompts
type kbRef struct {
	KbID    string `json:"kb_id"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

func kbRefs(items []models.KnowledgeItem) []kbRef {
	refs := make([]kbRef, 0, len(items))
	for _, item := range items {
		refs = append(refs, kbRef{KbID: item.KbID, Title: item.Title, Content: item.Content})
	}
	return refs
}

// buildGenerationPrompt combines the app name, a bounded chunk prefix and
// the retrieved citations into the generation prompt
func buildGenerationPrompt(appName, chunk string, regulations, cases []models.KnowledgeItem) string {
	regText, _ := json.Marshal(kbRefs(regulations))
	caseText, _ := json.Marshal(kbRefs(cases))
	return fmt.Sprintf(
		"应用：%s\n隐私政策片段：%s\n法规参考：%s\n案例参考：%s\n请概述该片段的潜在合规风险，并提供整改建议。",
		appName,
		runePrefix(chunk, promptChunkRunes),
		regText,
		caseText,
	)
}

// splitGeneration parses generated text into a description/suggestion pair.
// Sentinel-tagged fallback output maps to a canned pair; otherwise the text
// splits on the first delimiter occurrence, with a generic suggestion when
// the delimiter is absent.
func splitGeneration(text string) (string, string) {
	if strings.Contains(text, mockResponsePrefix) {
		return mockDescription, mockSuggestion
	}

	parts := strings.SplitN(text, suggestionDelimiter, 2)
	description := strings.TrimSpace(parts[0])
	if len(parts) > 1 {
		return description, suggestionDelimiter + strings.TrimSpace(parts[1])
	}
	return description, genericSuggestion
}

// inferCategory assigns a coarse risk category by first-match keyword lookup
func inferCategory(chunk string) string {
	for _, entry := range categoryKeywords {
		if strings.Contains(chunk, entry.keyword) {
			return entry.category
		}
	}
	return CategoryCollection
}

// Statistics penalty weights per severity level
const (
	highPenalty   = 0.25
	mediumPenalty = 0.12
	lowPenalty    = 0.05
)

// buildStatistics folds a finding list into summary counts and the
// compliance rate. The low count is derived as the remainder rather than
// recounted, so levels outside the three buckets are absorbed into "low".
// The compliance rate is a penalty model, not a probability; a high-risk
// dense document can legitimately score 0.
func buildStatistics(details models.RiskDetails) models.Statistics {
	total := len(details)
	high, medium := 0, 0
	for _, d := range details {
		switch d.Level {
		case models.RiskLevelHigh:
			high++
		case models.RiskLevelMedium:
			medium++
		}
	}
	low := total - high - medium

	compliance := 1 - (float64(high)*highPenalty + float64(medium)*mediumPenalty + float64(low)*lowPenalty)
	compliance = round2(compliance)
	if compliance < 0 {
		compliance = 0
	}

	return models.Statistics{
		TotalRiskCount:  total,
		HighRiskCount:   high,
		MediumRiskCount: medium,
		LowRiskCount:    low,
		ComplianceRate:  compliance,
	}
}

// round2 rounds to two decimal places
func round2(v float64) float64 {
	if v < 0 {
		return -float64(int64(-v*100+0.5)) / 100
	}
	return float64(int64(v*100+0.5)) / 100
}
