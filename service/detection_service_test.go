package service

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"

	"policyscan-backend/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// In-memory fakes
// ---------------------------------------------------------------------------

type progressUpdate struct {
	status   models.TaskStatus
	progress int
	stage    string
}

type fakeTaskStore struct {
	mu      sync.Mutex
	tasks   map[string]*models.DetectionTask
	updates []progressUpdate
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{tasks: make(map[string]*models.DetectionTask)}
}

func (s *fakeTaskStore) Create(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[taskID] = &models.DetectionTask{
		TaskID: taskID,
		Status: models.TaskStatusPending,
	}
	return nil
}

func (s *fakeTaskStore) GetByID(ctx context.Context, taskID string) (*models.DetectionTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, nil
	}
	copied := *task
	return &copied, nil
}

func (s *fakeTaskStore) UpdateProgress(ctx context.Context, taskID string, status models.TaskStatus, progress int, stage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, progressUpdate{status: status, progress: progress, stage: stage})
	if task, ok := s.tasks[taskID]; ok {
		task.Status = status
		task.Progress = progress
		stageCopy := stage
		task.Stage = &stageCopy
	}
	return nil
}

func (s *fakeTaskStore) AttachReport(ctx context.Context, taskID string, reportID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task, ok := s.tasks[taskID]; ok {
		task.Status = models.TaskStatusCompleted
		task.Progress = 100
		task.ReportID = &reportID
	}
	return nil
}

func (s *fakeTaskStore) Fail(ctx context.Context, taskID string, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task, ok := s.tasks[taskID]; ok {
		task.Status = models.TaskStatusFailed
		task.ErrorMessage = &errorMessage
	}
	return nil
}

func (s *fakeTaskStore) task(taskID string) *models.DetectionTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[taskID]
}

func (s *fakeTaskStore) recordedUpdates() []progressUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]progressUpdate(nil), s.updates...)
}

type fakeReportStore struct {
	mu      sync.Mutex
	reports map[string]*models.Report
}

func newFakeReportStore() *fakeReportStore {
	return &fakeReportStore{reports: make(map[string]*models.Report)}
}

func (s *fakeReportStore) Create(ctx context.Context, report *models.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[report.ReportID] = report
	return nil
}

func (s *fakeReportStore) GetByID(ctx context.Context, reportID string) (*models.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reports[reportID], nil
}

func (s *fakeReportStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}

// stubGateway is a fully scripted Gateway for pipeline tests
type stubGateway struct {
	segments  []string
	scores    map[string]float64
	level     models.RiskLevel
	generated string
}

func (g *stubGateway) SegmentText(text string) ([]string, bool) {
	return g.segments, false
}

func (g *stubGateway) ScoreChunk(text string) (float64, bool) {
	return g.scores[text], false
}

func (g *stubGateway) EmbedText(ctx context.Context, text string) ([]float64, bool) {
	return []float64{0.1, 0.2, 0.3}, false
}

func (g *stubGateway) PredictRiskLevel(features []float64) (models.RiskLevel, bool) {
	if g.level == "" {
		return models.RiskLevelLow, false
	}
	return g.level, false
}

func (g *stubGateway) GenerateText(ctx context.Context, prompt string) (string, bool) {
	return g.generated, false
}

// stubSearcher returns canned knowledge items per category
type stubSearcher struct {
	regulations []models.KnowledgeItem
	cases       []models.KnowledgeItem
}

func (s *stubSearcher) Search(ctx context.Context, embedding []float64, kbType string, topK int) []models.KnowledgeItem {
	if kbType == models.KbTypeRegulation {
		return s.regulations
	}
	return s.cases
}

func newService(tasks *fakeTaskStore, reports *fakeReportStore, gateway Gateway, searcher KnowledgeSearcher) *DetectionService {
	return NewDetectionService(
		WithTaskStore(tasks),
		WithReportStore(reports),
		WithGateway(gateway),
		WithRetriever(searcher),
	)
}

// ---------------------------------------------------------------------------
// Task lifecycle
// ---------------------------------------------------------------------------

func TestSubmitTask(t *testing.T) {
	tasks := newFakeTaskStore()
	svc := newService(tasks, newFakeReportStore(), &stubGateway{}, &stubSearcher{})

	taskID, err := svc.SubmitTask(context.Background(), "我们收集您的信息。")
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	task := tasks.task(taskID)
	require.NotNil(t, task)
	assert.Equal(t, models.TaskStatusPending, task.Status)
	assert.Equal(t, 0, task.Progress)
}

func TestSubmitTask_EmptyPolicy(t *testing.T) {
	svc := newService(newFakeTaskStore(), newFakeReportStore(), &stubGateway{}, &stubSearcher{})

	for _, text := range []string{"", "   \n\t "} {
		_, err := svc.SubmitTask(context.Background(), text)
		assert.ErrorIs(t, err, ErrEmptyPolicy)
	}
}

func TestGetTaskStatus_NotFound(t *testing.T) {
	svc := newService(newFakeTaskStore(), newFakeReportStore(), &stubGateway{}, &stubSearcher{})

	_, err := svc.GetTaskStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestProcessDetection_CompletesTask(t *testing.T) {
	tasks := newFakeTaskStore()
	reports := newFakeReportStore()
	chunk := "应用会将数据与第三方共享。"
	gateway := &stubGateway{
		segments:  []string{chunk},
		scores:    map[string]float64{chunk: 0.8},
		level:     models.RiskLevelHigh,
		generated: "该条款风险较高。建议限定共享范围。",
	}
	svc := newService(tasks, reports, gateway, &stubSearcher{})

	ctx := context.Background()
	taskID, err := svc.SubmitTask(ctx, chunk)
	require.NoError(t, err)

	require.NoError(t, svc.ProcessDetection(ctx, taskID, "测试应用", chunk))

	task := tasks.task(taskID)
	require.NotNil(t, task)
	assert.Equal(t, models.TaskStatusCompleted, task.Status)
	assert.Equal(t, 100, task.Progress)
	require.NotNil(t, task.ReportID)

	report, err := reports.GetByID(ctx, *task.ReportID)
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, "测试应用", report.BasicInfo.AppName)
	assert.Equal(t, "AutoMoE", report.BasicInfo.Reviewer)
	require.Len(t, report.RiskDetails, 1)
	require.Len(t, report.OperationLogs, 1)
	assert.Equal(t, "任务完成并生成报告", report.OperationLogs[0].Action)

	// Stage checkpoints arrive in order with their fixed percentages
	updates := tasks.recordedUpdates()
	var stages []string
	var percents []int
	for _, u := range updates {
		assert.Equal(t, models.TaskStatusProcessing, u.status)
		stages = append(stages, u.stage)
		percents = append(percents, u.progress)
	}
	assert.Equal(t, []string{"preprocess", "chunking", "retrieval/generation", "aggregation", "persisted"}, stages)
	assert.Equal(t, []int{5, 15, 55, 90, 100}, percents)
}

func TestProcessDetection_EmptyPolicyFails(t *testing.T) {
	tasks := newFakeTaskStore()
	reports := newFakeReportStore()
	svc := newService(tasks, reports, &stubGateway{}, &stubSearcher{})

	ctx := context.Background()
	require.NoError(t, tasks.Create(ctx, "task-1"))

	err := svc.ProcessDetection(ctx, "task-1", "测试应用", "   ")
	assert.ErrorIs(t, err, ErrEmptyPolicy)

	task := tasks.task("task-1")
	assert.Equal(t, models.TaskStatusFailed, task.Status)
	require.NotNil(t, task.ErrorMessage)
	assert.Equal(t, 0, reports.count())
}

func TestProcessDetection_CancelledContext(t *testing.T) {
	tasks := newFakeTaskStore()
	reports := newFakeReportStore()
	chunk := "应用收集设备信息。"
	gateway := &stubGateway{
		segments: []string{chunk},
		scores:   map[string]float64{chunk: 0.9},
	}
	svc := newService(tasks, reports, gateway, &stubSearcher{})

	require.NoError(t, tasks.Create(context.Background(), "task-1"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := svc.ProcessDetection(ctx, "task-1", "测试应用", chunk)
	assert.Error(t, err)

	task := tasks.task("task-1")
	assert.Equal(t, models.TaskStatusFailed, task.Status)
	assert.Equal(t, 0, reports.count(), "no partial report may be persisted")
}

func TestGetTaskResult_CompletedCarriesReport(t *testing.T) {
	tasks := newFakeTaskStore()
	reports := newFakeReportStore()
	chunk := "应用会将数据与第三方共享。"
	gateway := &stubGateway{
		segments:  []string{chunk},
		scores:    map[string]float64{chunk: 0.8},
		generated: "存在风险。建议整改。",
	}
	svc := newService(tasks, reports, gateway, &stubSearcher{})

	ctx := context.Background()
	taskID, err := svc.SubmitTask(ctx, chunk)
	require.NoError(t, err)

	// Before processing there is no report
	result, err := svc.GetTaskResult(ctx, taskID)
	require.NoError(t, err)
	assert.Nil(t, result.Report)

	require.NoError(t, svc.ProcessDetection(ctx, taskID, "测试应用", chunk))

	result, err = svc.GetTaskResult(ctx, taskID)
	require.NoError(t, err)
	require.NotNil(t, result.Report)
	assert.Equal(t, models.TaskStatusCompleted, result.Task.Status)
}

// ---------------------------------------------------------------------------
// Report building
// ---------------------------------------------------------------------------

func buildTestReport(t *testing.T, svc *DetectionService, tasks *fakeTaskStore, taskID, appName, text string) *models.Report {
	t.Helper()
	tracker := NewProgressTracker(tasks, taskID)
	report, err := svc.BuildReport(context.Background(), tracker, taskID, appName, text)
	require.NoError(t, err)
	return report
}

func TestBuildReport_FallbackFinding(t *testing.T) {
	tasks := newFakeTaskStore()
	text := strings.Repeat("本政策说明信息处理方式。", 30)
	gateway := &stubGateway{
		segments: []string{text},
		scores:   map[string]float64{text: 0.1},
	}
	svc := newService(tasks, newFakeReportStore(), gateway, &stubSearcher{})

	report := buildTestReport(t, svc, tasks, "0102030405060708", "测试应用", text)

	require.Len(t, report.RiskDetails, 1)
	detail := report.RiskDetails[0]
	assert.Equal(t, "01020304-fallback", detail.RiskID)
	assert.Equal(t, models.RiskLevelLow, detail.Level)
	assert.Equal(t, CategoryCollection, detail.Category)
	assert.Equal(t, "untreated", string(detail.HandlingStatus))
	assert.NotNil(t, detail.ViolatedRegulations)
	assert.NotNil(t, detail.RelatedCases)
	assert.Empty(t, detail.ViolatedRegulations)
	assert.Empty(t, detail.RelatedCases)

	// Fragment is a bounded prefix of the original text
	assert.Equal(t, 0, detail.FragmentPosition.StartIndex)
	assert.Equal(t, len(detail.PolicyFragment), detail.FragmentPosition.EndIndex)
	assert.True(t, strings.HasPrefix(text, detail.PolicyFragment))
	assert.LessOrEqual(t, len([]rune(detail.PolicyFragment)), 200)

	assert.Equal(t, 1, report.Statistics.TotalRiskCount)
	assert.Equal(t, 1, report.Statistics.LowRiskCount)
	assert.InDelta(t, 0.95, report.Statistics.ComplianceRate, 1e-9)
}

func TestBuildReport_AdmissionBoundary(t *testing.T) {
	tasks := newFakeTaskStore()
	below := "略低于阈值的分段。"
	at := "恰好等于阈值的分段。"
	gateway := &stubGateway{
		segments:  []string{below, at},
		scores:    map[string]float64{below: 0.24, at: 0.25},
		generated: "存在风险。建议整改。",
	}
	svc := newService(tasks, newFakeReportStore(), gateway, &stubSearcher{})

	report := buildTestReport(t, svc, tasks, "task-boundary", "测试应用", below+at)

	require.Len(t, report.RiskDetails, 1)
	assert.Equal(t, at, report.RiskDetails[0].PolicyFragment)
	// Finding numbering follows the segment index, not the admission count
	assert.True(t, strings.HasSuffix(report.RiskDetails[0].RiskID, "-2"))
}

func TestBuildReport_FragmentOffsets(t *testing.T) {
	tasks := newFakeTaskStore()
	first := "我们收集定位数据。"
	second := "我们共享使用记录。"
	text := first + second + first
	gateway := &stubGateway{
		segments:  []string{first, second, first},
		scores:    map[string]float64{first: 0.9, second: 0.9},
		generated: "存在风险。建议整改。",
	}
	svc := newService(tasks, newFakeReportStore(), gateway, &stubSearcher{})

	report := buildTestReport(t, svc, tasks, "task-offsets", "测试应用", text)
	require.Len(t, report.RiskDetails, 3)

	prevEnd := 0
	for _, detail := range report.RiskDetails {
		pos := detail.FragmentPosition
		assert.GreaterOrEqual(t, pos.StartIndex, prevEnd)
		assert.Equal(t, detail.PolicyFragment, text[pos.StartIndex:pos.EndIndex])
		prevEnd = pos.EndIndex
	}

	// The repeated fragment resolves to its second occurrence
	assert.Equal(t, len(first)+len(second), report.RiskDetails[2].FragmentPosition.StartIndex)
}

func TestBuildReport_CategoryAndCitations(t *testing.T) {
	tasks := newFakeTaskStore()
	chunk := "用户可拒绝地理位置权限申请，应用会将数据与第三方共享。"
	longContent := strings.Repeat("个人信息处理者向第三方提供个人信息的，应当取得单独同意。", 20)
	searcher := &stubSearcher{
		regulations: []models.KnowledgeItem{
			{KbID: "reg-1", KbType: models.KbTypeRegulation, Title: "个人信息保护法 第二十三条", Content: longContent},
		},
		cases: []models.KnowledgeItem{
			{KbID: "case-1", KbType: models.KbTypeCase, Title: "某应用违规共享处罚案", Content: "处罚决定内容"},
		},
	}
	gateway := &stubGateway{
		segments:  []string{chunk},
		scores:    map[string]float64{chunk: 0.9},
		level:     models.RiskLevelHigh,
		generated: "该条款将数据提供给第三方且未说明范围。建议明确共享清单并取得单独同意。",
	}
	svc := newService(tasks, newFakeReportStore(), gateway, searcher)

	report := buildTestReport(t, svc, tasks, "task-category", "测试应用", chunk)
	require.Len(t, report.RiskDetails, 1)
	detail := report.RiskDetails[0]

	assert.Equal(t, CategorySharing, detail.Category)
	assert.Equal(t, models.RiskLevelHigh, detail.Level)

	require.Len(t, detail.ViolatedRegulations, 1)
	assert.Equal(t, "reg-1", detail.ViolatedRegulations[0].KbID)
	assert.LessOrEqual(t, len([]rune(detail.ViolatedRegulations[0].Excerpt)), 280)
	assert.True(t, strings.HasPrefix(longContent, detail.ViolatedRegulations[0].Excerpt))

	require.Len(t, detail.RelatedCases, 1)
	assert.Equal(t, "参考案例", detail.RelatedCases[0].Penalty)

	assert.Equal(t, "该条款将数据提供给第三方且未说明范围。", detail.RiskDescription)
	assert.Equal(t, "建议明确共享清单并取得单独同意。", detail.RectificationSuggestion)
}

func TestBuildReport_DegradedDeterministic(t *testing.T) {
	tasks := newFakeTaskStore()
	text := strings.Repeat("本应用在用户同意后收集设备标识符并用于统计分析。", 25)
	svc := newService(tasks, newFakeReportStore(), degradedGateway(), &stubSearcher{})

	first := buildTestReport(t, svc, tasks, "task-same", "测试应用", text)
	second := buildTestReport(t, svc, tasks, "task-same", "测试应用", text)

	assert.Equal(t, first.RiskDetails, second.RiskDetails)
	assert.Equal(t, first.Statistics, second.Statistics)
	assert.NotEmpty(t, first.RiskDetails)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func TestSplitGeneration(t *testing.T) {
	tests := []struct {
		name           string
		text           string
		wantDesc       string
		wantSuggestion string
	}{
		{
			name:           "sentinel maps to canned pair",
			text:           "[MOCK RESPONSE]\n分析以下片段",
			wantDesc:       "根据启发式规则，建议关注数据收集合规性。",
			wantSuggestion: "请补充处理目的、权限申请与撤回机制。",
		},
		{
			name:           "splits on first delimiter",
			text:           "该条款缺少授权说明。建议补充同意流程。",
			wantDesc:       "该条款缺少授权说明。",
			wantSuggestion: "建议补充同意流程。",
		},
		{
			name:           "later delimiters stay in suggestion",
			text:           "描述。建议甲。建议乙。",
			wantDesc:       "描述。",
			wantSuggestion: "建议甲。建议乙。",
		},
		{
			name:           "no delimiter gets generic suggestion",
			text:           "该条款缺少授权说明。",
			wantDesc:       "该条款缺少授权说明。",
			wantSuggestion: "请根据法规要求补充整改措施。",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc, suggestion := splitGeneration(tt.text)
			assert.Equal(t, tt.wantDesc, desc)
			assert.Equal(t, tt.wantSuggestion, suggestion)
		})
	}
}

func TestInferCategory(t *testing.T) {
	tests := []struct {
		name  string
		chunk string
		want  string
	}{
		{name: "sharing keyword", chunk: "我们会与合作方共享数据", want: CategorySharing},
		{name: "third party keyword", chunk: "数据提供给第三方", want: CategorySharing},
		{name: "permission keyword", chunk: "申请相机权限", want: CategoryCollection},
		{name: "location keyword", chunk: "获取定位数据", want: CategoryCollection},
		{name: "storage keyword", chunk: "数据存储于境内服务器", want: CategoryStorage},
		{name: "deletion keyword", chunk: "您可以删除账号", want: CategoryStorage},
		{name: "rights keyword", chunk: "您享有查询权利", want: CategoryUserRights},
		{name: "sharing outranks permission", chunk: "申请权限后与第三方共享", want: CategorySharing},
		{name: "no keyword defaults to collection", chunk: "本政策自发布之日起生效", want: CategoryCollection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, inferCategory(tt.chunk))
		})
	}
}

func TestBuildStatistics(t *testing.T) {
	details := func(levels ...models.RiskLevel) models.RiskDetails {
		var d models.RiskDetails
		for i, level := range levels {
			d = append(d, models.RiskDetail{RiskID: fmt.Sprintf("r-%d", i), Level: level})
		}
		return d
	}

	tests := []struct {
		name           string
		details        models.RiskDetails
		wantHigh       int
		wantMedium     int
		wantLow        int
		wantCompliance float64
	}{
		{
			name:           "single low",
			details:        details(models.RiskLevelLow),
			wantLow:        1,
			wantCompliance: 0.95,
		},
		{
			name:           "one of each",
			details:        details(models.RiskLevelHigh, models.RiskLevelMedium, models.RiskLevelLow),
			wantHigh:       1,
			wantMedium:     1,
			wantLow:        1,
			wantCompliance: 0.58,
		},
		{
			name:           "floors at zero",
			details:        details(models.RiskLevelHigh, models.RiskLevelHigh, models.RiskLevelHigh, models.RiskLevelHigh, models.RiskLevelHigh),
			wantHigh:       5,
			wantCompliance: 0,
		},
		{
			name:           "unknown level counts as low",
			details:        details(models.RiskLevel("unknown")),
			wantLow:        1,
			wantCompliance: 0.95,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stats := buildStatistics(tt.details)
			assert.Equal(t, len(tt.details), stats.TotalRiskCount)
			assert.Equal(t, tt.wantHigh, stats.HighRiskCount)
			assert.Equal(t, tt.wantMedium, stats.MediumRiskCount)
			assert.Equal(t, tt.wantLow, stats.LowRiskCount)
			assert.InDelta(t, tt.wantCompliance, stats.ComplianceRate, 1e-9)
		})
	}
}

func TestBuildStatistics_CountIdentity(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	levels := []models.RiskLevel{models.RiskLevelHigh, models.RiskLevelMedium, models.RiskLevelLow}

	for i := 0; i < 200; i++ {
		var details models.RiskDetails
		for j := 0; j < rng.Intn(12); j++ {
			details = append(details, models.RiskDetail{Level: levels[rng.Intn(len(levels))]})
		}

		stats := buildStatistics(details)
		assert.Equal(t, len(details), stats.TotalRiskCount)
		assert.Equal(t, stats.TotalRiskCount, stats.HighRiskCount+stats.MediumRiskCount+stats.LowRiskCount)
		assert.GreaterOrEqual(t, stats.ComplianceRate, 0.0)
		assert.LessOrEqual(t, stats.ComplianceRate, 1.0)
	}
}
