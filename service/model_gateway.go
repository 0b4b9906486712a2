package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"log"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"policyscan-backend/models"

	"github.com/google/generative-ai-go/genai"
	"github.com/pkoukk/tiktoken-go"
	"google.golang.org/api/option"
)

// Gateway is the model-capability contract the analysis pipeline consumes.
// Every capability has a primary model-backed path and a deterministic
// fallback; the returned bool reports whether the fallback path produced
// the value (degraded mode). Capabilities never return errors.
type Gateway interface {
	SegmentText(text string) ([]string, bool)
	ScoreChunk(text string) (float64, bool)
	EmbedText(ctx context.Context, text string) ([]float64, bool)
	PredictRiskLevel(features []float64) (models.RiskLevel, bool)
	GenerateText(ctx context.Context, prompt string) (string, bool)
}

// Compile-time interface implementation check.
var _ Gateway = (*ModelGateway)(nil)

const (
	// systemPersona is the fixed system instruction for generation
	systemPersona = "你是资深隐私合规专家。"

	// mockResponsePrefix tags fallback generation output. The pipeline
	// detects it and substitutes a canned description/suggestion pair.
	mockResponsePrefix = "[MOCK RESPONSE]"

	generationTemperature = 0.2

	maxModelRetries = 3
	initialBackoff  = time.Second

	// Primary-path severity cut-points
	primaryHighCut   = 0.66
	primaryMediumCut = 0.33

	// Fallback severity cut-points. These deliberately differ from the
	// primary cut-points; do not unify them.
	fallbackHighCut   = 0.7
	fallbackMediumCut = 0.4
)

// GatewayConfig configures the backends of a ModelGateway. Zero values
// disable the corresponding primary path, which makes a zero-value config
// a fully-degraded gateway useful in tests.
type GatewayConfig struct {
	GeminiAPIKey      string
	GenerationModel   string
	EmbeddingModel    string
	TokenizerEncoding string
	MaxChunkTokens    int
	ScorerURL         string
	RiskModelPath     string
}

// GatewayConfigFromEnv builds a gateway config from environment variables
func GatewayConfigFromEnv() GatewayConfig {
	maxTokens := 360
	if v := os.Getenv("MAX_CHUNK_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			maxTokens = n
		}
	}

	encoding := os.Getenv("TOKENIZER_ENCODING")
	if encoding == "" {
		encoding = "cl100k_base"
	}

	generationModel := os.Getenv("GENERATION_MODEL")
	if generationModel == "" {
		generationModel = "gemini-2.0-flash"
	}

	embeddingModel := os.Getenv("EMBEDDING_MODEL")
	if embeddingModel == "" {
		embeddingModel = "gemini-embedding-001"
	}

	riskModelPath := os.Getenv("RISK_MODEL_PATH")
	if riskModelPath == "" {
		riskModelPath = "./artifacts/risk_classifier.json"
	}

	return GatewayConfig{
		GeminiAPIKey:      os.Getenv("GEMINI_API_KEY"),
		GenerationModel:   generationModel,
		EmbeddingModel:    embeddingModel,
		TokenizerEncoding: encoding,
		MaxChunkTokens:    maxTokens,
		ScorerURL:         os.Getenv("SCORER_URL"),
		RiskModelPath:     riskModelPath,
	}
}

// ModelGateway is the uniform front to all model backends. Each backend is
// initialized lazily on first use; an initialization failure is logged once
// and selects the fallback path for the rest of the gateway's lifetime.
// Safe for concurrent use.
type ModelGateway struct {
	cfg        GatewayConfig
	httpClient *http.Client

	tokenizerOnce sync.Once
	tokenizer     *tiktoken.Tiktoken

	genaiOnce   sync.Once
	genaiClient *genai.Client

	riskOnce  sync.Once
	riskModel *boostedTrees
}

// NewModelGateway creates a gateway with the given config. Production code
// should normally use DefaultGateway; tests construct their own instances.
func NewModelGateway(cfg GatewayConfig) *ModelGateway {
	return &ModelGateway{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

var (
	defaultGateway     *ModelGateway
	defaultGatewayOnce sync.Once
)

// DefaultGateway returns the process-wide gateway. Backend handles are
// expensive to initialize, so exactly one instance serves all pipeline
// invocations.
func DefaultGateway() *ModelGateway {
	defaultGatewayOnce.Do(func() {
		defaultGateway = NewModelGateway(GatewayConfigFromEnv())
	})
	return defaultGateway
}

// ---- Segmentation ----

// loadTokenizer lazily initializes the tokenizer backend
func (g *ModelGateway) loadTokenizer() *tiktoken.Tiktoken {
	g.tokenizerOnce.Do(func() {
		if g.cfg.TokenizerEncoding == "" {
			return
		}
		tok, err := tiktoken.GetEncoding(g.cfg.TokenizerEncoding)
		if err != nil {
			log.Printf("Warning: tokenizer %q unavailable, using paragraph segmentation: %v", g.cfg.TokenizerEncoding, err)
			return
		}
		g.tokenizer = tok
	})
	return g.tokenizer
}

// SegmentText splits policy text into analysis chunks. Primary path:
// token-count-bounded windows over the tokenizer encoding. Fallback:
// blank-line paragraph boundaries. Empty or whitespace-only input yields
// an empty slice; synthesizing a chunk for unsplittable input is the
// pipeline's job, not the gateway's.
func (g *ModelGateway) SegmentText(text string) ([]string, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, false
	}

	if tok := g.loadTokenizer(); tok != nil {
		maxTokens := g.cfg.MaxChunkTokens
		if maxTokens <= 0 {
			maxTokens = 360
		}
		ids := tok.Encode(text, nil, nil)
		var segments []string
		for i := 0; i < len(ids); i += maxTokens {
			end := i + maxTokens
			if end > len(ids) {
				end = len(ids)
			}
			segment := strings.TrimSpace(tok.Decode(ids[i:end]))
			if segment != "" {
				segments = append(segments, segment)
			}
		}
		return segments, false
	}

	var segments []string
	for _, part := range strings.Split(text, "\n\n") {
		part = strings.TrimSpace(part)
		if part != "" {
			segments = append(segments, part)
		}
	}
	return segments, true
}

// ---- Risk-confidence scoring ----

// ScoreChunk returns a risk confidence in [0,1] for one chunk. Primary
// path: the positive-class probability of a remote sequence classifier.
// Fallback: a length heuristic clamped to [0.05, 0.95].
func (g *ModelGateway) ScoreChunk(text string) (float64, bool) {
	if g.cfg.ScorerURL != "" {
		if score, err := g.callScorer(text); err == nil {
			return score, false
		} else {
			log.Printf("Warning: scorer unavailable, using length heuristic: %v", err)
		}
	}

	score := float64(utf8.RuneCountInString(text)) / 2000
	return clamp(score, 0.05, 0.95), true
}

// callScorer posts a chunk to the model-serving endpoint
func (g *ModelGateway) callScorer(text string) (float64, error) {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return 0, err
	}

	resp, err := g.httpClient.Post(g.cfg.ScorerURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &httpStatusError{status: resp.StatusCode}
	}

	var result struct {
		Score float64 `json:"score"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, err
	}

	return clamp(result.Score, 0, 1), nil
}

type httpStatusError struct {
	status int
}

func (e *httpStatusError) Error() string {
	return "scorer returned status " + strconv.Itoa(e.status)
}

// ---- Embeddings ----

// loadGenaiClient lazily initializes the Gemini client shared by the
// embedding and generation capabilities
func (g *ModelGateway) loadGenaiClient() *genai.Client {
	g.genaiOnce.Do(func() {
		if g.cfg.GeminiAPIKey == "" {
			return
		}
		client, err := genai.NewClient(context.Background(), option.WithAPIKey(g.cfg.GeminiAPIKey))
		if err != nil {
			log.Printf("Warning: Gemini client unavailable, embeddings and generation run degraded: %v", err)
			return
		}
		g.genaiClient = client
	})
	return g.genaiClient
}

// EmbedText returns an embedding for one chunk. Primary path: a remote
// embedding call. Fallback: a hash-derived pseudo-vector, stable for
// identical input but not semantically meaningful.
func (g *ModelGateway) EmbedText(ctx context.Context, text string) ([]float64, bool) {
	if client := g.loadGenaiClient(); client != nil {
		em := client.EmbeddingModel(g.cfg.EmbeddingModel)
		res, err := em.EmbedContent(ctx, genai.Text(text))
		if err == nil && res.Embedding != nil && len(res.Embedding.Values) > 0 {
			vector := make([]float64, len(res.Embedding.Values))
			for i, v := range res.Embedding.Values {
				vector[i] = float64(v)
			}
			return vector, false
		}
		if err != nil {
			log.Printf("Warning: embedding call failed, using hash vector: %v", err)
		}
	}

	return hashVector(text), true
}

// hashVector derives a deterministic pseudo-embedding from a SHA-256
// digest: eight floats in [0,1), four digest bytes each, little-endian.
func hashVector(text string) []float64 {
	digest := sha256.Sum256([]byte(text))
	vector := make([]float64, 0, len(digest)/4)
	for i := 0; i+4 <= len(digest); i += 4 {
		u := binary.LittleEndian.Uint32(digest[i : i+4])
		vector = append(vector, float64(u)/float64(1<<32))
	}
	return vector
}

// ---- Severity classification ----

// loadRiskModel lazily loads the boosted-tree severity model artifact
func (g *ModelGateway) loadRiskModel() *boostedTrees {
	g.riskOnce.Do(func() {
		if g.cfg.RiskModelPath == "" {
			return
		}
		model, err := loadBoostedTrees(g.cfg.RiskModelPath)
		if err != nil {
			log.Printf("Warning: risk model %q unavailable, using heuristic severity: %v", g.cfg.RiskModelPath, err)
			return
		}
		g.riskModel = model
	})
	return g.riskModel
}

// PredictRiskLevel classifies a severity feature vector. Primary path:
// the boosted-tree probability against the 0.66/0.33 cut-points.
// Fallback: the feature mean against the 0.7/0.4 cut-points.
func (g *ModelGateway) PredictRiskLevel(features []float64) (models.RiskLevel, bool) {
	if model := g.loadRiskModel(); model != nil {
		prob := model.predict(features)
		switch {
		case prob > primaryHighCut:
			return models.RiskLevelHigh, false
		case prob > primaryMediumCut:
			return models.RiskLevelMedium, false
		default:
			return models.RiskLevelLow, false
		}
	}

	var sum float64
	for _, f := range features {
		sum += f
	}
	n := len(features)
	if n == 0 {
		n = 1
	}
	mean := sum / float64(n)
	switch {
	case mean > fallbackHighCut:
		return models.RiskLevelHigh, true
	case mean > fallbackMediumCut:
		return models.RiskLevelMedium, true
	default:
		return models.RiskLevelLow, true
	}
}

// ---- Generation ----

// GenerateText produces free text for a prompt. Primary path: a remote
// chat completion with a fixed persona at low temperature, retried with
// exponential backoff. Fallback: a sentinel-tagged echo of the prompt
// prefix that the pipeline recognizes.
func (g *ModelGateway) GenerateText(ctx context.Context, prompt string) (string, bool) {
	client := g.loadGenaiClient()
	if client == nil {
		return mockResponse(prompt), true
	}

	model := client.GenerativeModel(g.cfg.GenerationModel)
	model.SetTemperature(generationTemperature)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(systemPersona)},
	}

	backoff := initialBackoff
	for attempt := 0; attempt < maxModelRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return mockResponse(prompt), true
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		resp, err := model.GenerateContent(ctx, genai.Text(prompt))
		if err != nil {
			log.Printf("Warning: generation attempt %d failed: %v", attempt+1, err)
			continue
		}

		var builder strings.Builder
		for _, candidate := range resp.Candidates {
			if candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if text, ok := part.(genai.Text); ok {
					builder.WriteString(string(text))
				}
			}
		}
		if builder.Len() > 0 {
			return builder.String(), false
		}
	}

	return mockResponse(prompt), true
}

// mockResponse builds the tagged fallback generation output
func mockResponse(prompt string) string {
	return mockResponsePrefix + "\n" + runePrefix(prompt, 400)
}

// ---- Helpers ----

// runePrefix returns at most n runes of s, cutting on a rune boundary
func runePrefix(s string, n int) string {
	count := 0
	for idx := range s {
		if count == n {
			return s[:idx]
		}
		count++
	}
	return s
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
