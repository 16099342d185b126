package runtime

import (
	"fmt"
	"time"

	"github.com/hirewise/aicore/internal/providers"
	"github.com/hirewise/aicore/internal/runtime/ratelimit"
)

// OperationType names one AI capability the orchestrator exposes.
type OperationType string

const (
	OpResumeAnalysis  OperationType = "resume_analysis"
	OpSkillExtraction OperationType = "skill_extraction"
	OpEmbedding       OperationType = "embedding"
	OpJobMatching     OperationType = "job_matching"
	OpVideoAnalysis   OperationType = "video_analysis"
	OpBiasDetection   OperationType = "bias_detection"
)

// ParseOperationType validates a caller-supplied operation name.
func ParseOperationType(s string) (OperationType, error) {
	switch OperationType(s) {
	case OpResumeAnalysis, OpSkillExtraction, OpEmbedding, OpJobMatching, OpVideoAnalysis, OpBiasDetection:
		return OperationType(s), nil
	default:
		return "", fmt.Errorf("runtime: unknown operation type %q", s)
	}
}

// binding ties an operation to its downstream service quota, its default
// priority, and the TTL of its cached results. One operation maps to exactly
// one cache key space and one service window.
type binding struct {
	service  string
	priority ratelimit.Priority
	ttl      time.Duration
}

var bindings = map[OperationType]binding{
	OpResumeAnalysis:  {service: "document", priority: ratelimit.PriorityMedium, ttl: time.Hour},
	OpSkillExtraction: {service: "llm", priority: ratelimit.PriorityMedium, ttl: time.Hour},
	OpEmbedding:       {service: "embedding", priority: ratelimit.PriorityHigh, ttl: 24 * time.Hour},
	OpJobMatching:     {service: "llm", priority: ratelimit.PriorityMedium, ttl: 30 * time.Minute},
	OpVideoAnalysis:   {service: "video", priority: ratelimit.PriorityLow, ttl: 24 * time.Hour},
	OpBiasDetection:   {service: "llm", priority: ratelimit.PriorityLow, ttl: time.Hour},
}

// Payload carries the inputs of one operation. Cache keys hash the whole
// payload, so two callers with identical payloads share one cached result.
type Payload struct {
	CandidateID    string              `json:"candidateId,omitempty"`
	Text           string              `json:"text,omitempty"`
	Document       *providers.Document `json:"document,omitempty"`
	JobDescription string              `json:"jobDescription,omitempty"`
}

// Result is the payload-agnostic outcome of one operation. Text is set for
// completion-backed operations, Vector for embeddings.
type Result struct {
	Type   OperationType `json:"type"`
	Text   string        `json:"text,omitempty"`
	Vector []float32     `json:"vector,omitempty"`
}

const (
	resumeAnalysisPrompt  = "Analyze the following resume. Summarize the candidate's experience, seniority, and notable achievements.\n\n%s"
	skillExtractionPrompt = "Extract the professional skills from the following profile as a comma-separated list.\n\n%s"
	jobMatchingPrompt     = "Rate how well the candidate profile matches the job description. Respond with a score from 0 to 100 and a short rationale.\n\nProfile:\n%s\n\nJob description:\n%s"
	videoAnalysisPrompt   = "Analyze the following interview transcript. Summarize communication style and key statements.\n\n%s"
	biasDetectionPrompt   = "Review the following assessment text for biased or non-inclusive language. List any findings.\n\n%s"
)
