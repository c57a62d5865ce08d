package stream

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/liliang-cn/carewise/internal/domain"
)

// Status tokens sent by the research pipeline
const (
	statusAnalyzing        = "analyzing"
	statusPlanComplete     = "plan_complete"
	statusSelectingSources = "selecting_sources"
	statusSearching        = "searching"
	statusGenerating       = "generating"
	statusComplete         = "complete"
	statusError            = "error"
)

// ErrPipelineFailed is reported when the backend itself sends an error event
var ErrPipelineFailed = errors.New("pipeline failed")

// progressStages maps non-terminal status tokens to client stages
var progressStages = map[string]domain.QueryStage{
	statusAnalyzing:        domain.StageAnalyzing,
	statusPlanComplete:     domain.StageSelectingSources,
	statusSelectingSources: domain.StageSelectingSources,
	statusSearching:        domain.StageSearching,
	statusGenerating:       domain.StageGenerating,
}

// wireEvent is one JSON object pushed by the progress stream
type wireEvent struct {
	Status  string           `json:"status"`
	Message string           `json:"message,omitempty"`
	Data    *completePayload `json:"data,omitempty"`
}

type completePayload struct {
	Query      string                `json:"query,omitempty"`
	Plan       *domain.ExecutionPlan `json:"plan"`
	Answer     *answerPayload        `json:"answer"`
	TopSources []domain.EvidenceItem `json:"top_sources"`
}

type answerPayload struct {
	Answer *string `json:"answer"`
}

func parseEvent(data string) (wireEvent, error) {
	var ev wireEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return ev, fmt.Errorf("%w: malformed event: %v", domain.ErrProtocolViolation, err)
	}
	if ev.Status == "" {
		return ev, fmt.Errorf("%w: event without status", domain.ErrProtocolViolation)
	}
	return ev, nil
}

// success validates a complete event and turns it into an outcome
func (ev wireEvent) success() (Outcome, error) {
	p := ev.Data
	if p == nil {
		return Outcome{}, fmt.Errorf("%w: complete event without data", domain.ErrProtocolViolation)
	}
	if p.Answer == nil || p.Answer.Answer == nil {
		return Outcome{}, fmt.Errorf("%w: complete event without answer", domain.ErrProtocolViolation)
	}
	if p.Plan == nil {
		return Outcome{}, fmt.Errorf("%w: complete event without plan", domain.ErrProtocolViolation)
	}
	if err := p.Plan.Validate(); err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", domain.ErrProtocolViolation, err)
	}
	for i, item := range p.TopSources {
		if item.Source == "" {
			return Outcome{}, fmt.Errorf("%w: evidence %d without source", domain.ErrProtocolViolation, i)
		}
	}
	return Outcome{
		Kind:     OutcomeSuccess,
		Answer:   *p.Answer.Answer,
		Plan:     p.Plan,
		Evidence: p.TopSources,
	}, nil
}
