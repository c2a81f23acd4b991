// Package pipeline answers one question per call: classify, resolve against
// the conversation, generate SQL, execute it, and phrase the rows as an
// answer. Every failure inside a stage becomes a degraded answer; Process
// never returns an error or panics.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/kalambet/bizq/internal/conversation"
	"github.com/kalambet/bizq/internal/executor"
	"github.com/kalambet/bizq/internal/intent"
	"github.com/kalambet/bizq/internal/sqlgen"
	"github.com/kalambet/bizq/internal/storage"
)

// DefaultBudget bounds one Process call end to end.
const DefaultBudget = 60 * time.Second

// Stage names reported on degraded answers.
const (
	StageClassify = "classify"
	StageGenerate = "generate"
	StageExecute  = "execute"
	StageRespond  = "respond"
)

const (
	clarifyText  = "I'm not sure what you're asking. Could you say whether it's about orders, the menu, or customers?"
	generateText = "Sorry, I couldn't work out how to look that up. Could you rephrase the question?"
	timeoutText  = "Sorry, that lookup took too long. Please try again or narrow the question."
	executeText  = "Sorry, something went wrong while looking that up. Please try again."
	internalText = "Sorry, something went wrong while answering. Please try again."
)

// Overrides adjust a single Process call.
type Overrides struct {
	Category      string        `json:"category,omitempty"`
	NoCache       bool          `json:"no_cache,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"`
	BusinessRules string        `json:"business_rules,omitempty"`
}

// Answer is the result of one turn. Degraded answers carry apology text,
// empty rows, and the failed Stage.
type Answer struct {
	SessionID      string           `json:"session_id"`
	Text           string           `json:"text"`
	Category       string           `json:"category"`
	Query          string           `json:"query,omitempty"`
	Rows           []map[string]any `json:"rows"`
	Classification intent.Result    `json:"classification"`
	Execution      *executor.Result `json:"execution,omitempty"`
	Degraded       bool             `json:"degraded"`
	Hedged         bool             `json:"hedged"`
	Stage          string           `json:"stage,omitempty"`
	Err            string           `json:"error,omitempty"`
	Duration       time.Duration    `json:"duration"`
}

// Classifier labels a question.
type Classifier interface {
	Classify(ctx context.Context, input, timeHint string, useCache bool) intent.Result
}

// Generator produces SQL for a classified question.
type Generator interface {
	Generate(ctx context.Context, req sqlgen.Request) sqlgen.Query
}

// Executor runs SQL.
type Executor interface {
	Execute(ctx context.Context, query string, timeout time.Duration, args ...any) executor.Result
}

// TurnRecorder persists finished turns.
type TurnRecorder interface {
	RecordTurn(t storage.Turn) error
}

// Publisher announces finished turns.
type Publisher interface {
	PublishTurn(ctx context.Context, t storage.Turn) error
}

// Options wires the optional collaborators. Nil fields are skipped.
type Options struct {
	Budget      time.Duration
	ExecTimeout time.Duration
	Threshold   float64 // confidence threshold for category overrides
	Responder   Responder
	Validator   Validator
	Recorder    TurnRecorder
	Publisher   Publisher
	Sessions    *conversation.Manager
	Logger      *slog.Logger
}

// Pipeline sequences the components for each question.
type Pipeline struct {
	classifier Classifier
	generator  Generator
	executor   Executor

	budget      time.Duration
	execTimeout time.Duration
	threshold   float64
	responder   Responder
	validator   Validator
	recorder    TurnRecorder
	publisher   Publisher
	sessions    *conversation.Manager
	logger      *slog.Logger
}

// New creates a Pipeline.
func New(c Classifier, g Generator, e Executor, opts Options) *Pipeline {
	if opts.Budget <= 0 {
		opts.Budget = DefaultBudget
	}
	if opts.Threshold <= 0 {
		opts.Threshold = intent.DefaultThreshold
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pipeline{
		classifier:  c,
		generator:   g,
		executor:    e,
		budget:      opts.Budget,
		execTimeout: opts.ExecTimeout,
		threshold:   opts.Threshold,
		responder:   opts.Responder,
		validator:   opts.Validator,
		recorder:    opts.Recorder,
		publisher:   opts.Publisher,
		sessions:    opts.Sessions,
		logger:      opts.Logger,
	}
}

// Process answers input within the conversation conv. One deadline covers
// all stages. The conversation is updated only when the turn succeeds.
func (p *Pipeline) Process(ctx context.Context, conv *conversation.Context, input string, ov Overrides) (ans Answer) {
	start := time.Now()
	budget := p.budget
	if ov.Timeout > 0 {
		budget = ov.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	ans = Answer{SessionID: conv.ID(), Rows: []map[string]any{}}
	stage := StageClassify

	defer func() {
		if v := recover(); v != nil {
			p.logger.Error("pipeline stage panicked",
				"stage", stage,
				"panic", v,
				"stack", string(debug.Stack()),
			)
			ans = p.degrade(ans, stage, fmt.Errorf("panic: %v", v), internalText)
		}
		ans.Duration = time.Since(start)
		p.finish(ctx, input, ans)
	}()

	snap := conv.Snapshot()

	r := p.classify(ctx, input, snap, ov)
	ans.Classification = r
	ans.Category = r.Category
	if r.Category == intent.CategoryAmbiguous {
		ans.Text = clarifyText
		return ans
	}

	stage = StageGenerate
	q := p.generator.Generate(ctx, sqlgen.Request{
		Input:         input,
		Intent:        r,
		BusinessRules: ov.BusinessRules,
		Context:       snap,
	})
	ans.Query = q.Text
	if !q.Success {
		return p.degrade(ans, stage, q.Err, generateText)
	}

	stage = StageExecute
	res := p.executor.Execute(ctx, q.Text, p.execTimeout)
	ans.Execution = &res
	if !res.Success {
		text := executeText
		if res.ErrorKind == executor.KindTimeout {
			text = timeoutText
		}
		return p.degrade(ans, stage, res.Err, text)
	}
	ans.Rows = res.Rows

	stage = StageRespond
	draft := Draft{Input: input, Category: r.Category, Query: q.Text, Rows: res.Rows, AffectedRows: res.AffectedRows}
	ans.Text, ans.Hedged = p.respond(ctx, draft)

	snapAfter := conv.Apply(conversation.Update{
		Category:    r.Category,
		Query:       q.Text,
		TimeWindow:  sqlgen.ExtractTimeWindow(q.Text),
		Filters:     sqlgen.ExtractFilters(q.Text, input),
		Constraints: sqlgen.ExtractEntities(q.Text, res.Rows),
	})
	if p.sessions != nil {
		p.sessions.Save(conv)
	}
	p.logger.Debug("turn complete",
		"session_id", conv.ID(),
		"category", r.Category,
		"follow_up", r.IsFollowUp,
		"rows", res.RowCount,
		"turns", snapAfter.Turns,
	)
	return ans
}

// classify runs the classifier (or honors a category override) and the
// follow-up resolver. The result always has a category.
func (p *Pipeline) classify(ctx context.Context, input string, snap conversation.Snapshot, ov Overrides) intent.Result {
	var r intent.Result
	if intent.IsCategory(ov.Category) {
		r = intent.Result{
			Input:      input,
			Category:   ov.Category,
			Confidence: 1,
			Parameters: intent.ExtractParameters(input),
			Method:     intent.MethodModel,
		}
		r = intent.ValidateParameters(r, p.threshold)
	} else {
		r = p.classifier.Classify(ctx, input, snap.TimeWindow, !ov.NoCache)
	}
	r = intent.Resolve(r, snap)
	if r.Category == "" {
		r.Category = intent.GuessCategory(input)
	}
	return r
}

// respond phrases the rows. The deterministic summary is the draft; the
// configured responder may replace it and the validator may hedge it.
func (p *Pipeline) respond(ctx context.Context, d Draft) (string, bool) {
	text := Summarize(d)
	if p.responder != nil {
		out, err := p.responder.Respond(ctx, d)
		switch {
		case err != nil:
			p.logger.Warn("responder failed, keeping draft answer", "error", err)
		case out != "":
			text = out
		}
	}
	if p.validator == nil {
		return text, false
	}
	ok, err := p.validator.Validate(ctx, d, text)
	if err != nil {
		p.logger.Warn("validator failed, keeping answer", "error", err)
		return text, false
	}
	if !ok {
		p.logger.Info("answer not supported by rows, hedging", "category", d.Category)
		return Hedge(d), true
	}
	return text, false
}

func (p *Pipeline) degrade(ans Answer, stage string, err error, text string) Answer {
	if err == nil {
		err = fmt.Errorf("%s failed", stage)
	}
	ans.Degraded = true
	ans.Stage = stage
	ans.Err = err.Error()
	ans.Text = text
	ans.Rows = []map[string]any{}

	attrs := []any{
		"stage", stage,
		"error", err,
		"category", ans.Classification.Category,
		"confidence", ans.Classification.Confidence,
		"method", ans.Classification.Method,
		"query", ans.Query,
	}
	if ans.Execution != nil {
		attrs = append(attrs,
			"exec_kind", ans.Execution.ErrorKind,
			"exec_attempts", ans.Execution.Attempts,
			"exec_time", ans.Execution.ExecutionTime,
		)
	}
	p.logger.Error("turn degraded", attrs...)
	return ans
}

// finish hands the turn to the recorder and publisher. Their failures are logged.
func (p *Pipeline) finish(ctx context.Context, input string, ans Answer) {
	if p.recorder == nil && p.publisher == nil {
		return
	}
	t := turnOf(input, ans)
	if p.recorder != nil {
		if err := p.recorder.RecordTurn(t); err != nil {
			p.logger.Warn("recording turn failed", "session_id", ans.SessionID, "error", err)
		}
	}
	if p.publisher != nil {
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := p.publisher.PublishTurn(pubCtx, t); err != nil {
			p.logger.Warn("publishing turn failed", "session_id", ans.SessionID, "error", err)
		}
	}
}

func turnOf(input string, ans Answer) storage.Turn {
	t := storage.Turn{
		SessionID:  ans.SessionID,
		CreatedAt:  time.Now().UTC(),
		Question:   input,
		Category:   ans.Category,
		Confidence: ans.Classification.Confidence,
		Method:     string(ans.Classification.Method),
		FollowUp:   ans.Classification.IsFollowUp,
		Query:      ans.Query,
		Success:    !ans.Degraded && ans.Category != intent.CategoryAmbiguous,
		Degraded:   ans.Degraded,
		Stage:      ans.Stage,
		RowCount:   len(ans.Rows),
		Answer:     ans.Text,
		Error:      ans.Err,
		Duration:   ans.Duration,
	}
	if ans.Execution != nil {
		t.Attempts = ans.Execution.Attempts
		t.RowCount = ans.Execution.RowCount
	}
	return t
}
