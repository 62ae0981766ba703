package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/hexleaf/wechat-ai-platform/internal/conversation"
	"github.com/hexleaf/wechat-ai-platform/internal/observability/metrics"
)

const (
	defaultConfidenceThreshold = 0.6
	classifierContextTurns     = 5

	apologyText = "抱歉，系统暂时遇到问题，请稍后再试。"
)

// Classification is the structured result of intent analysis.
type Classification struct {
	Intent     string
	Confidence float64
	Entities   map[string]string
}

// Classifier labels a message with an intent. A returned error is
// absorbed by the dispatcher as {other, 0.0}; classification is
// best-effort per run.
type Classifier interface {
	Classify(ctx context.Context, text string, turns []conversation.Turn) (Classification, error)
}

// ContextProvider serves the recent dialogue window used as classifier
// context.
type ContextProvider interface {
	Recent(ctx context.Context, actorID string) ([]conversation.Turn, error)
}

// Dispatcher drives one event through classification, routing, and
// handler execution.
type Dispatcher struct {
	registry   *Registry
	classifier Classifier
	contexts   ContextProvider
	threshold  float64
	metrics    *metrics.DispatchMetrics
	logger     *slog.Logger
	tracer     trace.Tracer
}

func NewDispatcher(registry *Registry, classifier Classifier, contexts ContextProvider, threshold float64, m *metrics.DispatchMetrics, logger *slog.Logger) *Dispatcher {
	if registry == nil {
		panic("dispatch: registry cannot be nil")
	}
	if classifier == nil {
		panic("dispatch: classifier cannot be nil")
	}
	if threshold <= 0 || threshold > 1 {
		threshold = defaultConfidenceThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry:   registry,
		classifier: classifier,
		contexts:   contexts,
		threshold:  threshold,
		metrics:    m,
		logger:     logger,
		tracer:     otel.Tracer("wechat.internal.dispatch"),
	}
}

// Dispatch runs one event to completion. It never panics and never
// returns an error: every failure is folded into the outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) Outcome {
	ctx, span := d.tracer.Start(ctx, "dispatch.run")
	defer span.End()
	started := time.Now()

	state := newState(event)

	d.classify(ctx, state)
	state.run = StateClassified

	kind, lowConfidence := d.route(state)
	state.run = StateRouted
	d.metrics.ObserveIntent(state.Intent, lowConfidence)

	handler, err := d.registry.resolve(kind)
	if err != nil {
		return d.fail(state, kind, started, err)
	}

	if err := d.execute(ctx, handler, state); err != nil {
		return d.fail(state, kind, started, err)
	}
	state.run = StateExecuted

	state.HandlerChain = append(state.HandlerChain, kind.String())
	state.run = StateCompleted

	d.metrics.ObserveRun(kind.String(), "completed")
	d.metrics.ObserveLatency(kind.String(), time.Since(started).Seconds())
	d.logger.Info("dispatch completed",
		"actor_id", event.ActorID,
		"intent", state.Intent,
		"confidence", state.Confidence,
		"handler", kind.String(),
	)
	return state.outcome(true, "")
}

// classify fills intent, confidence, and entities. Lifecycle events are
// labeled directly; everything else goes through the classifier with
// the recent dialogue window.
func (d *Dispatcher) classify(ctx context.Context, state *State) {
	if state.Event.Kind == KindLifecycle {
		state.Intent = state.Event.Subkind
		state.Confidence = 1.0
		return
	}

	var turns []conversation.Turn
	if d.contexts != nil {
		recent, err := d.contexts.Recent(ctx, state.Event.ActorID)
		if err != nil {
			d.logger.Warn("context load failed, classifying without history",
				"actor_id", state.Event.ActorID, "error", err)
		} else if len(recent) > classifierContextTurns {
			turns = recent[len(recent)-classifierContextTurns:]
		} else {
			turns = recent
		}
	}

	text := state.Event.Text
	if text == "" && state.Event.Kind == KindMenuAction {
		text = state.Event.Subkind
	}

	result, err := d.classifier.Classify(ctx, text, turns)
	if err != nil {
		d.logger.Warn("intent classification failed",
			"actor_id", state.Event.ActorID, "error", err)
		state.Intent = "other"
		state.Confidence = 0.0
		return
	}
	state.Intent = result.Intent
	state.Confidence = result.Confidence
	if result.Entities != nil {
		state.Entities = result.Entities
	}
}

// route picks the single handler for this run. Lifecycle subscribe and
// unsubscribe bypass the intent lookup entirely; the confidence
// override is checked before the lookup for everything else.
func (d *Dispatcher) route(state *State) (HandlerKind, bool) {
	if state.Event.Kind == KindLifecycle {
		switch state.Event.Subkind {
		case SubkindUnsubscribe:
			state.SuppressReply()
			return HandlerAnalytics, false
		default:
			return HandlerChat, false
		}
	}

	if state.Confidence < d.threshold {
		return HandlerChat, true
	}
	return kindForIntent(state.Intent), false
}

// execute invokes the handler, converting panics into errors so a
// broken handler can never take down the run.
func (d *Dispatcher) execute(ctx context.Context, handler Handler, state *State) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch: handler panicked: %v", r)
		}
	}()
	return handler.Handle(ctx, state)
}

func (d *Dispatcher) fail(state *State, kind HandlerKind, started time.Time, err error) Outcome {
	state.run = StateFailed
	state.SetResponse(apologyText)

	d.metrics.ObserveRun(kind.String(), "failed")
	d.metrics.ObserveLatency(kind.String(), time.Since(started).Seconds())
	d.logger.Error("dispatch failed",
		"actor_id", state.Event.ActorID,
		"intent", state.Intent,
		"handler", kind.String(),
		"error", err,
	)
	return state.outcome(false, err.Error())
}
