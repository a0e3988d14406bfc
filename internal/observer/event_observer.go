package observer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "github.com/anime-shed/ocr-enhance-tuner/internal/errors"
)

// RunEvent is something that happened during a batch stage
type RunEvent struct {
	EventType  EventType              `json:"event_type"`
	Timestamp  time.Time              `json:"timestamp"`
	Stage      string                 `json:"stage,omitempty"`
	DocumentID string                 `json:"document_id,omitempty"`
	GenomeID   string                 `json:"genome_id,omitempty"`
	Level      string                 `json:"level,omitempty"`
	Duration   time.Duration          `json:"duration,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// EventType represents the type of run event
type EventType string

const (
	// StageStarted when a batch stage begins
	StageStarted EventType = "stage_started"
	// StageCompleted when a batch stage finishes
	StageCompleted EventType = "stage_completed"
	// GenerationCompleted after each optimizer generation barrier
	GenerationCompleted EventType = "generation_completed"
	// ItemSkipped when a document or image could not be used
	ItemSkipped EventType = "item_skipped"
	// OCRPenalized when an OCR failure was recorded as the maximal penalty
	OCRPenalized EventType = "ocr_penalized"
	// OptimizerNotConverged when patience ran out or the run was cancelled
	OptimizerNotConverged EventType = "optimizer_non_convergence"
	// ClusteringDegenerate when clustering fell back to k=1
	ClusteringDegenerate EventType = "degenerate_clustering"
	// CatalogMiss when no decision rule matched
	CatalogMiss EventType = "catalog_miss"
	// CatalogHarmGuard when no candidate passed the pristine harm guard
	CatalogHarmGuard EventType = "catalog_harm_guard"
)

// IsWarning reports whether events of this type count toward exit code 2
func (t EventType) IsWarning() bool {
	switch t {
	case ItemSkipped, OCRPenalized, OptimizerNotConverged,
		ClusteringDegenerate, CatalogMiss, CatalogHarmGuard:
		return true
	}
	return false
}

// NewWarning builds a warning event from a soft AppError
func NewWarning(eventType EventType, err error) RunEvent {
	ev := RunEvent{EventType: eventType, Timestamp: time.Now()}
	if err != nil {
		ev.Message = err.Error()
	}
	return ev
}

// Observer defines the interface for event observers
type Observer interface {
	OnEvent(ctx context.Context, event RunEvent)
	GetObserverName() string
}

// Subject defines the interface for event publishers
type Subject interface {
	Subscribe(observer Observer)
	Unsubscribe(observer Observer)
	NotifyObservers(ctx context.Context, event RunEvent)
}

// LoggingObserver logs run events
type LoggingObserver struct {
	logger *logrus.Logger
}

// NewLoggingObserver creates a new logging observer
func NewLoggingObserver(logger *logrus.Logger) Observer {
	return &LoggingObserver{
		logger: logger,
	}
}

// OnEvent logs warnings at warn level and progress at info/debug
func (o *LoggingObserver) OnEvent(ctx context.Context, event RunEvent) {
	fields := logrus.Fields{
		"event_type": event.EventType,
	}
	for k, v := range map[string]string{
		"stage":       event.Stage,
		"document_id": event.DocumentID,
		"genome_id":   event.GenomeID,
		"level":       event.Level,
	} {
		if v != "" {
			fields[k] = v
		}
	}
	if event.Duration > 0 {
		fields["duration"] = event.Duration.String()
	}
	for k, v := range event.Metadata {
		fields[k] = v
	}
	entry := o.logger.WithFields(fields)

	switch {
	case event.EventType.IsWarning():
		entry.Warn(event.Message)
	case event.EventType == StageStarted:
		entry.Info("Stage started")
	case event.EventType == StageCompleted:
		entry.Info("Stage completed")
	case event.EventType == GenerationCompleted:
		entry.Debug("Generation completed")
	default:
		entry.Info("Run event occurred")
	}
}

// GetObserverName returns the observer name
func (o *LoggingObserver) GetObserverName() string {
	return "logging_observer"
}

// WarningCollector counts warning events by type for the run summary
// and the exit code
type WarningCollector struct {
	mu     sync.RWMutex
	counts map[EventType]int
	first  map[EventType]string
}

// NewWarningCollector creates an empty collector
func NewWarningCollector() *WarningCollector {
	return &WarningCollector{
		counts: make(map[EventType]int),
		first:  make(map[EventType]string),
	}
}

// OnEvent records warning events and ignores the rest
func (c *WarningCollector) OnEvent(ctx context.Context, event RunEvent) {
	if !event.EventType.IsWarning() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[event.EventType]++
	if _, ok := c.first[event.EventType]; !ok {
		c.first[event.EventType] = event.Message
	}
}

// GetObserverName returns the observer name
func (c *WarningCollector) GetObserverName() string {
	return "warning_collector"
}

// Total returns the number of warnings seen
func (c *WarningCollector) Total() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, v := range c.counts {
		n += v
	}
	return n
}

// Count returns the number of warnings of one type
func (c *WarningCollector) Count(t EventType) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counts[t]
}

// Counts returns a copy of the per-type counters
func (c *WarningCollector) Counts() map[EventType]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[EventType]int, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

// Summary renders one line per warning type, sorted by type
func (c *WarningCollector) Summary() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.counts) == 0 {
		return "no warnings"
	}
	types := make([]string, 0, len(c.counts))
	for t := range c.counts {
		types = append(types, string(t))
	}
	sort.Strings(types)

	var b strings.Builder
	for _, t := range types {
		et := EventType(t)
		fmt.Fprintf(&b, "%s: %d", t, c.counts[et])
		if msg := c.first[et]; msg != "" {
			fmt.Fprintf(&b, " (first: %s)", msg)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// ExitCode combines a stage error with the collected warnings
func (c *WarningCollector) ExitCode(err error) int {
	return apperrors.ExitCode(err, c.Total())
}

// EventPublisher implements the Subject interface.
// Observers are notified synchronously and in subscription order so that
// warning counts are complete when a stage returns.
type EventPublisher struct {
	mu        sync.RWMutex
	observers []Observer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher() *EventPublisher {
	return &EventPublisher{
		observers: make([]Observer, 0),
	}
}

// Subscribe adds an observer
func (p *EventPublisher) Subscribe(observer Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, observer)
}

// Unsubscribe removes an observer
func (p *EventPublisher) Unsubscribe(observer Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, obs := range p.observers {
		if obs.GetObserverName() == observer.GetObserverName() {
			p.observers = append(p.observers[:i], p.observers[i+1:]...)
			break
		}
	}
}

// NotifyObservers delivers event to every observer. A panicking observer
// is logged and skipped.
func (p *EventPublisher) NotifyObservers(ctx context.Context, event RunEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	p.mu.RLock()
	observers := make([]Observer, len(p.observers))
	copy(observers, p.observers)
	p.mu.RUnlock()

	for _, obs := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logrus.WithField("observer", obs.GetObserverName()).
						WithField("panic", r).
						Error("Observer panicked while handling event")
				}
			}()
			obs.OnEvent(ctx, event)
		}()
	}
}

// Nop is a Subject that drops every event
type Nop struct{}

func (Nop) Subscribe(Observer)                        {}
func (Nop) Unsubscribe(Observer)                      {}
func (Nop) NotifyObservers(context.Context, RunEvent) {}
