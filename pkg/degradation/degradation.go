// Package degradation implements the Degradation Manager (spec.md §4.4):
// Redis-backed feature flags refreshed on an interval, per-service circuit
// state via sony/gobreaker, and the stage/fallback decision queries the
// orchestrator consults before and after each stage. Flag storage follows
// gomind's core/redis_client.go namespacing; the RWMutex-guarded local
// health map follows tarsy's pkg/session/manager.go.
package degradation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Prism-Clinical/careplan-orchestrator/pkg/models"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

const flagsKey = "pipeline:flags:current"

// Flags mirrors the mutable feature-flag set spec.md §4.4 names.
type Flags struct {
	EnableExtraction        bool
	EnableEmbedding         bool
	EnableRecommendation    bool
	EnableDraftGeneration   bool
	EnableSafetyValidation  bool
	ForceFallbackMode       bool
	EnableCaching           bool
}

func defaultFlags() Flags {
	return Flags{
		EnableExtraction:       true,
		EnableEmbedding:        true,
		EnableRecommendation:   true,
		EnableDraftGeneration:  true,
		EnableSafetyValidation: true,
		ForceFallbackMode:      false,
		EnableCaching:          true,
	}
}

// stageFlag maps each DAG stage to the flag that gates it.
var stageFlag = map[models.StageID]func(Flags) bool{
	models.StageEntityExtraction:       func(f Flags) bool { return f.EnableExtraction },
	models.StageEmbeddingGeneration:    func(f Flags) bool { return f.EnableEmbedding },
	models.StageTemplateRecommendation: func(f Flags) bool { return f.EnableRecommendation },
	models.StageDraftGeneration:        func(f Flags) bool { return f.EnableDraftGeneration },
	models.StageSafetyValidation:       func(f Flags) bool { return f.EnableSafetyValidation },
}

// criticality classifies each ML service for abort-vs-degrade decisions.
var criticality = map[models.MLService]models.ServiceCriticality{
	models.ServiceAudioIntelligence:   models.CriticalityCritical,
	models.ServiceCareplanRecommender: models.CriticalityImportant,
	models.ServiceRAGEmbeddings:       models.CriticalityNiceToHave,
	models.ServicePDFParser:           models.CriticalityImportant,
}

// ServiceHealth is the per-service status spec.md §4.4 tracks.
type ServiceHealth struct {
	Healthy      bool
	CircuitState models.CircuitState
	FailureCount int
	LastCheck    time.Time
	ErrorRate    float64
}

// Summary is degradationSummary's return shape.
type Summary struct {
	Flags    Flags
	Services map[models.MLService]ServiceHealth
}

// Manager is the Degradation Manager.
type Manager struct {
	redis *redis.Client

	mu      sync.RWMutex
	flags   Flags
	health  map[models.MLService]ServiceHealth
	circuit map[models.MLService]*gobreaker.CircuitBreaker

	attempts map[models.MLService]int
	failures map[models.MLService]int
}

// New builds a Manager with default flags and one circuit breaker per
// known ML service.
func New(client *redis.Client) *Manager {
	m := &Manager{
		redis:    client,
		flags:    defaultFlags(),
		health:   make(map[models.MLService]ServiceHealth),
		circuit:  make(map[models.MLService]*gobreaker.CircuitBreaker),
		attempts: make(map[models.MLService]int),
		failures: make(map[models.MLService]int),
	}
	for svc := range criticality {
		svc := svc
		m.circuit[svc] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        string(svc),
			MaxRequests: 1,
			Interval:    0,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				m.recordStateChange(models.MLService(name), to)
			},
		})
		m.health[svc] = ServiceHealth{Healthy: true, CircuitState: models.CircuitClosed}
	}
	return m
}

func (m *Manager) recordStateChange(svc models.MLService, to gobreaker.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.health[svc]
	h.CircuitState = fromGobreakerState(to)
	h.Healthy = h.CircuitState != models.CircuitOpen
	h.LastCheck = time.Now()
	m.health[svc] = h
}

func fromGobreakerState(s gobreaker.State) models.CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return models.CircuitOpen
	case gobreaker.StateHalfOpen:
		return models.CircuitHalfOpen
	default:
		return models.CircuitClosed
	}
}

// RefreshFlags reloads the flag set from Redis, falling back to the current
// in-memory set on any error (a transient Redis outage should not itself
// force the pipeline into fallback mode).
func (m *Manager) RefreshFlags(ctx context.Context) error {
	vals, err := m.redis.HGetAll(ctx, flagsKey).Result()
	if err != nil {
		return fmt.Errorf("degradation: refresh flags: %w", err)
	}
	if len(vals) == 0 {
		return nil
	}

	next := defaultFlags()
	setBool := func(key string, dst *bool) {
		if v, ok := vals[key]; ok {
			*dst = v == "true"
		}
	}
	setBool("enableExtraction", &next.EnableExtraction)
	setBool("enableEmbedding", &next.EnableEmbedding)
	setBool("enableRecommendation", &next.EnableRecommendation)
	setBool("enableDraftGeneration", &next.EnableDraftGeneration)
	setBool("enableSafetyValidation", &next.EnableSafetyValidation)
	setBool("forceFallbackMode", &next.ForceFallbackMode)
	setBool("enableCaching", &next.EnableCaching)

	m.mu.Lock()
	m.flags = next
	m.mu.Unlock()
	return nil
}

// StartRefreshLoop runs RefreshFlags every interval until ctx is cancelled.
// A zero interval disables the loop (caller relies on a one-off RefreshFlags
// or the compiled-in defaults).
func (m *Manager) StartRefreshLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = m.RefreshFlags(ctx)
			}
		}
	}()
}

// ShouldExecuteStage reports whether stage should run: false if
// forceFallbackMode is set, or the stage's gating flag is false.
func (m *Manager) ShouldExecuteStage(stage models.StageID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.flags.ForceFallbackMode {
		return false
	}
	gate, ok := stageFlag[stage]
	if !ok {
		return true // VALIDATION and other ungated stages always run
	}
	return gate(m.flags)
}

// ShouldUseFallback reports whether service calls should be skipped in
// favor of the fallback content path: force-mode, unhealthy, or an open
// circuit.
func (m *Manager) ShouldUseFallback(service models.MLService) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.flags.ForceFallbackMode {
		return true
	}
	h, ok := m.health[service]
	if !ok {
		return false
	}
	return !h.Healthy || h.CircuitState == models.CircuitOpen
}

// Criticality returns service's configured criticality tier.
func Criticality(service models.MLService) models.ServiceCriticality {
	if c, ok := criticality[service]; ok {
		return c
	}
	return models.CriticalityImportant
}

// RecordCall runs fn through service's circuit breaker and updates the
// service's health/failure bookkeeping from the outcome.
func (m *Manager) RecordCall(ctx context.Context, service models.MLService, fn func(ctx context.Context) error) error {
	m.mu.RLock()
	cb, ok := m.circuit[service]
	m.mu.RUnlock()
	if !ok {
		return fn(ctx)
	}

	_, err := cb.Execute(func() (any, error) {
		return nil, fn(ctx)
	})

	m.mu.Lock()
	m.attempts[service]++
	if err != nil {
		m.failures[service]++
	}
	h := m.health[service]
	h.FailureCount = m.failures[service]
	h.LastCheck = time.Now()
	if m.attempts[service] > 0 {
		h.ErrorRate = float64(m.failures[service]) / float64(m.attempts[service])
	}
	h.CircuitState = fromGobreakerState(cb.State())
	h.Healthy = h.CircuitState != models.CircuitOpen
	m.health[service] = h
	m.mu.Unlock()

	return err
}

// DegradationSummary exposes the full flag set and per-service health for
// operator consumption.
func (m *Manager) DegradationSummary() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	services := make(map[models.MLService]ServiceHealth, len(m.health))
	for svc, h := range m.health {
		services[svc] = h
	}
	return Summary{Flags: m.flags, Services: services}
}

// DegradedServiceNames returns the names of every currently-unhealthy
// service, for PipelineOutput.degradedServices.
func (m *Manager) DegradedServiceNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for svc, h := range m.health {
		if !h.Healthy {
			names = append(names, string(svc))
		}
	}
	return names
}
