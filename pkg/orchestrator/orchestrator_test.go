package orchestrator

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/audit"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/cache"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/config"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/crypto"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/degradation"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/errclass"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/idempotency"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/mlclient"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/models"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes ---------------------------------------------------------------

type fakeAudio struct {
	resp  mlclient.ExtractResponse
	err   error
	calls int
}

func (f *fakeAudio) Extract(ctx context.Context, req mlclient.ExtractRequest) (mlclient.ExtractResponse, error) {
	f.calls++
	return f.resp, f.err
}

type fakeRecommender struct {
	resp      mlclient.RecommendResponse
	err       error
	draftResp mlclient.GenerateDraftResponse
	draftErr  error
}

func (f *fakeRecommender) Recommend(ctx context.Context, req mlclient.RecommendRequest) (mlclient.RecommendResponse, error) {
	return f.resp, f.err
}
func (f *fakeRecommender) RecommendWithContext(ctx context.Context, req mlclient.RecommendWithContextRequest) (mlclient.RecommendResponse, error) {
	return f.resp, f.err
}
func (f *fakeRecommender) GenerateDraft(ctx context.Context, req mlclient.GenerateDraftRequest) (mlclient.GenerateDraftResponse, error) {
	return f.draftResp, f.draftErr
}

type fakeEmbeddings struct {
	vec []float64
	err error
}

func (f *fakeEmbeddings) EmbedPatientContext(ctx context.Context, req mlclient.EmbedRequest) ([]float64, error) {
	return f.vec, f.err
}

type fakePDFParser struct{}

func (f *fakePDFParser) Parse(ctx context.Context, fileKey string) (mlclient.ParseResponse, error) {
	return mlclient.ParseResponse{}, nil
}

type fakeFactory struct {
	audio   mlclient.AudioIntelligence
	rec     mlclient.Recommender
	embed   mlclient.RAGEmbeddings
	pdf     mlclient.PDFParser
}

func (f *fakeFactory) AudioIntelligence() mlclient.AudioIntelligence { return f.audio }
func (f *fakeFactory) Recommender() mlclient.Recommender             { return f.rec }
func (f *fakeFactory) RAGEmbeddings() mlclient.RAGEmbeddings         { return f.embed }
func (f *fakeFactory) PDFParser() mlclient.PDFParser                 { return f.pdf }
func (f *fakeFactory) CheckAllServices(ctx context.Context) (mlclient.HealthReport, error) {
	return mlclient.HealthReport{}, nil
}
func (f *fakeFactory) GetCircuitStates(ctx context.Context) (map[string]string, error) {
	return nil, nil
}

type fakeTracker struct {
	mu        sync.Mutex
	created   []models.PipelineRequest
	completed []string
	failed    []string
}

func (t *fakeTracker) Create(ctx context.Context, req models.PipelineRequest) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.created = append(t.created, req)
	return nil
}
func (t *fakeTracker) MarkInProgress(ctx context.Context, id string) error { return nil }
func (t *fakeTracker) Complete(ctx context.Context, id string, resultEncrypted []byte, stagesCompleted, degradedServices []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completed = append(t.completed, id)
	return nil
}
func (t *fakeTracker) Fail(ctx context.Context, id string, errBody models.PipelineRequestError, stagesCompleted []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failed = append(t.failed, id)
	return nil
}

type fakeProgress struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func (p *fakeProgress) Publish(ctx context.Context, requestID string, event ProgressEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

type noopAuditor struct{}

func (noopAuditor) LogPHIAccess(context.Context, audit.PHIAccessEntry)           {}
func (noopAuditor) LogMLServiceCall(context.Context, audit.MLServiceCallEntry)   {}
func (noopAuditor) LogDataSharing(context.Context, audit.DataSharingEntry)       {}
func (noopAuditor) LogJob(context.Context, audit.JobEntry)                      {}
func (noopAuditor) LogCacheOperation(context.Context, audit.CacheOperationEntry) {}

// --- test harness ----------------------------------------------------------

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.EnableIdempotency = false
	cfg.EnableCaching = false
	cfg.StageTimeout = 2 * time.Second
	cfg.CacheDefaultTTL = 5 * time.Minute
	cfg.CachePHIMaxTTL = time.Hour
	cfg.IdempotencyExpiration = 24 * time.Hour
	cfg.LockDefaultTTL = 5 * time.Minute
	return cfg
}

func testKey() []byte {
	return []byte("01234567890123456789012345678901"[:32])
}

func newHarness(t *testing.T, factory *fakeFactory, cfg config.Config) (*Orchestrator, *fakeTracker, *fakeProgress) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	cipher, err := crypto.New(testKey())
	require.NoError(t, err)

	c := cache.New(redisClient, cipher, noopAuditor{}, cfg.CacheDefaultTTL, cfg.CachePHIMaxTTL, cfg.CacheEarlyRefreshBeta)
	deg := degradation.New(redisClient)
	tracker := &fakeTracker{}
	progress := &fakeProgress{}

	o := New(factory, c, nil, deg, noopAuditor{}, cipher, tracker, progress, redisClient, cfg)
	return o, tracker, progress
}

func validInput() models.PipelineInput {
	return models.PipelineInput{
		VisitID:        "visit-1",
		PatientID:      "patient-1",
		ConditionCodes: []string{"E11.9"},
		TranscriptText: "patient reports mild cough",
		IdempotencyKey: "idem-1",
		CorrelationID:  "corr-1",
		UserID:         "user-1",
		UserRole:       "clinician",
	}
}

func happyFactory() *fakeFactory {
	return &fakeFactory{
		audio: &fakeAudio{resp: mlclient.ExtractResponse{
			Symptoms: []mlclient.ExtractedItem{{Text: "cough", Type: "symptom", Confidence: 0.9}},
			NLUTier:  "tier1",
		}},
		rec: &fakeRecommender{
			resp: mlclient.RecommendResponse{Templates: []mlclient.TemplateMatch{
				{TemplateID: "tpl-1", Name: "Diabetes Mgmt", Confidence: 0.8, ConditionCodes: []string{"E11.9"}},
			}},
			draftResp: mlclient.GenerateDraftResponse{Drafts: []mlclient.DraftStub{
				{Title: "Draft", Goals: []string{"goal"}, Interventions: []string{"intervention"}, ConfidenceScore: 0.9},
			}},
		},
		embed: &fakeEmbeddings{vec: []float64{0.1, 0.2}},
		pdf:   &fakePDFParser{},
	}
}

// --- tests -----------------------------------------------------------------

func TestProcessHappyPathReturnsCompletedOutput(t *testing.T) {
	cfg := testConfig()
	o, tracker, progress := newHarness(t, happyFactory(), cfg)

	out, err := o.Process(context.Background(), validInput())
	require.NoError(t, err)

	assert.NotEmpty(t, out.RequestID)
	assert.Len(t, out.Recommendations, 1)
	assert.NotNil(t, out.DraftCarePlan)
	assert.False(t, out.RequiresManualReview)
	assert.Empty(t, out.DegradedServices)

	assert.Len(t, tracker.created, 1)
	assert.Len(t, tracker.completed, 1)
	assert.Empty(t, tracker.failed)

	var sawCompleted bool
	for _, e := range progress.events {
		if e.Status == "pipelineCompleted" {
			sawCompleted = true
		}
	}
	assert.True(t, sawCompleted)
}

func TestProcessRejectsInvalidInputBeforePersistence(t *testing.T) {
	cfg := testConfig()
	o, tracker, _ := newHarness(t, happyFactory(), cfg)

	input := validInput()
	input.VisitID = ""

	_, err := o.Process(context.Background(), input)
	require.Error(t, err)
	assert.Empty(t, tracker.created)
}

func TestProcessDegradesOnExtractionFailureAndAddsFallback(t *testing.T) {
	cfg := testConfig()
	factory := happyFactory()
	factory.audio = &fakeAudio{err: errors.New("boom")}
	o, _, _ := newHarness(t, factory, cfg)

	out, err := o.Process(context.Background(), validInput())
	require.NoError(t, err)

	assert.Contains(t, out.DegradedServices, string(models.ServiceAudioIntelligence))
	assert.NotNil(t, out.ExtractedEntities)
	assert.NotEmpty(t, out.RedFlags)
}

// TestProcessRetriesThenDegradesOnRepeatedServiceUnavailable exercises
// spec.md §8 scenario 3: the audio service returns 503 on every attempt, so
// the stage retries up to MaxRetries and then degrades rather than aborting
// the run.
func TestProcessRetriesThenDegradesOnRepeatedServiceUnavailable(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	factory := happyFactory()
	factory.audio = &fakeAudio{err: errclass.ServiceUnavailableError{Err: errors.New("503")}}
	o, _, _ := newHarness(t, factory, cfg)

	out, err := o.Process(context.Background(), validInput())
	require.NoError(t, err)

	assert.Contains(t, out.DegradedServices, string(models.ServiceAudioIntelligence))
	assert.NotNil(t, out.ExtractedEntities)
	assert.Len(t, out.Recommendations, 1)
}

func TestProcessSetsManualReviewWhenDraftConfidenceLow(t *testing.T) {
	cfg := testConfig()
	factory := happyFactory()
	factory.rec.(*fakeRecommender).draftResp = mlclient.GenerateDraftResponse{Drafts: []mlclient.DraftStub{
		{Title: "Draft", ConfidenceScore: 0.2},
	}}
	o, _, _ := newHarness(t, factory, cfg)

	out, err := o.Process(context.Background(), validInput())
	require.NoError(t, err)
	assert.True(t, out.RequiresManualReview)
}

func TestProcessSkipsEntityExtractionWithoutTranscript(t *testing.T) {
	cfg := testConfig()
	o, _, _ := newHarness(t, happyFactory(), cfg)

	input := validInput()
	input.TranscriptText = ""

	out, err := o.Process(context.Background(), input)
	require.NoError(t, err)

	var extractionStatus models.StageStatus
	for _, sr := range out.ProcessingMetadata.StageResults {
		if sr.StageID == models.StageEntityExtraction {
			extractionStatus = sr.Status
		}
	}
	assert.Equal(t, models.StageSkipped, extractionStatus)
}

func TestProcessUsesConditionOnlyMatchingWhenEmbeddingFails(t *testing.T) {
	cfg := testConfig()
	factory := happyFactory()
	factory.embed = &fakeEmbeddings{err: errors.New("embedding down")}
	o, _, _ := newHarness(t, factory, cfg)

	out, err := o.Process(context.Background(), validInput())
	require.NoError(t, err)
	assert.Contains(t, out.DegradedServices, string(models.ServiceRAGEmbeddings))
}

func TestProcessTimesOutSlowStage(t *testing.T) {
	cfg := testConfig()
	cfg.StageTimeoutMs = 20
	cfg.StageTimeout = 20 * time.Millisecond
	cfg.MaxRetries = 0
	factory := happyFactory()
	factory.rec = &fakeRecommender{resp: mlclient.RecommendResponse{}, err: nil}
	slow := &slowRecommender{inner: factory.rec.(*fakeRecommender), delay: 200 * time.Millisecond}
	factory.rec = slow
	o, _, _ := newHarness(t, factory, cfg)

	out, err := o.Process(context.Background(), validInput())
	require.NoError(t, err) // recommendation-failed defaults to USE_FALLBACK, not abort
	assert.Contains(t, out.DegradedServices, string(models.ServiceCareplanRecommender))
}

type slowRecommender struct {
	inner *fakeRecommender
	delay time.Duration
}

func (s *slowRecommender) Recommend(ctx context.Context, req mlclient.RecommendRequest) (mlclient.RecommendResponse, error) {
	time.Sleep(s.delay)
	return s.inner.Recommend(ctx, req)
}
func (s *slowRecommender) RecommendWithContext(ctx context.Context, req mlclient.RecommendWithContextRequest) (mlclient.RecommendResponse, error) {
	time.Sleep(s.delay)
	return s.inner.RecommendWithContext(ctx, req)
}
func (s *slowRecommender) GenerateDraft(ctx context.Context, req mlclient.GenerateDraftRequest) (mlclient.GenerateDraftResponse, error) {
	return s.inner.GenerateDraft(ctx, req)
}

// TestProcessSkipsMLCallWhenCircuitBreakerForcesFallback exercises fallback
// mode end to end: with forceFallbackMode set, ShouldExecuteStage skips the
// extraction stage before the audio service fake is ever reached, even though
// the fake would otherwise succeed, and the run continues on the degraded
// extraction path.
func TestProcessSkipsMLCallWhenCircuitBreakerForcesFallback(t *testing.T) {
	cfg := testConfig()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	mr.HSet("pipeline:flags:current", "forceFallbackMode", "true")

	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer redisClient.Close()
	cipher, err := crypto.New(testKey())
	require.NoError(t, err)
	c := cache.New(redisClient, cipher, noopAuditor{}, cfg.CacheDefaultTTL, cfg.CachePHIMaxTTL, cfg.CacheEarlyRefreshBeta)
	deg := degradation.New(redisClient)
	require.NoError(t, deg.RefreshFlags(context.Background()))
	tracker := &fakeTracker{}

	factory := happyFactory()
	audio := factory.audio.(*fakeAudio)

	o := New(factory, c, nil, deg, noopAuditor{}, cipher, tracker, &fakeProgress{}, redisClient, cfg)

	out, err := o.Process(context.Background(), validInput())
	require.NoError(t, err)

	assert.Equal(t, 0, audio.calls, "circuit fallback must short-circuit before reaching the service")
	assert.Contains(t, out.DegradedServices, string(models.ServiceAudioIntelligence))
}

// TestCompleteRequestCompensatesTrackerWhenIdempotencyCommitFails exercises
// the saga wired into completeRequest: when the idempotency commit fails
// after the tracker commit already succeeded, the tracker step's
// compensation (tracker.Fail) must run so a poller never observes a
// COMPLETED request the idempotency store doesn't also know about.
func TestCompleteRequestCompensatesTrackerWhenIdempotencyCommitFails(t *testing.T) {
	cfg := testConfig()
	cfg.EnableIdempotency = true

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	idemp := idempotency.NewStore(sqlx.NewDb(sqlDB, "sqlmock"))

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO idempotency_keys")).
		WillReturnRows(sqlmock.NewRows([]string{"key", "request_hash", "request_id", "status", "response", "created_at", "expires_at", "inserted"}).
			AddRow("idem-1", "h", "r1", "PENDING", nil, time.Now(), time.Now().Add(time.Hour), true))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE idempotency_keys")).
		WillReturnError(errors.New("connection reset"))

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer redisClient.Close()
	cipher, err := crypto.New(testKey())
	require.NoError(t, err)
	c := cache.New(redisClient, cipher, noopAuditor{}, cfg.CacheDefaultTTL, cfg.CachePHIMaxTTL, cfg.CacheEarlyRefreshBeta)
	deg := degradation.New(redisClient)
	tracker := &fakeTracker{}

	o := New(happyFactory(), c, idemp, deg, noopAuditor{}, cipher, tracker, &fakeProgress{}, redisClient, cfg)

	_, err = o.Process(context.Background(), validInput())
	require.Error(t, err)

	assert.Len(t, tracker.completed, 1, "tracker.Complete must have run before the idempotency step failed")
	assert.Len(t, tracker.failed, 1, "saga compensation must mark the tracker row FAILED")
	assert.NoError(t, mock.ExpectationsWereMet())
}
