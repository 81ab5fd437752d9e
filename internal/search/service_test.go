package search

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/batch"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/cache"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/dedup"
	apperrors "github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/errors"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/metrics"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/model"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/source"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/ttl"
)

type fakeLocal struct {
	mu       sync.Mutex
	calls    int
	lastTerm string
	respond  func(term string) ([]model.SourceRecord, error)
}

func (f *fakeLocal) run(term string) ([]model.SourceRecord, error) {
	f.mu.Lock()
	f.calls++
	f.lastTerm = term
	respond := f.respond
	f.mu.Unlock()

	if respond == nil {
		return nil, nil
	}
	return respond(term)
}

func (f *fakeLocal) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeLocal) LastTerm() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastTerm
}

func (f *fakeLocal) SearchActiveView(_ context.Context, term string, _ bool, _, _ int) ([]model.SourceRecord, error) {
	return f.run(term)
}

func (f *fakeLocal) LookupByIdentifier(_ context.Context, identifier string, _ bool) (*model.SourceRecord, error) {
	records, err := f.run(identifier)
	if err != nil || len(records) == 0 {
		return nil, err
	}
	record := records[0]
	return &record, nil
}

func (f *fakeLocal) SearchIndexed(_ context.Context, term string, _ bool, _, _ int) ([]model.SourceRecord, error) {
	return f.run(term)
}

func (f *fakeLocal) ScanAll(_ context.Context, term string, _ bool, _, _ int) ([]model.SourceRecord, error) {
	return f.run(term)
}

type fakeRegistry struct {
	name model.Source

	mu          sync.Mutex
	searchCalls int
	lookupCalls int
	records     []model.SourceRecord
	err         error
}

func (f *fakeRegistry) Name() model.Source { return f.name }

func (f *fakeRegistry) Search(_ context.Context, _ string, _ bool, _ int) ([]model.SourceRecord, error) {
	f.mu.Lock()
	f.searchCalls++
	records, err := f.records, f.err
	f.mu.Unlock()
	return records, err
}

func (f *fakeRegistry) Lookup(_ context.Context, identifier string) (*model.SourceRecord, error) {
	f.mu.Lock()
	f.lookupCalls++
	records, err := f.records, f.err
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	for _, r := range records {
		if r.Identifier == identifier {
			record := r
			return &record, nil
		}
	}
	return nil, nil
}

func (f *fakeRegistry) SearchCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.searchCalls
}

func (f *fakeRegistry) LookupCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookupCalls
}

type serviceFixture struct {
	svc       *Service
	local     *fakeLocal
	regA      *fakeRegistry
	regB      *fakeRegistry
	estimator *ttl.Estimator
	recorder  *metrics.Recorder
}

// quickBatch flushes every member immediately so single-caller tests do not
// wait out the batch window.
func quickBatch() batch.Config {
	return batch.Config{Size: 1, Window: 50 * time.Millisecond}
}

// pairBatch flushes on the second member, with a window long enough that two
// concurrent callers always land in the same batch.
func pairBatch() batch.Config {
	return batch.Config{Size: 2, Window: 2 * time.Second}
}

func newTestService(t *testing.T, batchCfg batch.Config) *serviceFixture {
	t.Helper()
	logger := zap.NewNop()

	local := &fakeLocal{}
	regA := &fakeRegistry{name: model.SourceRegistryA}
	regB := &fakeRegistry{name: model.SourceRegistryB}

	store := cache.NewMemoryStore(100, time.Minute, nil, logger)
	t.Cleanup(func() { _ = store.Close() })

	pm, err := NewPolicyManager("", logger)
	require.NoError(t, err)

	estimator := ttl.NewEstimator(ttl.EstimatorConfig{}, nil, logger)
	recorder := metrics.NewRecorder(metrics.RecorderConfig{}, nil, logger)
	coordinator := dedup.NewCoordinator(5*time.Second, nil, logger)

	svc := NewService(
		ServiceConfig{Batch: batchCfg},
		NewSelector(local, nil, logger),
		[]source.Registry{regA, regB},
		store,
		estimator,
		coordinator,
		NewMerger(pm, logger),
		recorder,
		nil,
		logger,
	)
	t.Cleanup(svc.Stop)

	return &serviceFixture{svc: svc, local: local, regA: regA, regB: regB, estimator: estimator, recorder: recorder}
}

func activeRecord(src model.Source, id, name string) model.SourceRecord {
	return model.SourceRecord{Identifier: id, DisplayName: name, Active: true, Source: src}
}

func TestService_Search_EndToEnd(t *testing.T) {
	fix := newTestService(t, quickBatch())
	fix.local.respond = func(string) ([]model.SourceRecord, error) {
		return []model.SourceRecord{activeRecord(model.SourceLocal, "552100554", "Acme")}, nil
	}
	fix.regA.records = []model.SourceRecord{activeRecord(model.SourceRegistryA, "552100554", "Acme")}
	fix.regB.records = []model.SourceRecord{activeRecord(model.SourceRegistryB, "123456789", "Acme Services")}

	resp, err := fix.svc.Search(context.Background(), model.SearchQuery{Term: "  ACME  ", Limit: 10})
	require.NoError(t, err)

	assert.Equal(t, "acme", fix.local.LastTerm(), "term is normalized before hitting sources")
	assert.True(t, resp.Success)
	assert.Empty(t, resp.Errors)

	require.Len(t, resp.Results, 2)
	assert.Equal(t, "552100554", resp.Results[0].Identifier)
	assert.Equal(t, []model.Source{model.SourceLocal, model.SourceRegistryA}, resp.Results[0].ContributingSources)
	assert.Equal(t, "123456789", resp.Results[1].Identifier)

	assert.Equal(t, StrategyIndexed, resp.Performance.Strategy)
	assert.Equal(t, string(model.QueryClassFullText), resp.Performance.QueryClass)
	assert.False(t, resp.Performance.Cached)
	assert.Equal(t, 10, resp.Pagination.Limit)
	assert.Equal(t, 2, resp.Pagination.Total)

	assert.EqualValues(t, 1, fix.estimator.TrailingCount("search:fulltext-search"))
	stat, ok := fix.recorder.GetQueryMetric("search:fulltext-search:acme")
	require.True(t, ok)
	assert.EqualValues(t, 1, stat.Executions)
}

func TestService_Search_RejectsEmptyTerm(t *testing.T) {
	fix := newTestService(t, quickBatch())

	resp, err := fix.svc.Search(context.Background(), model.SearchQuery{Term: "   "})
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrorCodeInvalidRequest))
	assert.Zero(t, fix.local.Calls())
}

func TestService_Search_ServesFromCache(t *testing.T) {
	fix := newTestService(t, quickBatch())
	fix.local.respond = func(string) ([]model.SourceRecord, error) {
		return []model.SourceRecord{activeRecord(model.SourceLocal, "552100554", "Acme")}, nil
	}

	query := model.SearchQuery{Term: "acme", Limit: 10}

	first, err := fix.svc.Search(context.Background(), query)
	require.NoError(t, err)
	assert.False(t, first.Performance.Cached)
	require.Equal(t, 1, fix.local.Calls())

	second, err := fix.svc.Search(context.Background(), query)
	require.NoError(t, err)
	assert.True(t, second.Performance.Cached)
	assert.Equal(t, StrategyIndexed, second.Performance.Strategy)
	assert.Equal(t, first.Results, second.Results)
	assert.Equal(t, 1, fix.local.Calls(), "cache hit must not touch the backend")
	assert.Equal(t, 1, fix.regA.SearchCalls())
}

func TestService_Search_CollapsesConcurrentDuplicates(t *testing.T) {
	fix := newTestService(t, quickBatch())

	release := make(chan struct{})
	fix.local.respond = func(string) ([]model.SourceRecord, error) {
		<-release
		return []model.SourceRecord{activeRecord(model.SourceLocal, "552100554", "Acme")}, nil
	}

	query := model.SearchQuery{Term: "acme", Limit: 10}
	responses := make([]*model.SearchResponse, 3)
	errs := make([]error, 3)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i], errs[i] = fix.svc.Search(context.Background(), query)
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < 3; i++ {
		require.NoError(t, errs[i])
		require.Len(t, responses[i].Results, 1)
		assert.Equal(t, "552100554", responses[i].Results[0].Identifier)
	}
	assert.Equal(t, 1, fix.local.Calls(), "concurrent duplicates share one execution")
	assert.Equal(t, 1, fix.regA.SearchCalls())
}

func TestService_Search_BatchWindowSharesOneFetch(t *testing.T) {
	fix := newTestService(t, pairBatch())
	fix.local.respond = func(string) ([]model.SourceRecord, error) {
		return []model.SourceRecord{
			activeRecord(model.SourceLocal, "100000001", "Acme"),
			activeRecord(model.SourceLocal, "100000002", "Acme Alpha"),
			activeRecord(model.SourceLocal, "100000003", "Acme Beta"),
			activeRecord(model.SourceLocal, "100000004", "Acme Gamma"),
			activeRecord(model.SourceLocal, "100000005", "Acme Delta"),
			activeRecord(model.SourceLocal, "100000006", "Groupe Acme"),
		}, nil
	}

	var wg sync.WaitGroup
	var narrow, deep *model.SearchResponse
	var narrowErr, deepErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		narrow, narrowErr = fix.svc.Search(context.Background(), model.SearchQuery{Term: "acme", Limit: 2})
	}()
	go func() {
		defer wg.Done()
		deep, deepErr = fix.svc.Search(context.Background(), model.SearchQuery{Term: "acme", Limit: 3, Offset: 1})
	}()
	wg.Wait()

	require.NoError(t, narrowErr)
	require.NoError(t, deepErr)
	assert.Equal(t, 1, fix.local.Calls(), "same-term callers share one backend fetch")

	require.Len(t, narrow.Results, 2)
	assert.Equal(t, "100000001", narrow.Results[0].Identifier)
	assert.Equal(t, "100000002", narrow.Results[1].Identifier)
	assert.Equal(t, 6, narrow.Pagination.Total)

	require.Len(t, deep.Results, 3)
	assert.Equal(t, "100000002", deep.Results[0].Identifier)
	assert.Equal(t, "100000004", deep.Results[2].Identifier)
	assert.Equal(t, 1, deep.Pagination.Offset)
	assert.Equal(t, 6, deep.Pagination.Total)
}

func TestService_Search_BatchSharingHonorsActiveOnly(t *testing.T) {
	fix := newTestService(t, pairBatch())
	inactive := model.SourceRecord{Identifier: "100000002", DisplayName: "Acme Beta", Source: model.SourceLocal}
	fix.local.respond = func(string) ([]model.SourceRecord, error) {
		return []model.SourceRecord{
			activeRecord(model.SourceLocal, "100000001", "Acme"),
			inactive,
			activeRecord(model.SourceLocal, "100000003", "Acme Gamma"),
		}, nil
	}

	var wg sync.WaitGroup
	var activeResp, allResp *model.SearchResponse
	var activeErr, allErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		activeResp, activeErr = fix.svc.Search(context.Background(), model.SearchQuery{Term: "acme", Limit: 10, ActiveOnly: true})
	}()
	go func() {
		defer wg.Done()
		allResp, allErr = fix.svc.Search(context.Background(), model.SearchQuery{Term: "acme", Limit: 10})
	}()
	wg.Wait()

	require.NoError(t, activeErr)
	require.NoError(t, allErr)
	assert.Equal(t, 1, fix.local.Calls())

	require.Len(t, activeResp.Results, 2)
	for _, result := range activeResp.Results {
		assert.True(t, result.BestRecord.Active)
	}
	assert.Equal(t, 2, activeResp.Pagination.Total)

	assert.Len(t, allResp.Results, 3)
	assert.Equal(t, 3, allResp.Pagination.Total)
}

func TestService_Search_ToleratesRegistryFailure(t *testing.T) {
	fix := newTestService(t, quickBatch())
	fix.local.respond = func(string) ([]model.SourceRecord, error) {
		return []model.SourceRecord{activeRecord(model.SourceLocal, "552100554", "Acme")}, nil
	}
	fix.regA.err = apperrors.New(apperrors.ErrorCodeSourceUnavailable, "registry A is down")
	fix.regB.records = []model.SourceRecord{activeRecord(model.SourceRegistryB, "123456789", "Acme Services")}

	resp, err := fix.svc.Search(context.Background(), model.SearchQuery{Term: "acme", Limit: 10})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Len(t, resp.Results, 2)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, model.SourceRegistryA, resp.Errors[0].Source)
	assert.Equal(t, string(apperrors.ErrorCodeSourceUnavailable), resp.Errors[0].Code)

	// Degraded responses are not cached, so the next caller retries the
	// failed source.
	_, err = fix.svc.Search(context.Background(), model.SearchQuery{Term: "acme", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, fix.local.Calls())
	assert.Equal(t, 2, fix.regA.SearchCalls())
}

func TestService_Search_LocalFailureCoveredByRegistries(t *testing.T) {
	fix := newTestService(t, quickBatch())
	fix.local.respond = func(string) ([]model.SourceRecord, error) {
		return nil, apperrors.New(apperrors.ErrorCodeSourceUnavailable, "database unreachable")
	}
	fix.regA.records = []model.SourceRecord{activeRecord(model.SourceRegistryA, "552100554", "Acme")}

	resp, err := fix.svc.Search(context.Background(), model.SearchQuery{Term: "acme", Limit: 10})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, model.SourceRegistryA, resp.Results[0].BestRecord.Source)

	require.NotEmpty(t, resp.Errors)
	assert.Equal(t, model.SourceLocal, resp.Errors[0].Source)
	assert.Equal(t, string(apperrors.ErrorCodeSearchError), resp.Errors[0].Code)
}

func TestService_Search_AllSourcesFailed(t *testing.T) {
	fix := newTestService(t, quickBatch())
	fix.local.respond = func(string) ([]model.SourceRecord, error) {
		return nil, apperrors.New(apperrors.ErrorCodeSourceUnavailable, "database unreachable")
	}
	fix.regA.err = apperrors.New(apperrors.ErrorCodeSourceUnavailable, "registry A is down")
	fix.regB.err = apperrors.New(apperrors.ErrorCodeRateLimitExceeded, "quota exhausted")

	resp, err := fix.svc.Search(context.Background(), model.SearchQuery{Term: "acme", Limit: 10})
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrorCodeStrategyExhausted))
}

func TestService_Search_SourceFilterSkipsRegistries(t *testing.T) {
	fix := newTestService(t, quickBatch())
	fix.local.respond = func(string) ([]model.SourceRecord, error) {
		return []model.SourceRecord{activeRecord(model.SourceLocal, "552100554", "Acme")}, nil
	}
	fix.regA.records = []model.SourceRecord{activeRecord(model.SourceRegistryA, "123456789", "Acme Services")}

	resp, err := fix.svc.Search(context.Background(), model.SearchQuery{
		Term:    "acme",
		Limit:   10,
		Sources: []model.Source{model.SourceLocal},
	})
	require.NoError(t, err)

	require.Len(t, resp.Results, 1)
	assert.Equal(t, model.SourceLocal, resp.Results[0].BestRecord.Source)
	assert.Zero(t, fix.regA.SearchCalls())
	assert.Zero(t, fix.regB.SearchCalls())
}

func TestService_Search_DistinctShapesCacheSeparately(t *testing.T) {
	fix := newTestService(t, quickBatch())
	fix.local.respond = func(string) ([]model.SourceRecord, error) {
		return []model.SourceRecord{
			activeRecord(model.SourceLocal, "100000001", "Acme"),
			activeRecord(model.SourceLocal, "100000002", "Acme Alpha"),
			activeRecord(model.SourceLocal, "100000003", "Acme Beta"),
		}, nil
	}

	resp, err := fix.svc.Search(context.Background(), model.SearchQuery{Term: "acme", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 2)
	assert.Equal(t, 1, fix.local.Calls())

	resp, err = fix.svc.Search(context.Background(), model.SearchQuery{Term: "acme", Limit: 3})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 3)
	assert.Equal(t, 2, fix.local.Calls(), "a different window is a different cache entry")

	resp, err = fix.svc.Search(context.Background(), model.SearchQuery{Term: "acme", Limit: 2})
	require.NoError(t, err)
	assert.True(t, resp.Performance.Cached)
	assert.Equal(t, 2, fix.local.Calls())
}

func TestService_Lookup_BySiret(t *testing.T) {
	fix := newTestService(t, quickBatch())
	fix.local.respond = func(term string) ([]model.SourceRecord, error) {
		if term == "552100554" {
			return []model.SourceRecord{activeRecord(model.SourceLocal, "552100554", "Acme")}, nil
		}
		return nil, nil
	}
	fix.regA.records = []model.SourceRecord{activeRecord(model.SourceRegistryA, "552100554", "Acme")}

	resp, err := fix.svc.Lookup(context.Background(), "552 100 554 00013")
	require.NoError(t, err)

	require.Len(t, resp.Results, 1)
	assert.Equal(t, "552100554", resp.Results[0].Identifier)
	assert.Equal(t, []model.Source{model.SourceLocal, model.SourceRegistryA}, resp.Results[0].ContributingSources)
	assert.Equal(t, "552100554", fix.local.LastTerm())
	assert.Equal(t, 1, fix.regA.LookupCalls(), "identifier queries use the registry lookup endpoint")
	assert.Zero(t, fix.regA.SearchCalls())
}

func TestService_Lookup_NotFound(t *testing.T) {
	fix := newTestService(t, quickBatch())

	resp, err := fix.svc.Lookup(context.Background(), "999999999")
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrorCodeNotFound))
}

func TestService_Lookup_InvalidIdentifier(t *testing.T) {
	fix := newTestService(t, quickBatch())

	resp, err := fix.svc.Lookup(context.Background(), "12AB")
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrorCodeInvalidRequest))
	assert.Zero(t, fix.local.Calls())
}
