package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dispensary-deals/internal/apperr"
	"github.com/sells-group/dispensary-deals/internal/blob"
	"github.com/sells-group/dispensary-deals/internal/catalog"
	"github.com/sells-group/dispensary-deals/internal/extract"
	"github.com/sells-group/dispensary-deals/internal/fetcher"
	"github.com/sells-group/dispensary-deals/internal/model"
	"github.com/sells-group/dispensary-deals/internal/ocr"
	"github.com/sells-group/dispensary-deals/internal/quality"
	"github.com/sells-group/dispensary-deals/internal/store"
)

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]*fetcher.Response
	calls int
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (*fetcher.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if r, ok := f.pages[url]; ok {
		return r, nil
	}
	return nil, apperr.New(apperr.KindDownload, "fetch", "unexpected status 404")
}

type fakeOCR struct {
	text string
	err  error
}

func (f *fakeOCR) Extract(_ context.Context, in ocr.Input) (*ocr.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &ocr.Result{Text: f.text, Confidence: 0.9, Provider: "fake"}, nil
}

type fakeParser struct {
	mu         sync.Mutex
	candidates []model.Candidate
	err        error
	requests   []extract.Request
}

func (f *fakeParser) Extract(_ context.Context, req extract.Request) ([]model.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.candidates, nil
}

var testNow = time.Date(2024, 6, 1, 15, 0, 0, 0, time.UTC)

const flyerURL = "https://greenleaf.example/flyer.pdf"

type harness struct {
	p      *Pipeline
	store  *store.SQLiteStore
	blobs  *blob.FSStore
	fetch  *fakeFetcher
	ocr    *fakeOCR
	parser *fakeParser
}

func newHarness(t *testing.T, dispensaries ...model.Dispensary) *harness {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "deals.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	h := &harness{
		store: st,
		blobs: blob.NewMemory(),
		fetch: &fakeFetcher{pages: map[string]*fetcher.Response{
			flyerURL: {URL: flyerURL, Body: []byte("%PDF-1.4 flyer v1"), ContentType: "application/pdf", StatusCode: 200},
		}},
		ocr: &fakeOCR{text: "Cookies Gary Payton eighths 2/$35"},
		parser: &fakeParser{candidates: []model.Candidate{
			{Category: model.CategoryFlower, Title: "Cookies Gary Payton eighths", Brand: "Cookies", ProductName: "Gary Payton", Price: "2/$35", Confidence: 0.9},
		}},
	}
	h.p = New(Deps{
		Store:        st,
		Blobs:        h.blobs,
		Fetcher:      h.fetch,
		OCR:          h.ocr,
		Parser:       h.parser,
		Dispensaries: dispensaries,
	})
	h.p.now = func() time.Time { return testNow }
	return h
}

func (h *harness) deals(t *testing.T) []model.Deal {
	t.Helper()
	deals, err := h.store.ListDeals(context.Background(), store.DealFilter{Date: "2024-06-01"})
	require.NoError(t, err)
	return deals
}

var greenLeaf = model.Dispensary{ID: "green-leaf", Name: "Green Leaf", City: "Denver", FlyerURL: flyerURL}

func TestFetch_StoresFlyerOnce(t *testing.T) {
	h := newHarness(t, greenLeaf)
	ctx := context.Background()

	first, err := h.p.Fetch(ctx, FetchRequest{DispensaryName: "Green Leaf", SourceURL: flyerURL})
	require.NoError(t, err)
	assert.True(t, first.Uploaded)
	assert.False(t, first.Skipped)
	assert.Equal(t, fetcher.ContentHash([]byte("%PDF-1.4 flyer v1")), first.Hash)
	assert.Equal(t, "green-leaf/2024-06-01/"+first.Hash+".pdf", first.FilePath)

	stored, err := h.blobs.Get(ctx, first.FilePath)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.4 flyer v1"), stored)

	require.NoError(t, h.store.MarkSourceDocumentProcessed(ctx, first.Document.ID, 1, testNow))

	second, err := h.p.Fetch(ctx, FetchRequest{DispensaryName: "Green Leaf", SourceURL: flyerURL})
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Equal(t, ReasonDuplicate, second.Reason)
	assert.Equal(t, first.Document.ID, second.Document.ID)

	doc, err := h.store.FindSourceDocument(ctx, "green-leaf", "2024-06-01", first.Hash)
	require.NoError(t, err)
	require.NotNil(t, doc)
}

func TestFetch_ResumesUnprocessedDocument(t *testing.T) {
	h := newHarness(t, greenLeaf)
	ctx := context.Background()

	first, err := h.p.Fetch(ctx, FetchRequest{DispensaryName: "Green Leaf", SourceURL: flyerURL})
	require.NoError(t, err)
	require.NoError(t, h.blobs.Delete(ctx, first.FilePath))

	again, err := h.p.Fetch(ctx, FetchRequest{DispensaryName: "Green Leaf", SourceURL: flyerURL})
	require.NoError(t, err)
	assert.True(t, again.Resumed)
	assert.False(t, again.Skipped)
	assert.False(t, again.Uploaded)
	assert.Equal(t, first.Document.ID, again.Document.ID)
	assert.Equal(t, []byte("%PDF-1.4 flyer v1"), again.Body)

	restored, err := h.blobs.Get(ctx, first.FilePath)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.4 flyer v1"), restored)
}

type lostRaceStore struct{ store.Store }

func (lostRaceStore) FindSourceDocument(context.Context, string, string, string) (*model.SourceDocument, error) {
	return nil, nil
}

func (lostRaceStore) CreateSourceDocument(context.Context, *model.SourceDocument) (bool, error) {
	return false, nil
}

func TestFetch_ConcurrentInsertReportsDuplicate(t *testing.T) {
	h := newHarness(t, greenLeaf)
	h.p.store = lostRaceStore{h.store}
	ctx := context.Background()

	res, err := h.p.Fetch(ctx, FetchRequest{DispensaryName: "Green Leaf", SourceURL: flyerURL})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.False(t, res.Uploaded)
	assert.Equal(t, ReasonDuplicate, res.Reason)

	// The winner shares the blob path, so it must survive.
	stored, err := h.blobs.Get(ctx, res.FilePath)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.4 flyer v1"), stored)
}

func TestFetch_Validation(t *testing.T) {
	h := newHarness(t)

	_, err := h.p.Fetch(context.Background(), FetchRequest{SourceURL: flyerURL})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = h.p.Fetch(context.Background(), FetchRequest{DispensaryName: "Green Leaf"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestFetch_DownloadError(t *testing.T) {
	h := newHarness(t)

	_, err := h.p.Fetch(context.Background(), FetchRequest{DispensaryName: "Green Leaf", SourceURL: "https://missing.example/x.pdf"})
	assert.True(t, apperr.Is(err, apperr.KindDownload))
}

type failingBlobs struct{ blob.Store }

func (failingBlobs) Put(context.Context, string, []byte) error {
	return apperr.New(apperr.KindStorage, "blob.put", "disk full")
}

func TestFetch_StorageError(t *testing.T) {
	h := newHarness(t)
	h.p.blobs = failingBlobs{h.blobs}

	_, err := h.p.Fetch(context.Background(), FetchRequest{DispensaryName: "Green Leaf", SourceURL: flyerURL})
	assert.True(t, apperr.Is(err, apperr.KindStorage))
}

type failingCreateStore struct{ store.Store }

func (failingCreateStore) CreateSourceDocument(context.Context, *model.SourceDocument) (bool, error) {
	return false, errors.New("connection reset")
}

func TestFetch_InsertFailureRemovesBlob(t *testing.T) {
	h := newHarness(t)
	h.p.store = failingCreateStore{h.store}

	_, err := h.p.Fetch(context.Background(), FetchRequest{DispensaryName: "Green Leaf", SourceURL: flyerURL})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindPersistence))

	key := blob.Key("green-leaf", "2024-06-01", fetcher.ContentHash([]byte("%PDF-1.4 flyer v1")), "pdf")
	_, getErr := h.blobs.Get(context.Background(), key)
	assert.True(t, apperr.Is(getErr, apperr.KindNotFound))
}

func TestOCR_FromStoredFile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.blobs.Put(ctx, "green-leaf/2024-06-01/abc.pdf", []byte("%PDF")))

	res, err := h.p.OCR(ctx, OCRRequest{FilePath: "green-leaf/2024-06-01/abc.pdf"})
	require.NoError(t, err)
	assert.Equal(t, "Cookies Gary Payton eighths 2/$35", res.Text)

	_, err = h.p.OCR(ctx, OCRRequest{})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = h.p.OCR(ctx, OCRRequest{FilePath: "nope/missing.pdf"})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestParse_InsertsAndResolvesBrand(t *testing.T) {
	h := newHarness(t, greenLeaf)

	res, err := h.p.Parse(context.Background(), ParseRequest{Text: "flyer text", DispensaryName: "Green Leaf"})
	require.NoError(t, err)
	assert.False(t, res.AIFailed)
	require.Equal(t, 1, res.DealsInserted)

	d := res.Deals[0]
	assert.Equal(t, "green-leaf", d.DispensaryID)
	assert.Equal(t, "Denver", d.City)
	assert.Equal(t, "Gary Payton eighths", d.Title)
	assert.Equal(t, flyerURL, d.SourceURL)
	require.NotNil(t, d.BrandID)

	brands, err := h.store.ListBrands(context.Background())
	require.NoError(t, err)
	require.Len(t, brands, 1)
	assert.Equal(t, "Cookies", brands[0].Name)

	require.Len(t, h.parser.requests, 1)
	assert.Equal(t, "Denver", h.parser.requests[0].City)
}

func TestParse_SameDealNeverTwicePerDate(t *testing.T) {
	h := newHarness(t, greenLeaf)
	ctx := context.Background()

	_, err := h.p.Parse(ctx, ParseRequest{Text: "flyer", DispensaryName: "Green Leaf"})
	require.NoError(t, err)
	res, err := h.p.Parse(ctx, ParseRequest{Text: "flyer", DispensaryName: "Green Leaf"})
	require.NoError(t, err)

	assert.Equal(t, 0, res.DealsInserted)
	assert.Len(t, h.deals(t), 1)
}

func TestParse_BrandStrippedTitlesDeduplicate(t *testing.T) {
	h := newHarness(t, greenLeaf)
	h.parser.candidates = []model.Candidate{
		{Category: model.CategoryFlower, Title: "Cookies Gary Payton eighths", Brand: "Cookies", Price: "2/$35", Confidence: 0.9},
		{Category: model.CategoryFlower, Title: "Gary Payton eighths", Brand: "Cookies", Price: "2/$35", Confidence: 0.9},
	}

	res, err := h.p.Parse(context.Background(), ParseRequest{Text: "flyer", DispensaryName: "Green Leaf"})
	require.NoError(t, err)
	require.Equal(t, 1, res.DealsInserted)

	deals := h.deals(t)
	require.Len(t, deals, 1)
	assert.Equal(t, "Gary Payton eighths", deals[0].Title)
	assert.Equal(t, "Cookies", deals[0].BrandName)
	assert.Equal(t, quality.Fingerprint("green-leaf", "2024-06-01", model.CategoryFlower, "Gary Payton eighths", "2/$35"), deals[0].Fingerprint)
}

func TestParse_HeuristicBrandDeduplicatesAcrossRuns(t *testing.T) {
	h := newHarness(t, greenLeaf)
	ctx := context.Background()

	_, err := h.p.Parse(ctx, ParseRequest{Text: "flyer", DispensaryName: "Green Leaf"})
	require.NoError(t, err)

	h.parser.candidates = []model.Candidate{
		{Category: model.CategoryFlower, Title: "Gary Payton eighths", Price: "2/$35", Confidence: 0.9},
		{Category: model.CategoryFlower, Title: "COOKIES - Gary Payton eighths", Price: "2/$35", Confidence: 0.9},
	}
	res, err := h.p.Parse(ctx, ParseRequest{Text: "flyer", DispensaryName: "Green Leaf"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.DealsInserted)
	assert.Len(t, h.deals(t), 1)
}

func TestParse_AIFailureWritesSummary(t *testing.T) {
	h := newHarness(t)
	h.parser.err = apperr.New(apperr.KindSchemaViolation, "extract", "bad json")

	res, err := h.p.Parse(context.Background(), ParseRequest{
		Text: "flyer", DispensaryName: "Sunny Side", SourceURL: "https://sunny.example/deals",
	})
	require.NoError(t, err)
	assert.True(t, res.AIFailed)
	require.Len(t, res.Deals, 1)
	assert.Equal(t, model.SummaryPrice, res.Deals[0].Price)
	assert.Equal(t, model.CategoryOther, res.Deals[0].Category)
	assert.Contains(t, res.Deals[0].Title, "Sunny Side")
	assert.Equal(t, "https://sunny.example/deals", res.Deals[0].SourceURL)
}

func TestParse_EmptyResultWritesSummary(t *testing.T) {
	h := newHarness(t, greenLeaf)
	h.parser.candidates = nil

	res, err := h.p.Parse(context.Background(), ParseRequest{Text: "flyer", DispensaryName: "Green Leaf"})
	require.NoError(t, err)
	assert.False(t, res.AIFailed)
	require.Len(t, res.Deals, 1)
	assert.Equal(t, flyerURL, res.Deals[0].SourceURL)
}

func TestParse_LowConfidenceAggregated(t *testing.T) {
	h := newHarness(t, greenLeaf)
	h.parser.candidates = []model.Candidate{
		{Category: model.CategoryFlower, Title: "Cookies Gary Payton eighths", Brand: "Cookies", ProductName: "Gary Payton", Price: "2/$35", Confidence: 0.9},
		{Category: model.CategoryVapes, Title: "Smudged cart deal", Price: "$?", Confidence: 0.3},
		{Category: model.CategoryEdibles, Title: "Faded gummies", Price: "$1?", Confidence: 0.2},
	}

	res, err := h.p.Parse(context.Background(), ParseRequest{Text: "flyer", DispensaryName: "Green Leaf"})
	require.NoError(t, err)
	require.Equal(t, 2, res.DealsInserted)

	for _, d := range h.deals(t) {
		assert.NotEqual(t, "Smudged cart deal", d.Title)
		assert.NotEqual(t, "Faded gummies", d.Title)
	}
	summary := res.Deals[1]
	assert.Equal(t, model.SummaryPrice, summary.Price)
	assert.Equal(t, 0.3, summary.Confidence)
	assert.Equal(t, flyerURL, summary.SourceURL)
}

func TestParse_FlaggedDealsGetReviewFlags(t *testing.T) {
	h := newHarness(t, greenLeaf)
	h.parser.candidates = []model.Candidate{
		{Category: model.CategoryVapes, Title: "Vapes", Price: "$20", Confidence: 0.8},
	}

	res, err := h.p.Parse(context.Background(), ParseRequest{Text: "flyer", DispensaryName: "Green Leaf"})
	require.NoError(t, err)
	require.Len(t, res.Deals, 1)
	assert.True(t, res.Deals[0].NeedsReview)

	visible, err := h.store.ListDeals(context.Background(), store.DealFilter{Date: "2024-06-01", ExcludeReview: true})
	require.NoError(t, err)
	assert.Empty(t, visible)
}

func TestParse_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.p.Parse(ctx, ParseRequest{Text: "x"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = h.p.Parse(ctx, ParseRequest{DispensaryName: "X", SourceURL: "https://x.example"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = h.p.Parse(ctx, ParseRequest{Text: "x", DispensaryName: "Unknown Shop"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestProcessFlyer_EndToEnd(t *testing.T) {
	h := newHarness(t, greenLeaf)
	ctx := context.Background()

	out := h.p.ProcessFlyer(ctx, greenLeaf)
	assert.Equal(t, StatusProcessed, out.Status)
	assert.Equal(t, 1, out.DealsInserted)

	deals := h.deals(t)
	require.Len(t, deals, 1)
	require.NotNil(t, deals[0].SourceDocumentID)

	again := h.p.ProcessFlyer(ctx, greenLeaf)
	assert.Equal(t, StatusSkipped, again.Status)
	assert.Equal(t, ReasonDuplicate, again.Reason)
}

type flakyInsertStore struct {
	store.Store
	failures int
}

func (f *flakyInsertStore) InsertDeals(ctx context.Context, deals []model.Deal) ([]model.Deal, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("connection reset")
	}
	return f.Store.InsertDeals(ctx, deals)
}

func TestProcessFlyer_RetriesUnfinishedDocument(t *testing.T) {
	h := newHarness(t, greenLeaf)
	flaky := &flakyInsertStore{Store: h.store, failures: 1}
	h.p.store = flaky
	h.p.writer = catalog.NewWriter(flaky)
	ctx := context.Background()

	first := h.p.ProcessFlyer(ctx, greenLeaf)
	assert.Equal(t, StatusFailed, first.Status)
	assert.Equal(t, string(apperr.KindPersistence), first.Reason)
	assert.Empty(t, h.deals(t))

	second := h.p.ProcessFlyer(ctx, greenLeaf)
	assert.Equal(t, StatusProcessed, second.Status)
	assert.Equal(t, 1, second.DealsInserted)

	deals := h.deals(t)
	require.Len(t, deals, 1)
	require.NotNil(t, deals[0].SourceDocumentID)

	doc, err := h.store.FindSourceDocument(ctx, "green-leaf", "2024-06-01", fetcher.ContentHash([]byte("%PDF-1.4 flyer v1")))
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, doc.ID, *deals[0].SourceDocumentID)
	assert.NotNil(t, doc.ProcessedAt)

	third := h.p.ProcessFlyer(ctx, greenLeaf)
	assert.Equal(t, StatusSkipped, third.Status)
	assert.Equal(t, ReasonDuplicate, third.Reason)
}

func TestProcessFlyer_OCRFailureWritesSummary(t *testing.T) {
	h := newHarness(t, greenLeaf)
	h.ocr.err = apperr.New(apperr.KindExtractionFailed, "ocr", "all providers failed")

	out := h.p.ProcessFlyer(context.Background(), greenLeaf)
	assert.Equal(t, StatusProcessed, out.Status)
	assert.Equal(t, 1, out.DealsInserted)

	deals := h.deals(t)
	require.Len(t, deals, 1)
	assert.Equal(t, model.SummaryPrice, deals[0].Price)
	assert.Equal(t, flyerURL, deals[0].SourceURL)
	assert.Empty(t, h.parser.requests)
}

func TestProcessWebsite(t *testing.T) {
	site := model.Dispensary{ID: "sunny", Name: "Sunny Side", WebsiteURL: "https://sunny.example/deals"}
	h := newHarness(t, site)
	h.fetch.pages[site.WebsiteURL] = &fetcher.Response{Body: []byte("<main>Carts $20</main>"), ContentType: "text/html"}

	out := h.p.Process(context.Background(), site)
	assert.Equal(t, StatusProcessed, out.Status)
	require.Len(t, h.parser.requests, 1)
	assert.Equal(t, "<main>Carts $20</main>", h.parser.requests[0].HTML)

	doc, err := h.store.FindSourceDocument(context.Background(), "sunny", "2024-06-01", fetcher.ContentHash([]byte("<main>Carts $20</main>")))
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestRunBatch_CountsAndIsolation(t *testing.T) {
	broken := model.Dispensary{ID: "broken", Name: "Broken", FlyerURL: "https://broken.example/flyer.pdf"}
	noURL := model.Dispensary{ID: "nourl", Name: "No URL"}
	h := newHarness(t, greenLeaf, broken, noURL)

	summary := h.p.RunBatch(context.Background(), nil)
	assert.Equal(t, int64(1), summary.Processed)
	assert.Equal(t, int64(1), summary.Skipped)
	assert.Equal(t, int64(1), summary.Failed)
	assert.Equal(t, int64(1), summary.DealsInserted)
	require.Len(t, summary.Outcomes, 3)
	assert.Equal(t, string(apperr.KindDownload), summary.Outcomes[1].Reason)

	again := h.p.RunBatch(context.Background(), []string{"Green Leaf"})
	assert.Equal(t, int64(0), again.Processed)
	assert.Equal(t, int64(1), again.Skipped)
	assert.Len(t, again.Outcomes, 1)
}

func TestRunBatch_CancelledContext(t *testing.T) {
	h := newHarness(t, greenLeaf)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary := h.p.RunBatch(ctx, nil)
	assert.Equal(t, int64(1), summary.Failed)
	assert.Equal(t, 0, h.fetch.calls)
}

func TestSelectDispensaries(t *testing.T) {
	p := New(Deps{Dispensaries: []model.Dispensary{greenLeaf, {Name: "Sunny Side"}}})
	assert.Len(t, p.selectDispensaries(nil), 2)
	assert.Len(t, p.selectDispensaries([]string{"sunny-side"}), 1)
	assert.Len(t, p.selectDispensaries([]string{"GREEN LEAF"}), 1)
	assert.Empty(t, p.selectDispensaries([]string{"nobody"}))
}
