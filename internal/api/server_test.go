package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/divar-listing-bot/internal/clock"
	"github.com/JakeFAU/divar-listing-bot/internal/id"
	"github.com/JakeFAU/divar-listing-bot/internal/listing"
	"github.com/JakeFAU/divar-listing-bot/internal/pipeline"
	"github.com/JakeFAU/divar-listing-bot/internal/report"
	"github.com/JakeFAU/divar-listing-bot/internal/storage/memory"
)

type fakeSubmitter struct {
	jobs  *memory.JobStore
	urls  []string
	err   error
	count int
}

func (f *fakeSubmitter) Submit(ctx context.Context, url, source string) (pipeline.Job, error) {
	if f.err != nil {
		return pipeline.Job{}, f.err
	}
	f.count++
	f.urls = append(f.urls, url)
	job := pipeline.NewJob("job-"+string(rune('0'+f.count)), url, source, time.Now())
	if err := f.jobs.CreateJob(ctx, job); err != nil {
		return pipeline.Job{}, err
	}
	return job, nil
}

type fakeCanceler struct {
	running map[string]bool
	calls   []string
}

func (f *fakeCanceler) Cancel(jobID string) bool {
	f.calls = append(f.calls, jobID)
	return f.running[jobID]
}

type fixture struct {
	server    *Server
	jobs      *memory.JobStore
	blobs     *memory.BlobStore
	submitter *fakeSubmitter
	canceler  *fakeCanceler
}

func newFixture(t *testing.T, opts Options) fixture {
	t.Helper()
	jobs := memory.NewJobStore()
	blobs := memory.NewBlobStore()
	sub := &fakeSubmitter{jobs: jobs}
	canc := &fakeCanceler{running: map[string]bool{}}
	return fixture{
		server:    NewServer(jobs, blobs, sub, canc, opts, nil),
		jobs:      jobs,
		blobs:     blobs,
		submitter: sub,
		canceler:  canc,
	}
}

func (f fixture) do(t *testing.T, method, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (f fixture) seedJob(t *testing.T, id string, status pipeline.JobStatus) pipeline.Job {
	t.Helper()
	job := pipeline.NewJob(id, "https://divar.ir/s/tehran/car", pipeline.SourceAPI, time.Now())
	require.NoError(t, f.jobs.CreateJob(context.Background(), job))
	if status != pipeline.JobStatusQueued {
		require.NoError(t, f.jobs.UpdateJob(context.Background(), id, pipeline.JobUpdate{Status: status}))
	}
	got, err := f.jobs.GetJob(context.Background(), id)
	require.NoError(t, err)
	return got
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), into))
}

func TestHealthAndReady(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})

	rec := f.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = f.do(t, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzReportsDependencyFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{Ready: func(context.Context) error { return errors.New("db down") }})

	rec := f.do(t, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "db down")
}

func TestRequestIDIsEchoed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestSubmitScrape(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})

	rec := f.do(t, http.MethodPost, "/v1/scrapes", `{"url":"  https://divar.ir/s/tehran/car  "}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body map[string]string
	decode(t, rec, &body)
	require.Equal(t, "job-1", body["job_id"])
	require.Equal(t, []string{"https://divar.ir/s/tehran/car"}, f.submitter.urls)

	job, err := f.jobs.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, pipeline.SourceAPI, job.Source)
}

func TestSubmitScrapeRejectsBadInput(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"invalid json":  `{`,
		"missing url":   `{}`,
		"relative url":  `{"url":"/s/tehran/car"}`,
		"ftp scheme":    `{"url":"ftp://divar.ir/s"}`,
		"missing host":  `{"url":"https:///s/tehran"}`,
		"plain message": `{"url":"hello"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, Options{})
			rec := f.do(t, http.MethodPost, "/v1/scrapes", body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Zero(t, f.submitter.count)
		})
	}
}

func TestSubmitScrapeSubmitterError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	f.submitter.err = errors.New("queue closed")

	rec := f.do(t, http.MethodPost, "/v1/scrapes", `{"url":"https://divar.ir/s/tehran/car"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "queue closed")
}

func TestGetJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	f.seedJob(t, "job-a", pipeline.JobStatusRunning)

	rec := f.do(t, http.MethodGet, "/v1/scrapes/job-a", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Job pipeline.Job `json:"job"`
	}
	decode(t, rec, &body)
	require.Equal(t, "job-a", body.Job.ID)
	require.Equal(t, pipeline.JobStatusRunning, body.Job.Status)

	rec = f.do(t, http.MethodGet, "/v1/scrapes/missing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetListings(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	f.seedJob(t, "job-a", pipeline.JobStatusSucceeded)
	rows := []listing.Listing{
		{Title: "Pride", Price: listing.Int64(250_000_000), URL: "https://divar.ir/v/a"},
		{Title: "Peugeot 206", Price: listing.Int64(600_000_000), URL: "https://divar.ir/v/b"},
	}
	require.NoError(t, f.jobs.RecordListings(context.Background(), "job-a", rows))

	rec := f.do(t, http.MethodGet, "/v1/scrapes/job-a/listings", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body listingsResponse
	decode(t, rec, &body)
	require.Equal(t, "job-a", body.Job.ID)
	require.Len(t, body.Listings, 2)
	require.Equal(t, "Pride", body.Listings[0].Title)
}

func TestGetListingsEmptyIsArray(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	f.seedJob(t, "job-a", pipeline.JobStatusQueued)

	rec := f.do(t, http.MethodGet, "/v1/scrapes/job-a/listings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"listings":[]`)
}

func TestGetReport(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	f.seedJob(t, "job-a", pipeline.JobStatusSucceeded)

	data, err := report.Write([]listing.Listing{{Title: "Pride", Price: listing.Int64(1)}})
	require.NoError(t, err)
	uri, err := f.blobs.PutObject(context.Background(), "reports/job-a/x.xlsx", report.ContentType, bytes.NewReader(data))
	require.NoError(t, err)
	require.NoError(t, f.jobs.UpdateJob(context.Background(), "job-a", pipeline.JobUpdate{
		Status:     pipeline.JobStatusSucceeded,
		ReportPath: "reports/job-a/x.xlsx",
		ReportURI:  uri,
	}))

	rec := f.do(t, http.MethodGet, "/v1/scrapes/job-a/report", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, report.ContentType, rec.Header().Get("Content-Type"))
	require.Equal(t, `attachment; filename="cars.xlsx"`, rec.Header().Get("Content-Disposition"))
	require.Equal(t, data, rec.Body.Bytes())
}

func TestGetReportNotReady(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	f.seedJob(t, "job-a", pipeline.JobStatusRunning)

	rec := f.do(t, http.MethodGet, "/v1/scrapes/job-a/report", "")
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/scrapes/missing/report", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetReportMissingBlob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	f.seedJob(t, "job-a", pipeline.JobStatusSucceeded)
	require.NoError(t, f.jobs.UpdateJob(context.Background(), "job-a", pipeline.JobUpdate{
		Status:     pipeline.JobStatusSucceeded,
		ReportPath: "reports/job-a/gone.xlsx",
	}))

	rec := f.do(t, http.MethodGet, "/v1/scrapes/job-a/report", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelQueuedJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	f.seedJob(t, "job-a", pipeline.JobStatusQueued)

	rec := f.do(t, http.MethodPost, "/v1/scrapes/job-a/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"job-a"}, f.canceler.calls)

	job, err := f.jobs.GetJob(context.Background(), "job-a")
	require.NoError(t, err)
	require.Equal(t, pipeline.JobStatusCanceled, job.Status)
	require.NotNil(t, job.Finished)
}

func TestCancelRunningJobLeavesUpdateToRunner(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	f.seedJob(t, "job-a", pipeline.JobStatusRunning)
	f.canceler.running["job-a"] = true

	rec := f.do(t, http.MethodPost, "/v1/scrapes/job-a/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)

	job, err := f.jobs.GetJob(context.Background(), "job-a")
	require.NoError(t, err)
	require.Equal(t, pipeline.JobStatusRunning, job.Status)
}

func TestCancelFinishedJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	f.seedJob(t, "job-a", pipeline.JobStatusSucceeded)

	rec := f.do(t, http.MethodPost, "/v1/scrapes/job-a/cancel", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Empty(t, f.canceler.calls)

	rec = f.do(t, http.MethodPost, "/v1/scrapes/missing/cancel", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

type blockingScraper struct{}

func (blockingScraper) Scrape(ctx context.Context, _ string) ([]listing.Listing, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestCancelTelegramJobThroughRunner(t *testing.T) {
	t.Parallel()

	jobs := memory.NewJobStore()
	blobs := memory.NewBlobStore()
	runner, err := pipeline.NewRunner(pipeline.Deps{
		Scraper: blockingScraper{},
		Jobs:    jobs,
		Blobs:   blobs,
		Clock:   clock.System{},
		IDs:     &id.Sequence{Prefix: "tg"},
	}, pipeline.Config{}, nil)
	require.NoError(t, err)
	server := NewServer(jobs, blobs, runner, runner.Cancels(), Options{}, nil)

	done := make(chan error, 1)
	go func() {
		_, _, err := runner.ScrapeNow(context.Background(), "https://divar.ir/s/tehran/car", pipeline.SourceTelegram)
		done <- err
	}()
	require.Eventually(t, func() bool {
		job, err := jobs.GetJob(context.Background(), "tg-1")
		return err == nil && job.Status == pipeline.JobStatusRunning
	}, time.Second, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/scrapes/tg-1/cancel", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("telegram job kept running after cancel")
	}
	job, err := jobs.GetJob(context.Background(), "tg-1")
	require.NoError(t, err)
	require.Equal(t, pipeline.JobStatusCanceled, job.Status)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/scrapes/tg-1/cancel", nil))
	require.Equal(t, http.StatusConflict, rec.Code)
}

// finishingJobs reports a job as queued but finishes it before any update lands.
type finishingJobs struct {
	*memory.JobStore
}

func (j finishingJobs) UpdateJob(ctx context.Context, jobID string, update pipeline.JobUpdate) error {
	if err := j.JobStore.UpdateJob(ctx, jobID, pipeline.JobUpdate{Status: pipeline.JobStatusSucceeded}); err != nil {
		return err
	}
	return j.JobStore.UpdateJob(ctx, jobID, update)
}

func TestCancelLosesRaceWithRunner(t *testing.T) {
	t.Parallel()

	jobs := memory.NewJobStore()
	require.NoError(t, jobs.CreateJob(context.Background(),
		pipeline.NewJob("job-a", "https://divar.ir/s", pipeline.SourceAPI, time.Now())))
	server := NewServer(finishingJobs{jobs}, memory.NewBlobStore(), &fakeSubmitter{jobs: jobs},
		&fakeCanceler{running: map[string]bool{}}, Options{}, nil)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/scrapes/job-a/cancel", nil))
	require.Equal(t, http.StatusConflict, rec.Code)

	job, err := jobs.GetJob(context.Background(), "job-a")
	require.NoError(t, err)
	require.Equal(t, pipeline.JobStatusSucceeded, job.Status)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{APIKey: "secret"})
	f.seedJob(t, "job-a", pipeline.JobStatusQueued)

	rec := f.do(t, http.MethodGet, "/v1/scrapes/job-a", "")
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Contains(t, rec.Body.String(), "unauthorized")

	req := httptest.NewRequest(http.MethodGet, "/v1/scrapes/job-a", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/scrapes/job-a?api_key=secret", "")
	require.Equal(t, http.StatusOK, rec.Code)

	// Probes stay open.
	rec = f.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()
	h := recoverMiddleware(nopLogger())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "internal server error"))
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	f.do(t, http.MethodGet, "/healthz", "")

	rec := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestValidateSearchURL(t *testing.T) {
	t.Parallel()
	got, err := ValidateSearchURL(" http://divar.ir/s/tehran/car?q=pride ")
	require.NoError(t, err)
	require.Equal(t, "http://divar.ir/s/tehran/car?q=pride", got)

	_, err = ValidateSearchURL("mailto:someone@divar.ir")
	require.Error(t, err)
}

func nopLogger() *zap.Logger { return zap.NewNop() }
