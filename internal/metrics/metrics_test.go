package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	first := runsTotal
	Init()

	if runsTotal == nil || runsTotal != first {
		t.Fatal("Init() should register collectors exactly once")
	}
}

func TestObserveRun(t *testing.T) {
	Init()
	beforeRuns := testutil.ToFloat64(runsTotal.WithLabelValues("oneshot", "success"))
	beforeFetched := testutil.ToFloat64(articlesFetchedTotal)
	beforeInserted := testutil.ToFloat64(articlesInsertedTotal)

	ObserveRun("oneshot", "success", 20, 7, 150*time.Millisecond)

	if got := testutil.ToFloat64(runsTotal.WithLabelValues("oneshot", "success")) - beforeRuns; got != 1 {
		t.Errorf("expected one run recorded, got %f", got)
	}
	if got := testutil.ToFloat64(articlesFetchedTotal) - beforeFetched; got != 20 {
		t.Errorf("expected 20 fetched articles, got %f", got)
	}
	if got := testutil.ToFloat64(articlesInsertedTotal) - beforeInserted; got != 7 {
		t.Errorf("expected 7 inserted articles, got %f", got)
	}
	if count := testutil.CollectAndCount(runDurationSeconds); count != 1 {
		t.Errorf("expected run duration histogram to be collected, got %d", count)
	}
}

func TestObservePageAndSkips(t *testing.T) {
	Init()
	beforePage := testutil.ToFloat64(pagesTotal.WithLabelValues(PageMalformed))
	beforeSkip := testutil.ToFloat64(runsSkippedTotal.WithLabelValues("lease_held"))

	ObservePage(PageMalformed)
	ObserveSkippedRun("lease_held")

	if got := testutil.ToFloat64(pagesTotal.WithLabelValues(PageMalformed)) - beforePage; got != 1 {
		t.Errorf("expected malformed page counted, got %f", got)
	}
	if got := testutil.ToFloat64(runsSkippedTotal.WithLabelValues("lease_held")) - beforeSkip; got != 1 {
		t.Errorf("expected skipped run counted, got %f", got)
	}
}

func TestObserveRateLimitDelay(t *testing.T) {
	Init()
	ObserveRateLimitDelay("analyze.api.tickertape.in", 120*time.Millisecond)

	if count := testutil.CollectAndCount(rateLimitDelaySeconds); count < 1 {
		t.Errorf("expected rate limit histogram to be collected, got %d", count)
	}
}
