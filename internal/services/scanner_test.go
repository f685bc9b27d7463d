package services

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/mescon/contentguardian/internal/db"
	"github.com/mescon/contentguardian/internal/domain"
	"github.com/mescon/contentguardian/internal/testutil"
)

var scanNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

type scanFixture struct {
	repo   *db.Repository
	source *testutil.MockPageSource
	bus    *testutil.MockEventBus
	clock  *testutil.MockClock
	svc    *ScanService
}

func newScanFixture(t *testing.T, settings map[string]interface{}) *scanFixture {
	t.Helper()
	f := &scanFixture{
		repo:   testutil.NewTestRepo(t),
		source: testutil.NewMockPageSource(),
		bus:    testutil.NewMockEventBus(),
		clock:  testutil.NewMockClockAt(scanNow),
	}
	if settings != nil {
		if err := f.repo.SaveSettings(context.Background(), settings); err != nil {
			t.Fatalf("SaveSettings: %v", err)
		}
	}
	f.svc = NewScanService(f.repo, f.source, f.bus, f.clock, ScanOptions{BatchSize: 50, Concurrency: 3})
	return f
}

func (f *scanFixture) run(t *testing.T) *ScanResult {
	t.Helper()
	res, err := f.svc.Run(context.Background(), domain.ScanModeReal)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return res
}

func staleRules(period int) map[string]interface{} {
	return map[string]interface{}{
		"rules": map[string]interface{}{
			"stale": map[string]interface{}{"enabled": true, "period": period},
		},
	}
}

func daysAgo(n int) time.Time {
	return scanNow.AddDate(0, 0, -n)
}

func assertUnlocked(t *testing.T, repo *db.Repository) {
	t.Helper()
	lock, err := repo.GetScanLock(context.Background())
	if err != nil {
		t.Fatalf("GetScanLock: %v", err)
	}
	if lock != nil {
		t.Errorf("lock still held after run: %+v", lock)
	}
}

func TestScan_StalePageAfterFortyDays(t *testing.T) {
	f := newScanFixture(t, staleRules(30))
	f.source.SpaceKeys["S1"] = "ENG"
	f.source.AddBatch("", "", testutil.NewPage("101", "Runbook", "S1", daysAgo(40)))

	res := f.run(t)

	if !res.OK || res.Detected != 1 || res.Total != 1 || res.Created != 1 {
		t.Fatalf("result = %+v, want ok with 1 detected, 1 created, total 1", res)
	}
	item := testutil.MustGetDetected(t, f.repo, "101")
	if !item.Flags.Stale || item.Flags.Inactive || item.Flags.Orphaned || item.Flags.Incomplete {
		t.Errorf("flags = %+v, want stale only", item.Flags)
	}
	if item.ImpactScore != 50 {
		t.Errorf("impactScore = %d, want 50", item.ImpactScore)
	}
	if item.Status != domain.StatusDetected || item.StatusAt != nil {
		t.Errorf("status = %q (at %v), want detected without statusAt", item.Status, item.StatusAt)
	}
	if item.SpaceKeyOr("") != "ENG" {
		t.Errorf("spaceKey = %v, want ENG", item.SpaceKey)
	}
	if idx := testutil.MustIndex(t, f.repo); !reflect.DeepEqual(idx, []string{"101"}) {
		t.Errorf("index = %v, want [101]", idx)
	}
	last, _ := f.repo.GetLastScan(context.Background())
	if last == nil || !last.Equal(scanNow) {
		t.Errorf("lastScan = %v, want %v", last, scanNow)
	}
	assertUnlocked(t, f.repo)
}

func TestScan_UnflaggedPagesAreNotStored(t *testing.T) {
	f := newScanFixture(t, staleRules(30))
	f.source.AddBatch("", "", testutil.NewPage("1", "Fresh", "", daysAgo(3)))

	res := f.run(t)

	if res.Detected != 0 || res.Total != 0 {
		t.Errorf("result = %+v, want nothing detected", res)
	}
	if _, err := f.repo.GetDetected(context.Background(), "1"); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("GetDetected err = %v, want ErrNotFound", err)
	}
}

func TestScan_TwoPagePagination(t *testing.T) {
	f := newScanFixture(t, staleRules(30))
	f.source.AddBatch("", "c2",
		testutil.NewPage("a", "A", "", daysAgo(60)),
		testutil.NewPage("b", "B", "", daysAgo(2)),
	)
	f.source.AddBatch("c2", "",
		testutil.NewPage("c", "C", "", daysAgo(31)),
	)

	res := f.run(t)

	if !reflect.DeepEqual(f.source.FetchCalls, []string{"", "c2"}) {
		t.Errorf("fetch cursors = %q, want [\"\" c2]", f.source.FetchCalls)
	}
	if idx := testutil.MustIndex(t, f.repo); !reflect.DeepEqual(idx, []string{"a", "c"}) {
		t.Errorf("index = %v, want [a c]", idx)
	}
	if res.Detected != 2 || res.Total != 2 {
		t.Errorf("result = %+v", res)
	}
	if n := f.bus.EventCount(domain.ScanProgress); n != 1 {
		t.Errorf("progress events = %d, want 1 (one non-final batch)", n)
	}
	if f.bus.EventCount(domain.ScanStarted) != 1 || f.bus.EventCount(domain.ScanCompleted) != 1 {
		t.Error("expected one started and one completed event")
	}
	if state, _ := f.repo.LoadScanState(context.Background()); state != nil {
		t.Errorf("checkpoint not cleared: %s", state)
	}
}

func TestScan_EmptyFirstBatchFinalizes(t *testing.T) {
	f := newScanFixture(t, staleRules(30))
	testutil.SeedDetected(t, f.repo,
		testutil.NewDetectedItem("old"),
		testutil.NewDetectedItem("kept", testutil.WithStatus(domain.StatusWhitelisted)),
	)
	f.source.AddBatch("", "c-unused")

	res := f.run(t)

	if len(f.source.FetchCalls) != 1 {
		t.Errorf("fetch calls = %d, want 1", len(f.source.FetchCalls))
	}
	if idx := testutil.MustIndex(t, f.repo); !reflect.DeepEqual(idx, []string{"kept"}) {
		t.Errorf("index = %v, want only the decided item", idx)
	}
	if res.Total != 1 || res.Detected != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestScan_DecisionPermanence(t *testing.T) {
	f := newScanFixture(t, staleRules(30))
	archived := testutil.NewDetectedItem("p1", testutil.WithStatus(domain.StatusArchived))
	gone := testutil.NewDetectedItem("p2", testutil.WithStatus(domain.StatusTagged))
	undecided := testutil.NewDetectedItem("p3")
	testutil.SeedDetected(t, f.repo, archived, gone, undecided)

	// p1 still matches, p2 and p3 are no longer returned by the source.
	f.source.AddBatch("", "", testutil.NewPage("p1", "Still stale", "", daysAgo(100)))

	f.run(t)

	got := testutil.MustGetDetected(t, f.repo, "p1")
	if got.Status != domain.StatusArchived {
		t.Errorf("p1 status = %q, want archived preserved", got.Status)
	}
	if got.StatusAt == nil || !got.StatusAt.Equal(*archived.StatusAt) {
		t.Errorf("p1 statusAt = %v, want %v", got.StatusAt, archived.StatusAt)
	}
	if got.Title != "Still stale" {
		t.Errorf("p1 title = %q, want refreshed title", got.Title)
	}

	idx := testutil.MustIndex(t, f.repo)
	if !reflect.DeepEqual(idx, []string{"p1", "p2"}) {
		t.Errorf("index = %v, want [p1 p2]", idx)
	}
	// The undecided record is dropped from the index but not deleted.
	testutil.MustGetDetected(t, f.repo, "p3")
}

func TestScan_Idempotent(t *testing.T) {
	f := newScanFixture(t, map[string]interface{}{
		"rules": map[string]interface{}{
			"stale":      map[string]interface{}{"enabled": true, "period": 30},
			"incomplete": map[string]interface{}{"enabled": true},
		},
	})
	f.source.AddBatch("", "n",
		testutil.NewPage("1", "WIP notes", "", daysAgo(1)),
		testutil.NewPage("2", "Old", "", daysAgo(90)),
	)
	f.source.AddBatch("n", "", testutil.NewPage("3", "Done", "", daysAgo(1)))

	first := f.run(t)
	idx1 := testutil.MustIndex(t, f.repo)
	item1 := testutil.MustGetDetected(t, f.repo, "1")

	second := f.run(t)
	idx2 := testutil.MustIndex(t, f.repo)
	item2 := testutil.MustGetDetected(t, f.repo, "1")

	if !reflect.DeepEqual(idx1, idx2) {
		t.Errorf("index changed between runs: %v vs %v", idx1, idx2)
	}
	if !reflect.DeepEqual(item1, item2) {
		t.Errorf("item changed between runs:\n%+v\n%+v", item1, item2)
	}
	if first.Created != 2 || second.Created != 0 {
		t.Errorf("created = %d then %d, want 2 then 0", first.Created, second.Created)
	}
	if !item1.Flags.Incomplete || item1.ImpactScore != 25 {
		t.Errorf("item 1 = %+v, want incomplete with score 25", item1)
	}
}

func TestScan_Whitelist(t *testing.T) {
	f := newScanFixture(t, map[string]interface{}{
		"rules": map[string]interface{}{
			"stale": map[string]interface{}{"enabled": true, "period": 1},
		},
		"whitelist": map[string]interface{}{
			"pageIds":   []interface{}{"by-id"},
			"spaceKeys": []interface{}{"HR"},
		},
	})
	f.source.SpaceKeys["s-hr"] = "HR"
	f.source.SpaceKeys["s-eng"] = "ENG"
	f.source.SpaceErr["s-broken"] = errors.New("boom")
	f.source.AddBatch("", "",
		testutil.NewPage("by-id", "x", "s-eng", daysAgo(10)),
		testutil.NewPage("by-space", "x", "s-hr", daysAgo(10)),
		testutil.NewPage("kept", "x", "s-eng", daysAgo(10)),
		testutil.NewPage("unresolved", "x", "s-broken", daysAgo(10)),
	)

	f.run(t)

	idx := testutil.MustIndex(t, f.repo)
	if !reflect.DeepEqual(idx, []string{"kept", "unresolved"}) {
		t.Errorf("index = %v, want [kept unresolved]", idx)
	}
	if item := testutil.MustGetDetected(t, f.repo, "unresolved"); item.SpaceKey != nil {
		t.Errorf("unresolved spaceKey = %v, want nil", *item.SpaceKey)
	}
	for _, id := range f.source.SpaceCalls {
		if id == "" {
			t.Error("space lookup issued without a space id")
		}
	}
}

func TestScan_OrphanedRule(t *testing.T) {
	tests := []struct {
		name         string
		enabled      bool
		children     bool
		childErr     error
		wantOrphaned bool
		wantCalls    int
	}{
		{"disabled issues no lookup", false, false, nil, false, 0},
		{"leaf page is orphaned", true, false, nil, true, 1},
		{"page with children", true, true, nil, false, 1},
		{"lookup failure never flags", true, false, errors.New("timeout"), false, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newScanFixture(t, map[string]interface{}{
				"rules": map[string]interface{}{
					"stale":    map[string]interface{}{"enabled": true, "period": 30},
					"orphaned": map[string]interface{}{"enabled": tt.enabled},
				},
			})
			f.source.Children["p"] = tt.children
			if tt.childErr != nil {
				f.source.ChildErr["p"] = tt.childErr
			}
			f.source.AddBatch("", "", testutil.NewPage("p", "Page", "", daysAgo(45)))

			f.run(t)

			item := testutil.MustGetDetected(t, f.repo, "p")
			if item.Flags.Orphaned != tt.wantOrphaned {
				t.Errorf("orphaned = %v, want %v", item.Flags.Orphaned, tt.wantOrphaned)
			}
			if _, calls, _ := f.source.CallCounts(); calls != tt.wantCalls {
				t.Errorf("children lookups = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestScan_PageDefaults(t *testing.T) {
	f := newScanFixture(t, map[string]interface{}{
		"rules": map[string]interface{}{
			"incomplete": map[string]interface{}{"enabled": true, "pattern": "^$"},
		},
	})
	f.source.AddBatch("", "", domain.PageRecord{ID: "bare"})

	f.run(t)

	item := testutil.MustGetDetected(t, f.repo, "bare")
	if !item.CreatedAt.Equal(scanNow) || !item.LastUpdated.Equal(scanNow) {
		t.Errorf("dates = %v / %v, want both %v", item.CreatedAt, item.LastUpdated, scanNow)
	}
	if item.Title != "" {
		t.Errorf("title = %q, want empty", item.Title)
	}
}

func TestScan_FailureKeepsCheckpointAndResumes(t *testing.T) {
	f := newScanFixture(t, staleRules(30))
	testutil.SeedDetected(t, f.repo, testutil.NewDetectedItem("prior"))
	f.source.AddBatch("", "c2", testutil.NewPage("a", "A", "", daysAgo(50)))
	f.source.AddBatch("c2", "", testutil.NewPage("b", "B", "", daysAgo(50)))
	f.source.FailAt("c2", errors.New("upstream 503"))

	res, err := f.svc.Run(context.Background(), domain.ScanModeReal)
	if err == nil {
		t.Fatal("expected the run to fail")
	}
	if res == nil || res.OK || res.Error == "" {
		t.Fatalf("result = %+v, want ok=false with error", res)
	}
	assertUnlocked(t, f.repo)

	// Index untouched, first batch upsert kept.
	if idx := testutil.MustIndex(t, f.repo); !reflect.DeepEqual(idx, []string{"prior"}) {
		t.Errorf("index = %v, want untouched [prior]", idx)
	}
	testutil.MustGetDetected(t, f.repo, "a")

	raw, _ := f.repo.LoadScanState(context.Background())
	var state ScanState
	if err := json.Unmarshal(raw, &state); err != nil {
		t.Fatalf("checkpoint unreadable: %v", err)
	}
	if state.Phase != PhaseProcessing || state.Progress.Cursor == nil || *state.Progress.Cursor != "c2" {
		t.Fatalf("checkpoint = %+v, want processing at cursor c2", state)
	}
	if state.Progress.ProcessedCount != 1 || !reflect.DeepEqual(state.AllProcessedIDs, []string{"a"}) {
		t.Errorf("checkpoint progress = %+v ids %v", state.Progress, state.AllProcessedIDs)
	}
	if f.bus.EventCount(domain.ScanFailed) != 1 {
		t.Error("expected a ScanFailed event")
	}

	// Settings change between attempts must not affect the resumed run.
	if err := f.repo.SaveSettings(context.Background(), map[string]interface{}{}); err != nil {
		t.Fatal(err)
	}
	f.source.ClearFailure("c2")

	res = f.run(t)

	if !res.Resumed {
		t.Error("second run should report resumed")
	}
	if got := f.source.FetchCalls; !reflect.DeepEqual(got, []string{"", "c2", "c2"}) {
		t.Errorf("fetch cursors = %q, want resume at c2", got)
	}
	if idx := testutil.MustIndex(t, f.repo); !reflect.DeepEqual(idx, []string{"a", "b"}) {
		t.Errorf("index = %v, want [a b]", idx)
	}
	runs, total, err := f.repo.ListScanRuns(context.Background(), 10, 0)
	if err != nil || total != 2 {
		t.Fatalf("ListScanRuns = %d runs, err %v", total, err)
	}
	statuses := map[string]int{}
	for _, r := range runs {
		statuses[r.Status]++
	}
	if statuses[db.ScanRunFailed] != 1 || statuses[db.ScanRunCompleted] != 1 {
		t.Errorf("run statuses = %v", statuses)
	}
}

func TestScan_LiveLockBlocks(t *testing.T) {
	f := newScanFixture(t, staleRules(30))
	ctx := context.Background()
	held := domain.ScanLock{Timestamp: scanNow.Add(-time.Minute), Mode: domain.ScanModeScheduled}
	if err := f.repo.WriteScanLock(ctx, held); err != nil {
		t.Fatal(err)
	}

	res, err := f.svc.Run(ctx, domain.ScanModeReal)
	if !errors.Is(err, ErrScanInProgress) || res != nil {
		t.Fatalf("Run = %+v, %v; want ErrScanInProgress", res, err)
	}
	if fetch, _, _ := f.source.CallCounts(); fetch != 0 {
		t.Errorf("fetch calls = %d, want none while locked", fetch)
	}
	lock, _ := f.repo.GetScanLock(ctx)
	if lock == nil || !lock.Timestamp.Equal(held.Timestamp) || lock.Mode != held.Mode {
		t.Errorf("lock = %+v, want the other holder's lock untouched", lock)
	}
}

func TestScan_ExpiredLockIsTakenOver(t *testing.T) {
	f := newScanFixture(t, staleRules(30))
	ctx := context.Background()
	if err := f.repo.WriteScanLock(ctx, domain.ScanLock{Timestamp: scanNow.Add(-DefaultLockTTL), Mode: domain.ScanModeReal}); err != nil {
		t.Fatal(err)
	}
	f.source.AddBatch("", "")

	if _, err := f.svc.Run(ctx, domain.ScanModeScheduled); err != nil {
		t.Fatalf("Run with expired lock: %v", err)
	}
	assertUnlocked(t, f.repo)
}

func TestScan_Simulated(t *testing.T) {
	f := newScanFixture(t, staleRules(30))
	testutil.SeedDetected(t, f.repo, testutil.NewDetectedItem("1"), testutil.NewDetectedItem("2"))
	f.source.AddBatch("", "", testutil.NewPage("x", "X", "", daysAgo(99)))

	res, err := f.svc.Run(context.Background(), domain.ScanModeSimulated)
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK || res.Mode != domain.ScanModeSimulated || res.Created != 0 || res.Total != 2 || res.LastScan != nil {
		t.Errorf("result = %+v", res)
	}
	if fetch, children, space := f.source.CallCounts(); fetch+children+space != 0 {
		t.Error("simulated scan must not call the page source")
	}
	if len(f.bus.PublishedEvents) != 0 {
		t.Error("simulated scan must not publish events")
	}
}

// cancelingSource cancels the run's context while serving the first batch.
type cancelingSource struct {
	*testutil.MockPageSource
	cancel context.CancelFunc
}

func (c *cancelingSource) FetchPageBatch(ctx context.Context, cursor *string, limit int) (*domain.PageBatch, error) {
	c.cancel()
	return c.MockPageSource.FetchPageBatch(ctx, cursor, limit)
}

func TestScan_CancelledContextStopsRun(t *testing.T) {
	f := newScanFixture(t, staleRules(30))
	f.source.AddBatch("", "n", testutil.NewPage("a", "A", "", daysAgo(50)))
	f.source.AddBatch("n", "", testutil.NewPage("b", "B", "", daysAgo(50)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := NewScanService(f.repo, &cancelingSource{MockPageSource: f.source, cancel: cancel}, f.bus, f.clock, ScanOptions{})

	res, err := svc.Run(ctx, domain.ScanModeReal)
	if err == nil || res == nil || res.OK {
		t.Fatalf("Run = %+v, %v; want failure", res, err)
	}
	if fetch, _, _ := f.source.CallCounts(); fetch != 1 {
		t.Errorf("fetch calls = %d, want the walk to stop after the first", fetch)
	}
	if idx := testutil.MustIndex(t, f.repo); len(idx) != 0 {
		t.Errorf("index = %v, want untouched", idx)
	}
	assertUnlocked(t, f.repo)
}

func TestScan_StartRunsInBackground(t *testing.T) {
	f := newScanFixture(t, staleRules(30))
	f.source.AddBatch("", "", testutil.NewPage("a", "A", "", daysAgo(50)))

	runID, err := f.svc.Start(context.Background(), domain.ScanModeReal)
	if err != nil || runID == "" {
		t.Fatalf("Start = %q, %v", runID, err)
	}
	f.svc.wg.Wait()

	if idx := testutil.MustIndex(t, f.repo); !reflect.DeepEqual(idx, []string{"a"}) {
		t.Errorf("index = %v", idx)
	}
	ev := f.bus.LastEvent()
	if ev == nil || ev.EventType != domain.ScanCompleted || ev.AggregateID != runID {
		t.Errorf("last event = %+v, want ScanCompleted for %s", ev, runID)
	}
	if f.svc.CurrentRun() != nil {
		t.Error("CurrentRun should be nil after completion")
	}
}

func TestScan_ResumePending(t *testing.T) {
	f := newScanFixture(t, staleRules(30))
	ctx := context.Background()

	// Nothing stored: no scan.
	if err := f.svc.ResumePending(ctx); err != nil {
		t.Fatal(err)
	}
	if fetch, _, _ := f.source.CallCounts(); fetch != 0 {
		t.Fatal("ResumePending started a scan without a checkpoint")
	}

	cursor := "c9"
	state := &ScanState{
		Phase:           PhaseProcessing,
		Progress:        ScanProgressState{Cursor: &cursor, ProcessedCount: 50},
		AllProcessedIDs: []string{"earlier"},
		StartedAt:       scanNow.Add(-time.Hour),
	}
	state.Settings.Rules.Stale.Enabled = true
	state.Settings.Rules.Stale.Period = 30
	if err := f.svc.checkpoint.Save(ctx, state); err != nil {
		t.Fatal(err)
	}
	testutil.SeedDetected(t, f.repo, testutil.NewDetectedItem("earlier"))
	f.source.AddBatch("c9", "", testutil.NewPage("late", "L", "", daysAgo(40)))

	if err := f.svc.ResumePending(ctx); err != nil {
		t.Fatal(err)
	}
	f.svc.wg.Wait()

	if !reflect.DeepEqual(f.source.FetchCalls, []string{"c9"}) {
		t.Errorf("fetch cursors = %q, want [c9]", f.source.FetchCalls)
	}
	if idx := testutil.MustIndex(t, f.repo); !reflect.DeepEqual(idx, []string{"earlier", "late"}) {
		t.Errorf("index = %v", idx)
	}
}

func TestScan_DuplicateIDsAcrossBatchesCountOnce(t *testing.T) {
	f := newScanFixture(t, staleRules(30))
	f.source.AddBatch("", "n", testutil.NewPage("dup", "D", "", daysAgo(40)))
	f.source.AddBatch("n", "", testutil.NewPage("dup", "D", "", daysAgo(40)))

	res := f.run(t)

	if res.Detected != 1 || res.Total != 1 {
		t.Errorf("result = %+v, want one detected item", res)
	}
}

func TestScan_UndatedPageDoesNotAbortBatch(t *testing.T) {
	f := newScanFixture(t, staleRules(30))
	f.source.AddBatch("", "",
		testutil.NewPage("good", "Runbook", "", daysAgo(40)),
		domain.PageRecord{ID: "undated", Title: "Draft"},
		testutil.NewPage("also-good", "Postmortem", "", daysAgo(90)),
	)

	res := f.run(t)

	if !res.OK || res.Detected != 2 {
		t.Fatalf("result = %+v, want ok with 2 detected", res)
	}
	if idx := testutil.MustIndex(t, f.repo); !reflect.DeepEqual(idx, []string{"good", "also-good"}) {
		t.Errorf("index = %v, want [good also-good]", idx)
	}
}

// decidingSource archives each page while its children are being looked up,
// the way a concurrent bulk action would.
type decidingSource struct {
	*testutil.MockPageSource
	repo *db.Repository
	at   time.Time
}

func (d *decidingSource) HasChildren(ctx context.Context, pageID string) (bool, error) {
	if err := d.repo.UpdateDetectedStatus(ctx, pageID, domain.StatusArchived, d.at); err != nil {
		return false, err
	}
	return d.MockPageSource.HasChildren(ctx, pageID)
}

func TestScan_DecisionDuringBatchIsKept(t *testing.T) {
	f := newScanFixture(t, map[string]interface{}{
		"rules": map[string]interface{}{
			"stale":    map[string]interface{}{"enabled": true, "period": 30},
			"orphaned": map[string]interface{}{"enabled": true},
		},
	})
	testutil.SeedDetected(t, f.repo, testutil.NewDetectedItem("p"))
	f.source.AddBatch("", "", testutil.NewPage("p", "Page", "", daysAgo(45)))

	decidedAt := scanNow.Add(-time.Minute)
	src := &decidingSource{MockPageSource: f.source, repo: f.repo, at: decidedAt}
	svc := NewScanService(f.repo, src, f.bus, f.clock, ScanOptions{BatchSize: 50, Concurrency: 3})

	res, err := svc.Run(context.Background(), domain.ScanModeReal)
	if err != nil || !res.OK {
		t.Fatalf("Run = %+v, %v", res, err)
	}

	item := testutil.MustGetDetected(t, f.repo, "p")
	if item.Status != domain.StatusArchived {
		t.Errorf("status = %q, want archived", item.Status)
	}
	if item.StatusAt == nil || !item.StatusAt.Equal(decidedAt) {
		t.Errorf("statusAt = %v, want %v", item.StatusAt, decidedAt)
	}
	if !item.Flags.Orphaned {
		t.Errorf("flags = %+v, want orphaned refreshed", item.Flags)
	}
}

// flakyStore fails selected lock and checkpoint writes.
type flakyStore struct {
	*db.Repository
	writeLockErr error
	clearErr     error
	lockWrites   int
	clears       int
}

func (s *flakyStore) WriteScanLock(ctx context.Context, lock domain.ScanLock) error {
	s.lockWrites++
	if s.writeLockErr != nil {
		return s.writeLockErr
	}
	return s.Repository.WriteScanLock(ctx, lock)
}

func (s *flakyStore) ClearScanState(ctx context.Context) error {
	s.clears++
	if s.clearErr != nil {
		return s.clearErr
	}
	return s.Repository.ClearScanState(ctx)
}

func TestScan_HeartbeatFailureIsIgnored(t *testing.T) {
	f := newScanFixture(t, staleRules(30))
	f.source.AddBatch("", "n", testutil.NewPage("a", "A", "", daysAgo(50)))
	f.source.AddBatch("n", "", testutil.NewPage("b", "B", "", daysAgo(50)))

	store := &flakyStore{Repository: f.repo, writeLockErr: errors.New("disk full")}
	svc := NewScanService(f.repo, f.source, f.bus, f.clock, ScanOptions{Locks: store})

	res, err := svc.Run(context.Background(), domain.ScanModeReal)
	if err != nil || !res.OK {
		t.Fatalf("Run = %+v, %v; want success despite heartbeat errors", res, err)
	}
	if store.lockWrites != 1 {
		t.Errorf("heartbeat writes = %d, want 1 (one non-final batch)", store.lockWrites)
	}
	if idx := testutil.MustIndex(t, f.repo); !reflect.DeepEqual(idx, []string{"a", "b"}) {
		t.Errorf("index = %v, want [a b]", idx)
	}
	assertUnlocked(t, f.repo)
}

func TestScan_CheckpointClearFailureIsIgnored(t *testing.T) {
	f := newScanFixture(t, staleRules(30))
	f.source.AddBatch("", "n", testutil.NewPage("a", "A", "", daysAgo(50)))
	f.source.AddBatch("n", "", testutil.NewPage("b", "B", "", daysAgo(50)))

	store := &flakyStore{Repository: f.repo, clearErr: errors.New("database is locked")}
	svc := NewScanService(f.repo, f.source, f.bus, f.clock, ScanOptions{State: store})

	res, err := svc.Run(context.Background(), domain.ScanModeReal)
	if err != nil || !res.OK {
		t.Fatalf("Run = %+v, %v; want success despite clear failure", res, err)
	}
	if store.clears != 1 {
		t.Errorf("clear attempts = %d, want 1", store.clears)
	}
	if res.Detected != 2 || res.Total != 2 {
		t.Errorf("result = %+v", res)
	}
	if f.bus.EventCount(domain.ScanCompleted) != 1 {
		t.Error("expected a completed event")
	}
	assertUnlocked(t, f.repo)
}

// clockedSource moves the clock forward before every fetch after the first
// and records whether a second scanner could take the lock at that moment.
type clockedSource struct {
	*testutil.MockPageSource
	clock   *testutil.MockClock
	step    time.Duration
	rival   *LockManager
	fetches int
	taken   []bool
}

func (c *clockedSource) FetchPageBatch(ctx context.Context, cursor *string, limit int) (*domain.PageBatch, error) {
	if c.fetches > 0 {
		c.clock.Advance(c.step)
		ok, err := c.rival.Acquire(ctx, domain.ScanModeReal)
		if err != nil {
			return nil, err
		}
		c.taken = append(c.taken, ok)
	}
	c.fetches++
	return c.MockPageSource.FetchPageBatch(ctx, cursor, limit)
}

func TestScan_HeartbeatKeepsLongRunLocked(t *testing.T) {
	f := newScanFixture(t, staleRules(30))
	f.source.AddBatch("", "c2", testutil.NewPage("a", "A", "", daysAgo(50)))
	f.source.AddBatch("c2", "c3", testutil.NewPage("b", "B", "", daysAgo(50)))
	f.source.AddBatch("c3", "", testutil.NewPage("c", "C", "", daysAgo(50)))

	// Two steps add up to more than the TTL, so only the per-batch refresh
	// keeps the lock live for the last fetch.
	src := &clockedSource{
		MockPageSource: f.source,
		clock:          f.clock,
		step:           DefaultLockTTL - time.Minute,
		rival:          NewLockManager(f.repo, f.clock, DefaultLockTTL),
	}
	svc := NewScanService(f.repo, src, f.bus, f.clock, ScanOptions{})

	res, err := svc.Run(context.Background(), domain.ScanModeReal)
	if err != nil || !res.OK {
		t.Fatalf("Run = %+v, %v", res, err)
	}
	if !reflect.DeepEqual(src.taken, []bool{false, false}) {
		t.Errorf("rival acquired = %v, want [false false]", src.taken)
	}
	assertUnlocked(t, f.repo)
}
