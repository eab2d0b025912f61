package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"sentiment-dispatcher/internal/apperr"
	"sentiment-dispatcher/internal/models"
)

// contractCases run against every Store implementation.
var contractCases = []struct {
	name string
	run  func(t *testing.T, st Store)
}{
	{"InsertAndListPreservesOrderAndFields", testInsertAndListPreservesOrderAndFields},
	{"InsertEmptyBatchIsNoop", testInsertEmptyBatchIsNoop},
	{"ListRecordsFilters", testListRecordsFilters},
	{"LabelMatchFoldsNonASCII", testLabelMatchFoldsNonASCII},
	{"CompleteRecordTransitionsOnce", testCompleteRecordTransitionsOnce},
	{"FailRecordKeepsRecord", testFailRecordKeepsRecord},
	{"GetRecord", testGetRecord},
	{"DistinctLabelsTerminalOnly", testDistinctLabelsTerminalOnly},
	{"GroupBySentiment", testGroupBySentiment},
	{"StatsAndClear", testStatsAndClear},
	{"DeleteRecordsLeavesOthers", testDeleteRecordsLeavesOthers},
	{"InsertIsAdditive", testInsertIsAdditive},
}

// runContract runs every contract case on a fresh, empty store from open.
func runContract(t *testing.T, open func(t *testing.T) Store) {
	for _, tc := range contractCases {
		t.Run(tc.name, func(t *testing.T) {
			tc.run(t, open(t))
		})
	}
}

func conf(v float64) *float64 { return &v }

func terminal(id, label, sentiment string, c float64) models.Record {
	return models.Record{
		ID:             id,
		Label:          label,
		Text:           "review " + id,
		Sentiment:      sentiment,
		Confidence:     conf(c),
		Status:         models.StatusSucceeded,
		Timestamp:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		ProcessingMode: models.ModeSynchronous,
	}
}

func pending(id, label, jobID string) models.Record {
	return models.Record{
		ID:             id,
		Label:          label,
		Status:         models.StatusQueued,
		Timestamp:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		ProcessingMode: models.ModeBackground,
		JobID:          jobID,
	}
}

func seed(t *testing.T, st Store, recs ...models.Record) {
	t.Helper()
	n, err := st.InsertRecords(context.Background(), recs)
	if err != nil {
		t.Fatalf("InsertRecords: %v", err)
	}
	if n != len(recs) {
		t.Fatalf("expected %d inserted, got %d", len(recs), n)
	}
}

func testInsertAndListPreservesOrderAndFields(t *testing.T, st Store) {
	ctx := context.Background()
	seed(t, st,
		terminal("r1", "Nova", models.SentimentPositive, 0.9),
		pending("r2", "Nova", "job-2"),
	)

	got, err := st.ListRecords(ctx, Filter{})
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0].ID != "r1" || got[0].Confidence == nil || *got[0].Confidence != 0.9 {
		t.Fatalf("unexpected first record: %+v", got[0])
	}
	if !got[0].Timestamp.Equal(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("timestamp not round-tripped: %s", got[0].Timestamp)
	}
	if got[1].Confidence != nil || got[1].Sentiment != "" || got[1].JobID != "job-2" {
		t.Fatalf("pending record should carry job id and no sentiment: %+v", got[1])
	}
}

func testInsertEmptyBatchIsNoop(t *testing.T, st Store) {
	n, err := st.InsertRecords(context.Background(), nil)
	if err != nil || n != 0 {
		t.Fatalf("expected 0,nil got %d,%v", n, err)
	}
}

func testListRecordsFilters(t *testing.T, st Store) {
	ctx := context.Background()
	seed(t, st,
		terminal("r1", "Nova Prime", models.SentimentPositive, 0.9),
		terminal("r2", "nova", models.SentimentNegative, 0.7),
		terminal("r3", "Dune", models.SentimentPositive, 0.6),
		pending("r4", "Nova", "job-4"),
		terminal("r5", "100%_Proof", models.SentimentPositive, 0.5),
	)

	byName, err := st.ListRecords(ctx, Filter{Label: "NOVA"})
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if len(byName) != 3 {
		t.Fatalf("expected 3 nova records, got %d", len(byName))
	}

	positive, err := st.ListRecords(ctx, Filter{Label: "nova", Sentiment: models.SentimentPositive})
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if len(positive) != 1 || positive[0].ID != "r1" {
		t.Fatalf("expected only r1, got %+v", positive)
	}

	withPending, err := st.ListRecords(ctx, Filter{Sentiment: models.SentimentNegative, IncludePending: true})
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if len(withPending) != 2 {
		t.Fatalf("expected negative + pending, got %d", len(withPending))
	}

	literal, err := st.ListRecords(ctx, Filter{Label: "%_"})
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if len(literal) != 1 || literal[0].ID != "r5" {
		t.Fatalf("like wildcards must be escaped, got %+v", literal)
	}
}

func testCompleteRecordTransitionsOnce(t *testing.T, st Store) {
	ctx := context.Background()
	seed(t, st, pending("r1", "Nova", "job-1"))

	ok, err := st.CompleteRecord(ctx, "r1", models.SentimentPositive, 0.8)
	if err != nil || !ok {
		t.Fatalf("expected first completion to apply, ok=%v err=%v", ok, err)
	}
	ok, err = st.CompleteRecord(ctx, "r1", models.SentimentNegative, 0.1)
	if err != nil || ok {
		t.Fatalf("expected second completion to be a no-op, ok=%v err=%v", ok, err)
	}
	ok, err = st.FailRecord(ctx, "r1", "late failure")
	if err != nil || ok {
		t.Fatalf("terminal record must not fail afterwards, ok=%v err=%v", ok, err)
	}

	recs, _ := st.ListRecords(ctx, Filter{})
	r := recs[0]
	if r.Status != models.StatusSucceeded || r.Sentiment != models.SentimentPositive || r.JobID != "" {
		t.Fatalf("unexpected record after completion: %+v", r)
	}
	pendingLeft, _ := st.PendingRecords(ctx)
	if len(pendingLeft) != 0 {
		t.Fatalf("expected no pending records, got %d", len(pendingLeft))
	}
}

func testFailRecordKeepsRecord(t *testing.T, st Store) {
	ctx := context.Background()
	seed(t, st, pending("r1", "Nova", "job-1"))

	ok, err := st.FailRecord(ctx, "r1", "expired")
	if err != nil || !ok {
		t.Fatalf("FailRecord ok=%v err=%v", ok, err)
	}
	recs, _ := st.ListRecords(ctx, Filter{})
	if len(recs) != 1 || recs[0].Status != models.StatusFailed || recs[0].Error != "expired" {
		t.Fatalf("unexpected failed record: %+v", recs)
	}
}

func testDistinctLabelsTerminalOnly(t *testing.T, st Store) {
	ctx := context.Background()
	seed(t, st,
		terminal("r1", "Nova", models.SentimentPositive, 0.9),
		terminal("r2", "Alien", models.SentimentNegative, 0.7),
		terminal("r3", "Nova", models.SentimentNegative, 0.6),
		pending("r4", "Zed", "job-4"),
	)
	labels, err := st.DistinctLabels(ctx)
	if err != nil {
		t.Fatalf("DistinctLabels: %v", err)
	}
	if len(labels) != 2 || labels[0] != "Alien" || labels[1] != "Nova" {
		t.Fatalf("unexpected labels %v", labels)
	}
}

func testGroupBySentiment(t *testing.T, st Store) {
	ctx := context.Background()
	seed(t, st,
		terminal("r1", "Nova", models.SentimentPositive, 0.9),
		terminal("r2", "Nova", models.SentimentPositive, 0.7),
		terminal("r3", "Nova", models.SentimentNegative, 0.8),
		terminal("r4", "Alien", models.SentimentNegative, 0.4),
		pending("r5", "Nova", "job-5"),
	)
	groups, err := st.GroupBySentiment(ctx, "")
	if err != nil {
		t.Fatalf("GroupBySentiment: %v", err)
	}
	if len(groups) != 3 {
		t.Fatalf("expected 3 groups, got %+v", groups)
	}
	if groups[0].Label != "Alien" || groups[1].Label != "Nova" || groups[1].Sentiment != models.SentimentPositive {
		t.Fatalf("unexpected ordering %+v", groups)
	}
	if groups[1].Count != 2 || groups[1].AvgConfidence < 0.799 || groups[1].AvgConfidence > 0.801 {
		t.Fatalf("unexpected positive group %+v", groups[1])
	}

	filtered, err := st.GroupBySentiment(ctx, "ali")
	if err != nil {
		t.Fatalf("GroupBySentiment: %v", err)
	}
	if len(filtered) != 1 || filtered[0].Label != "Alien" {
		t.Fatalf("unexpected filtered groups %+v", filtered)
	}
}

func testStatsAndClear(t *testing.T, st Store) {
	ctx := context.Background()
	seed(t, st,
		terminal("r1", "Nova", models.SentimentPositive, 0.9),
		terminal("r2", "Alien", models.SentimentNegative, 0.7),
		terminal("r3", "Nova", models.SentimentNegative, 0.6),
		pending("r4", "Zed", "job-4"),
		pending("r5", "Zed", "job-5"),
	)
	stats, err := st.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Status != "connected" || stats.TotalDocuments != 5 || stats.UniqueMovies != 2 || stats.PendingCount != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.SentimentCounts[models.SentimentNegative] != 2 || stats.SentimentCounts[models.SentimentPositive] != 1 {
		t.Fatalf("unexpected sentiment counts %+v", stats.SentimentCounts)
	}

	n, err := st.Clear(ctx)
	if err != nil || n != 5 {
		t.Fatalf("Clear got %d,%v", n, err)
	}
	recs, _ := st.ListRecords(ctx, Filter{})
	if len(recs) != 0 {
		t.Fatalf("expected empty store, got %d", len(recs))
	}
}

func testInsertIsAdditive(t *testing.T, st Store) {
	ctx := context.Background()
	seed(t, st, terminal("r1", "Nova", models.SentimentPositive, 0.9))
	seed(t, st, terminal("r2", "Nova", models.SentimentNegative, 0.2))
	recs, _ := st.ListRecords(ctx, Filter{})
	if len(recs) != 2 {
		t.Fatalf("second insert must not wipe the first, got %d", len(recs))
	}
}

func testLabelMatchFoldsNonASCII(t *testing.T, st Store) {
	ctx := context.Background()
	seed(t, st,
		terminal("r1", "École", models.SentimentPositive, 0.9),
		terminal("r2", "AMÉLIE", models.SentimentNegative, 0.6),
		terminal("r3", "Nova", models.SentimentPositive, 0.7),
	)

	for _, q := range []string{"École", "école", "ÉCOLE", "cole"} {
		got, err := st.ListRecords(ctx, Filter{Label: q})
		if err != nil {
			t.Fatalf("ListRecords(%q): %v", q, err)
		}
		if len(got) != 1 || got[0].ID != "r1" || got[0].Label != "École" {
			t.Fatalf("ListRecords(%q) = %+v, want r1 with its original label", q, got)
		}
	}

	got, err := st.ListRecords(ctx, Filter{Label: "amélie", Sentiment: models.SentimentNegative})
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if len(got) != 1 || got[0].ID != "r2" {
		t.Fatalf("expected AMÉLIE for a lower-case query, got %+v", got)
	}

	groups, err := st.GroupBySentiment(ctx, "Amélie")
	if err != nil {
		t.Fatalf("GroupBySentiment: %v", err)
	}
	if len(groups) != 1 || groups[0].Label != "AMÉLIE" || groups[0].Count != 1 {
		t.Fatalf("unexpected groups for a mixed-case query %+v", groups)
	}
}

func testGetRecord(t *testing.T, st Store) {
	ctx := context.Background()
	seed(t, st, terminal("r1", "Nova", models.SentimentPositive, 0.9), pending("r2", "Nova", "job-2"))

	got, err := st.GetRecord(ctx, "r2")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if got.ID != "r2" || got.JobID != "job-2" || !got.Pending() {
		t.Fatalf("unexpected record %+v", got)
	}
	if _, err := st.GetRecord(ctx, "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func testDeleteRecordsLeavesOthers(t *testing.T, st Store) {
	ctx := context.Background()
	seed(t, st,
		terminal("r1", "Nova", models.SentimentPositive, 0.9),
		terminal("r2", "Nova", models.SentimentNegative, 0.7),
		pending("r3", "Dune", "job-3"),
	)

	n, err := st.DeleteRecords(ctx, []string{"r1", "r3", "unknown"})
	if err != nil || n != 2 {
		t.Fatalf("DeleteRecords got %d,%v", n, err)
	}
	left, _ := st.ListRecords(ctx, Filter{})
	if len(left) != 1 || left[0].ID != "r2" {
		t.Fatalf("expected only r2 left, got %+v", left)
	}
	if n, err := st.DeleteRecords(ctx, nil); err != nil || n != 0 {
		t.Fatalf("empty delete got %d,%v", n, err)
	}
}
