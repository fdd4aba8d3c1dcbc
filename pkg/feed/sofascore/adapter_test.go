package sofascore

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/goalfuse/goalfuse/pkg/feed"
	"github.com/goalfuse/goalfuse/pkg/match"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return New(Config{
		WSURL:       "wss://example.invalid/ws",
		SnapshotURL: "https://example.invalid/snapshot",
		Sports:      []string{"football"},
	}, logger)
}

func TestNormalizeFullPush(t *testing.T) {
	a := newTestAdapter(t)

	var ev pushEvent
	raw := `{
		"id": 101,
		"homeTeam": {"name": "Arsenal FC"},
		"awayTeam": {"name": "Chelsea FC"},
		"tournament": {"name": "Premier League"},
		"sport": "football",
		"startTimestamp": 1760000000,
		"status": {"type": "inprogress"},
		"homeScore": {"current": 1},
		"awayScore": {"current": 0},
		"lastPeriod": "period1"
	}`
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatal(err)
	}

	update, ok := a.normalize(ev)
	if !ok {
		t.Fatal("full push should normalize")
	}
	if update.SourceID != SourceID || update.SourceEventID != "101" {
		t.Errorf("identity = %s/%s", update.SourceID, update.SourceEventID)
	}
	if update.HomeTeam != "Arsenal FC" || update.AwayTeam != "Chelsea FC" {
		t.Errorf("teams = %q vs %q", update.HomeTeam, update.AwayTeam)
	}
	if update.Status != feed.EventLive {
		t.Errorf("status = %s, want live", update.Status)
	}
	if update.Score == nil || update.Score.Home != 1 || update.Score.Away != 0 {
		t.Errorf("score = %+v", update.Score)
	}
}

func TestNormalizeEnrichesFromMetaCache(t *testing.T) {
	a := newTestAdapter(t)
	a.meta.put("202", matchMeta{
		Home:      "Team X",
		Away:      "Team Y",
		Sport:     "football",
		League:    "Premier League",
		StartTime: time.Unix(1760000000, 0).UTC(),
	})

	// Partial push without team names, as subsequent updates arrive.
	var ev pushEvent
	raw := `{"id": 202, "homeScore": {"current": 2}, "awayScore": {"current": 1}, "status": {"type": "inprogress"}}`
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatal(err)
	}

	update, ok := a.normalize(ev)
	if !ok {
		t.Fatal("partial push with cached meta should normalize")
	}
	if update.HomeTeam != "Team X" || update.AwayTeam != "Team Y" {
		t.Errorf("teams not enriched: %q vs %q", update.HomeTeam, update.AwayTeam)
	}
	if update.League != "Premier League" || update.Sport != "football" {
		t.Errorf("meta not enriched: %q %q", update.League, update.Sport)
	}
}

func TestNormalizeDropsUnresolvable(t *testing.T) {
	a := newTestAdapter(t)

	var ev pushEvent
	raw := `{"id": 303, "homeScore": {"current": 1}, "awayScore": {"current": 0}}`
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatal(err)
	}

	if _, ok := a.normalize(ev); ok {
		t.Error("push with no team names and no cached meta must be dropped")
	}
}

func TestFullPushSeedsMetaCache(t *testing.T) {
	a := newTestAdapter(t)

	var ev pushEvent
	raw := `{"id": 404, "homeTeam": {"name": "Team X"}, "awayTeam": {"name": "Team Y"}, "sport": "football"}`
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatal(err)
	}
	if _, ok := a.normalize(ev); !ok {
		t.Fatal("full push should normalize")
	}

	m, ok := a.meta.get("404")
	if !ok || m.Home != "Team X" || m.Away != "Team Y" {
		t.Errorf("meta cache not seeded from full push: %+v ok=%v", m, ok)
	}
}

func TestHandlePayloadFiltersTargets(t *testing.T) {
	a := newTestAdapter(t)
	a.SetTargetFilter(match.NewTargetFilter([]match.TargetEvent{
		{ID: "tgt-1", HomeTeam: "Arsenal", AwayTeam: "Chelsea"},
	}))

	accepted := `{"id": 1, "homeTeam": {"name": "Arsenal FC"}, "awayTeam": {"name": "Chelsea FC"}, "status": {"type": "inprogress"}}`
	rejected := `{"id": 2, "homeTeam": {"name": "Watford"}, "awayTeam": {"name": "Luton"}, "status": {"type": "inprogress"}}`

	a.handlePayload([]byte(accepted))
	a.handlePayload([]byte(rejected))
	a.handlePayload([]byte(`{malformed`)) // dropped, not fatal

	select {
	case u := <-a.updates:
		if u.SourceEventID != "1" {
			t.Errorf("emitted event %s, want 1", u.SourceEventID)
		}
	default:
		t.Fatal("accepted event was not emitted")
	}

	select {
	case u := <-a.updates:
		t.Errorf("unexpected second emission: %+v", u)
	default:
	}
}
