package progress

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// countryTally sums accepted opportunities and awarded points per country.
type countryTally struct {
	accepted map[string]int
	points   map[string]int
}

func (c *countryTally) Consume(_ context.Context, batch []Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case StageOpportunityAccepted:
			c.accepted[evt.Country]++
		case StageRunDone:
			c.points[evt.Country] += evt.Points
		}
	}
	return nil
}

func (*countryTally) Close(context.Context) error { return nil }

// A sink that builds a per-country run summary. Close flushes whatever the
// hub still buffers before the sink is closed.
func ExampleHub() {
	tally := &countryTally{accepted: map[string]int{}, points: map[string]int{}}
	hub := NewHub(Config{MaxBatchEvents: 2, MaxBatchWait: time.Minute}, tally)

	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	emit := func(run, country string, stage Stage, points int) {
		hub.Emit(Event{
			RunID:    ParseRunID(run),
			TS:       at,
			Stage:    stage,
			TargetID: "target-" + country,
			Country:  country,
			Points:   points,
		})
	}
	const kenyaRun = "0190f5a4-0000-7000-8000-000000000001"
	const ghanaRun = "0190f5a4-0000-7000-8000-000000000002"
	emit(kenyaRun, "Kenya", StageOpportunityAccepted, 0)
	emit(kenyaRun, "Kenya", StageOpportunityAccepted, 0)
	emit(kenyaRun, "Kenya", StageRunDone, 20)
	emit(ghanaRun, "Ghana", StageDuplicateRejected, 0)
	emit(ghanaRun, "Ghana", StageRunDone, 0)

	if err := hub.Close(context.Background()); err != nil {
		fmt.Println("close:", err)
		return
	}

	countries := make([]string, 0, len(tally.points))
	for c := range tally.points {
		countries = append(countries, c)
	}
	sort.Strings(countries)
	for _, c := range countries {
		fmt.Printf("%s: accepted=%d points=%d\n", c, tally.accepted[c], tally.points[c])
	}
	fmt.Println("dropped:", hub.Dropped())
	// Output:
	// Ghana: accepted=0 points=0
	// Kenya: accepted=2 points=20
	// dropped: 0
}

// Events that fail validation never reach a sink.
func ExampleEvent_Validate() {
	evt := Event{RunID: ParseRunID("not-a-uuid"), TS: time.Now(), Stage: StageRunStart}
	fmt.Println(evt.Validate())

	evt.RunID = ParseRunID("0190f5a4-0000-7000-8000-000000000003")
	evt.Stage = StageRunError
	fmt.Println(evt.Validate())

	evt.ErrorKind = "transient_fetch"
	fmt.Println(evt.Validate())
	// Output:
	// run id is required
	// run error requires error kind
	// <nil>
}
