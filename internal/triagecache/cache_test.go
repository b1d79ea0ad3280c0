package triagecache

import (
	"sync"
	"testing"
	"time"

	"casework-pipeline/internal/models"
)

const (
	officeA models.OfficeID = "6f9619ff-8b86-d011-b42d-00c04fc964ff"
	officeB models.OfficeID = "0b1f6b6e-3d2c-4f55-9a36-8e8a3f7b2c11"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func result(office models.OfficeID, id models.ExternalID) models.TriageResult {
	return models.TriageResult{OfficeID: office, EmailID: id, Subject: "subject"}
}

func TestEntryLivesUntilTTL(t *testing.T) {
	clk := &clock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	c := New(WithClock(clk.now), WithTTL(time.Hour))
	c.Set(result(officeA, 7))

	clk.advance(59*time.Minute + 59*time.Second)
	if _, ok := c.Get(officeA, 7); !ok {
		t.Fatal("entry should still be fresh")
	}
	clk.advance(time.Second)
	if _, ok := c.Get(officeA, 7); ok {
		t.Fatal("entry should have expired at insert+ttl")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry not evicted on read, len=%d", c.Len())
	}
}

func TestOldestInsertionEvictedFirst(t *testing.T) {
	c := New(WithMaxEntries(2))
	c.Set(result(officeA, 1))
	c.Set(result(officeA, 2))
	// reads do not refresh position
	c.Get(officeA, 1)
	c.Set(result(officeA, 3))

	if _, ok := c.Get(officeA, 1); ok {
		t.Fatal("oldest insertion should be evicted")
	}
	for _, id := range []models.ExternalID{2, 3} {
		if _, ok := c.Get(officeA, id); !ok {
			t.Fatalf("entry %d missing", id)
		}
	}
}

func TestReinsertMovesToBack(t *testing.T) {
	c := New(WithMaxEntries(2))
	c.Set(result(officeA, 1))
	c.Set(result(officeA, 2))
	c.Set(result(officeA, 1))
	c.Set(result(officeA, 3))

	if _, ok := c.Get(officeA, 2); ok {
		t.Fatal("entry 2 should be the oldest insertion now")
	}
	if _, ok := c.Get(officeA, 1); !ok {
		t.Fatal("reinserted entry should survive")
	}
}

func TestKeysAreOfficeScoped(t *testing.T) {
	c := New()
	c.Set(result(officeA, 5))
	if _, ok := c.Get(officeB, 5); ok {
		t.Fatal("office B must not see office A's entry")
	}
	if c.Delete(officeB, 5) {
		t.Fatal("office B must not delete office A's entry")
	}
	if !c.Delete(officeA, 5) {
		t.Fatal("delete should report the entry")
	}
}

func TestReturnedResultIsACopy(t *testing.T) {
	c := New()
	r := result(officeA, 9)
	r.MatchedCases = []models.CaseSummary{{Summary: "original"}}
	c.Set(r)

	got, _ := c.Get(officeA, 9)
	got.MatchedCases[0].Summary = "mutated"
	again, _ := c.Get(officeA, 9)
	if again.MatchedCases[0].Summary != "original" {
		t.Fatal("cached state leaked through a returned slice")
	}
}

func TestPruneExpired(t *testing.T) {
	clk := &clock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	c := New(WithClock(clk.now), WithTTL(10*time.Minute))
	c.Set(result(officeA, 1))
	clk.advance(6 * time.Minute)
	c.Set(result(officeA, 2))
	clk.advance(5 * time.Minute)

	if n := c.PruneExpired(); n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}
	if !c.Has(officeA, 2) {
		t.Fatal("younger entry should remain")
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := New(WithMaxEntries(50))
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := models.ExternalID(w*1000 + i)
				c.Set(result(officeA, id))
				c.Get(officeA, id)
				if i%3 == 0 {
					c.Delete(officeA, id)
				}
			}
		}(w)
	}
	wg.Wait()
	if c.Len() > 50 {
		t.Fatalf("cache exceeded its bound: %d", c.Len())
	}
}
