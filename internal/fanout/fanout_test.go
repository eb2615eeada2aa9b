package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunOrdersResultsByIndex(t *testing.T) {
	results := Run(context.Background(), 3, func(ctx context.Context, i int) (string, error) {
		// Reverse the completion order.
		time.Sleep(time.Duration(3-i) * 10 * time.Millisecond)
		return fmt.Sprintf("r%d", i), nil
	})
	if len(results) != 3 {
		t.Fatalf("len = %d", len(results))
	}
	for i, r := range results {
		if r.Index != i || r.Value != fmt.Sprintf("r%d", i) {
			t.Fatalf("result %d = %+v", i, r)
		}
	}
}

func TestRunJoinsAllDespiteFailures(t *testing.T) {
	var completed atomic.Int32
	results := Run(context.Background(), 3, func(ctx context.Context, i int) (int, error) {
		defer completed.Add(1)
		if i == 1 {
			return 0, errors.New("boom")
		}
		return i * 10, nil
	})
	if got := completed.Load(); got != 3 {
		t.Fatalf("completed = %d, want 3", got)
	}
	if results[1].Err == nil {
		t.Fatal("failure not recorded")
	}
	ok := Successes(results)
	if len(ok) != 2 || ok[0] != 0 || ok[1] != 20 {
		t.Fatalf("successes = %v", ok)
	}
}

func TestRunAllFail(t *testing.T) {
	results := Run(context.Background(), 2, func(ctx context.Context, i int) (string, error) {
		return "", errors.New("down")
	})
	if len(Successes(results)) != 0 {
		t.Fatal("want zero successes")
	}
}

func TestRunZeroTasks(t *testing.T) {
	results := Run(context.Background(), 0, func(ctx context.Context, i int) (string, error) {
		t.Fatal("must not be called")
		return "", nil
	})
	if len(results) != 0 {
		t.Fatalf("len = %d", len(results))
	}
}
