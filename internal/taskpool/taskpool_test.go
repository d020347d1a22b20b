package taskpool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

// registerTestOp installs a temporary operation for the duration of a
// test.
func registerTestOp(t *testing.T, name string, op Operation) {
	t.Helper()
	operations[name] = op
	t.Cleanup(func() { delete(operations, name) })
}

func TestSubmitResolvesResult(t *testing.T) {
	p := New(Config{})
	defer p.Close()

	h, err := p.Submit(Parsing, "parse", []byte("hostname: core-sw-01\nuptime: 4 days"), time.Second)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	data, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("task failed: %v", err)
	}

	var parsed map[string]string
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("result not JSON: %v", err)
	}
	if parsed["hostname"] != "core-sw-01" {
		t.Errorf("expected hostname core-sw-01, got %q", parsed["hostname"])
	}
}

func TestUnknownOperation(t *testing.T) {
	p := New(Config{})
	defer p.Close()

	_, err := p.Submit(General, "transmogrify", nil, time.Second)
	if !errors.Is(err, ErrUnknownOperation) {
		t.Errorf("expected ErrUnknownOperation, got %v", err)
	}
}

func TestTaskIDsMonotonic(t *testing.T) {
	p := New(Config{})
	defer p.Close()

	var last uint64
	for i := 0; i < 5; i++ {
		h, err := p.Submit(General, "parse", []byte("a: b"), time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if h.ID() <= last {
			t.Errorf("task id %d not greater than previous %d", h.ID(), last)
		}
		last = h.ID()
	}
}

func TestFIFOOrderOnSingleWorker(t *testing.T) {
	gate := make(chan struct{})
	order := make(chan string, 8)
	registerTestOp(t, "testOrdered", func(payload []byte) ([]byte, error) {
		<-gate
		order <- string(payload)
		return payload, nil
	})

	p := New(Config{TextWorkers: 1, CompressionWorkers: 1, ParsingWorkers: 1, GeneralWorkers: 1})
	defer p.Close()

	// Occupy the parsing worker and the only general worker so later
	// submissions must queue.
	for _, name := range []string{"block-parsing", "block-general"} {
		if _, err := p.Submit(Parsing, "testOrdered", []byte(name), 10*time.Second); err != nil {
			t.Fatal(err)
		}
	}

	var handles []*Handle
	for _, name := range []string{"first", "second", "third"} {
		h, err := p.Submit(Parsing, "testOrdered", []byte(name), 10*time.Second)
		if err != nil {
			t.Fatal(err)
		}
		handles = append(handles, h)
	}

	if s := p.Stats(); s.QueuedTasks != 3 {
		t.Fatalf("expected 3 queued tasks, got %d", s.QueuedTasks)
	}

	close(gate)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, h := range handles {
		if _, err := h.Wait(ctx); err != nil {
			t.Fatalf("queued task failed: %v", err)
		}
	}

	// Drain the two blockers, then verify the queued three ran in
	// submission order.
	seen := []string{}
	for i := 0; i < 5; i++ {
		seen = append(seen, <-order)
	}
	queued := []string{}
	for _, name := range seen {
		if name == "first" || name == "second" || name == "third" {
			queued = append(queued, name)
		}
	}
	want := []string{"first", "second", "third"}
	for i := range want {
		if queued[i] != want[i] {
			t.Fatalf("queued completion order %v, want %v", queued, want)
		}
	}
}

func TestGeneralPoolFallback(t *testing.T) {
	gate := make(chan struct{})
	registerTestOp(t, "testBlock", func(payload []byte) ([]byte, error) {
		<-gate
		return payload, nil
	})

	p := New(Config{TextWorkers: 1, CompressionWorkers: 1, ParsingWorkers: 1, GeneralWorkers: 1})
	defer p.Close()
	// Release the blocked worker before Close runs, since Close waits
	// for in-flight operations to finish.
	defer close(gate)

	// Fill the only text worker.
	if _, err := p.Submit(TextProcessing, "testBlock", nil, 10*time.Second); err != nil {
		t.Fatal(err)
	}

	// The next text task must run immediately on the idle general
	// worker rather than queue behind the blocked text worker.
	h, err := p.Submit(TextProcessing, "parse", []byte("a: b"), time.Second)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := h.Wait(ctx); err != nil {
		t.Fatalf("fallback task did not complete: %v", err)
	}
}

func TestTaskTimeout(t *testing.T) {
	gate := make(chan struct{})
	registerTestOp(t, "testBlock", func(payload []byte) ([]byte, error) {
		<-gate
		return payload, nil
	})

	p := New(Config{})
	defer p.Close()

	h, err := p.Submit(General, "testBlock", nil, 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = h.Wait(ctx)
	if !errors.Is(err, ErrTaskTimeout) {
		t.Fatalf("expected ErrTaskTimeout, got %v", err)
	}

	// Release the stuck worker; the pool must stay usable and the
	// discarded result must not surface anywhere.
	close(gate)

	h, err = p.Submit(General, "parse", []byte("a: b"), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.Wait(ctx); err != nil {
		t.Fatalf("pool unhealthy after timeout: %v", err)
	}
}

func TestExecutionErrorDoesNotPoisonWorker(t *testing.T) {
	p := New(Config{})
	defer p.Close()

	h, err := p.Submit(TextProcessing, "format", []byte("{not json"), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.Wait(context.Background()); !errors.Is(err, ErrTaskExecution) {
		t.Fatalf("expected ErrTaskExecution, got %v", err)
	}

	// Same pool, next task succeeds.
	h, err = p.Submit(TextProcessing, "format", []byte(`{"a":1}`), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.Wait(context.Background()); err != nil {
		t.Fatalf("worker poisoned by earlier failure: %v", err)
	}
}

func TestPanicInOperationRejectsOnlyThatTask(t *testing.T) {
	registerTestOp(t, "testPanic", func(payload []byte) ([]byte, error) {
		panic("unexpected input shape")
	})

	p := New(Config{})
	defer p.Close()

	h, err := p.Submit(General, "testPanic", nil, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.Wait(context.Background()); !errors.Is(err, ErrTaskExecution) {
		t.Fatalf("expected ErrTaskExecution from panic, got %v", err)
	}

	h, err = p.Submit(General, "parse", []byte("a: b"), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.Wait(context.Background()); err != nil {
		t.Fatalf("pool crashed by panicking task: %v", err)
	}
}

func TestCloseRejectsPending(t *testing.T) {
	gate := make(chan struct{})
	registerTestOp(t, "testBlock", func(payload []byte) ([]byte, error) {
		<-gate
		return payload, nil
	})
	defer close(gate)

	p := New(Config{TextWorkers: 1, CompressionWorkers: 1, ParsingWorkers: 1, GeneralWorkers: 1})

	// Block parsing and general, then queue one more.
	p.Submit(Parsing, "testBlock", nil, 10*time.Second)
	p.Submit(Parsing, "testBlock", nil, 10*time.Second)
	h, err := p.Submit(Parsing, "parse", []byte("a: b"), 10*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	go p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := h.Wait(ctx); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed for queued task, got %v", err)
	}

	if _, err := p.Submit(General, "parse", nil, time.Second); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("expected ErrPoolClosed after close, got %v", err)
	}
}

func TestOperations(t *testing.T) {
	t.Run("highlight", func(t *testing.T) {
		out, err := opHighlight([]byte("all good\nERROR: link down\nwarning: high rtt"))
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(out), ansiRed+"ERROR: link down"+ansiReset) {
			t.Error("error line not highlighted red")
		}
		if !strings.Contains(string(out), ansiYellow+"warning: high rtt"+ansiReset) {
			t.Error("warning line not highlighted yellow")
		}
		if strings.Contains(string(out), ansiRed+"all good") {
			t.Error("clean line should not be highlighted")
		}
	})

	t.Run("search", func(t *testing.T) {
		req, _ := json.Marshal(searchRequest{Text: "eth0 up\neth1 down\neth2 up", Pattern: "up"})
		out, err := opSearch(req)
		if err != nil {
			t.Fatal(err)
		}
		var matches []searchMatch
		if err := json.Unmarshal(out, &matches); err != nil {
			t.Fatal(err)
		}
		if len(matches) != 2 || matches[0].Line != 1 || matches[1].Line != 3 {
			t.Errorf("unexpected matches: %+v", matches)
		}
	})

	t.Run("compress round trip", func(t *testing.T) {
		input := bytes.Repeat([]byte("IP address 10.0.0.1/24\n"), 100)
		compressed, err := opCompress(input)
		if err != nil {
			t.Fatal(err)
		}
		if len(compressed) >= len(input) {
			t.Errorf("compression did not shrink repetitive input (%d -> %d)", len(input), len(compressed))
		}
		restored, err := opDecompress(compressed)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(restored, input) {
			t.Error("decompressed output differs from input")
		}
	})

	t.Run("decompress bad stream", func(t *testing.T) {
		if _, err := opDecompress([]byte("garbage")); err == nil {
			t.Error("expected error for malformed stream")
		}
	})
}
