package chunked

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNewPlanConcreteScenario(t *testing.T) {
	got, err := NewPlan(500000, 1500000, 2500000, 1000000)
	if err != nil {
		t.Fatalf("NewPlan: %v", err)
	}

	want := Plan{
		Start:       500000,
		End:         1500000,
		Size:        2500000,
		ChunkSize:   1000000,
		FetchOffset: 0,
		ChunkCount:  2,
		FirstTrim:   500000,
		LastTrim:    500001,
		TotalLength: 1000001,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("plan mismatch (-want +got):\n%s", diff)
	}
}

func TestNewPlanWholeFile(t *testing.T) {
	tests := []struct {
		size      int64
		chunkSize int64
	}{
		{1, 1024},
		{1024, 1024},
		{1025, 1024},
		{12345, 4096},
		{3 * DefaultChunkSize, DefaultChunkSize},
	}

	for _, tt := range tests {
		plan, err := Whole(tt.size, tt.chunkSize)
		if err != nil {
			t.Fatalf("Whole(%d, %d): %v", tt.size, tt.chunkSize, err)
		}

		wantCount := int((tt.size + tt.chunkSize - 1) / tt.chunkSize)
		if plan.FetchOffset != 0 {
			t.Errorf("size %d: expected fetch offset 0, got %d", tt.size, plan.FetchOffset)
		}
		if plan.ChunkCount != wantCount {
			t.Errorf("size %d: expected %d chunks, got %d", tt.size, wantCount, plan.ChunkCount)
		}
		if plan.FirstTrim != 0 {
			t.Errorf("size %d: expected first trim 0, got %d", tt.size, plan.FirstTrim)
		}
		if want := (tt.size-1)%tt.chunkSize + 1; plan.LastTrim != want {
			t.Errorf("size %d: expected last trim %d, got %d", tt.size, want, plan.LastTrim)
		}
		if plan.TotalLength != tt.size {
			t.Errorf("size %d: expected total length %d, got %d", tt.size, tt.size, plan.TotalLength)
		}
	}
}

func TestNewPlanUnsatisfiable(t *testing.T) {
	tests := []struct {
		name       string
		start, end int64
		size       int64
	}{
		{"start equals size", 100, 100, 100},
		{"end before start", 50, 49, 100},
		{"negative start", -1, 10, 100},
		{"end past size", 0, 100, 100},
		{"empty file", 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPlan(tt.start, tt.end, tt.size, 16)
			if !errors.Is(err, ErrRangeNotSatisfiable) {
				t.Fatalf("expected ErrRangeNotSatisfiable, got %v", err)
			}
			var rerr *RangeError
			if !errors.As(err, &rerr) {
				t.Fatalf("expected *RangeError, got %T", err)
			}
			if rerr.Size != tt.size {
				t.Errorf("expected size %d in error, got %d", tt.size, rerr.Size)
			}
		})
	}
}

func TestNewPlanInvalidChunkSize(t *testing.T) {
	if _, err := NewPlan(0, 1, 10, 0); err != ErrInvalidChunkSize {
		t.Fatalf("expected ErrInvalidChunkSize, got %v", err)
	}
}

func TestNewPlanSingleChunk(t *testing.T) {
	const size, chunkSize = 100, 16

	for start := int64(0); start < size; start++ {
		for end := start; end < size; end++ {
			plan, err := NewPlan(start, end, size, chunkSize)
			if err != nil {
				t.Fatalf("NewPlan(%d, %d): %v", start, end, err)
			}

			sameChunk := start/chunkSize == end/chunkSize
			if (plan.ChunkCount == 1) != sameChunk {
				t.Fatalf("[%d,%d]: chunk count %d, same chunk %v", start, end, plan.ChunkCount, sameChunk)
			}
			if sameChunk && plan.LastTrim-plan.FirstTrim != end-start+1 {
				t.Fatalf("[%d,%d]: trims %d..%d do not span %d bytes",
					start, end, plan.FirstTrim, plan.LastTrim, end-start+1)
			}
			if plan.FetchOffset > start || start >= plan.FetchOffset+chunkSize {
				t.Fatalf("[%d,%d]: fetch offset %d not aligned below start", start, end, plan.FetchOffset)
			}
		}
	}
}

func TestNewPlanIdempotent(t *testing.T) {
	a, errA := NewPlan(4097, 9000, 20000, 4096)
	b, errB := NewPlan(4097, 9000, 20000, 4096)
	if errA != nil || errB != nil {
		t.Fatalf("NewPlan: %v, %v", errA, errB)
	}
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("plans differ (-first +second):\n%s", diff)
	}
}

func TestPlanTrim(t *testing.T) {
	chunk := []byte("0123456789abcdef")

	single, _ := NewPlan(3, 6, 16, 16)
	if got := string(single.Trim(1, chunk)); got != "3456" {
		t.Errorf("single chunk: expected %q, got %q", "3456", got)
	}

	many, _ := NewPlan(3, 36, 48, 16)
	if many.ChunkCount != 3 {
		t.Fatalf("expected 3 chunks, got %d", many.ChunkCount)
	}
	if got := string(many.Trim(1, chunk)); got != "3456789abcdef" {
		t.Errorf("first chunk: got %q", got)
	}
	if got := string(many.Trim(2, chunk)); got != string(chunk) {
		t.Errorf("middle chunk: got %q", got)
	}
	if got := string(many.Trim(3, chunk)); got != "01234" {
		t.Errorf("last chunk: got %q", got)
	}
}
