package agent

import (
	"encoding/json"
	"strings"
	"testing"
)

// feedAll pushes a payload through the scanner in the given chunk
// sizes, cycling, and returns everything emitted.
func feedAll(t *testing.T, payload string, chunkSize int) string {
	t.Helper()
	s := &respFieldScanner{}
	var out strings.Builder
	for i := 0; i < len(payload); i += chunkSize {
		end := i + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		out.WriteString(s.feed(payload[i:end]))
	}
	return out.String()
}

func TestScannerEveryChunkBoundary(t *testing.T) {
	payload := `{"response":"Hello, world!","memoriesReferenced":["m1"]}`

	// Every chunk size from single bytes up to the whole payload must
	// yield the identical response text, including splits mid-escape
	// and mid-key.
	for size := 1; size <= len(payload); size++ {
		if got := feedAll(t, payload, size); got != "Hello, world!" {
			t.Fatalf("chunk size %d: got %q", size, got)
		}
	}

	// The buffered payload still parses to the original object.
	var parsed struct {
		Response           string   `json:"response"`
		MemoriesReferenced []string `json:"memoriesReferenced"`
	}
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		t.Fatal(err)
	}
	if parsed.Response != "Hello, world!" || len(parsed.MemoriesReferenced) != 1 {
		t.Errorf("parsed = %+v", parsed)
	}
}

func TestScannerUnescapes(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{
			name:    "simple escapes",
			payload: `{"response":"line1\nline2\t\"quoted\" back\\slash"}`,
			want:    "line1\nline2\t\"quoted\" back\\slash",
		},
		{
			name:    "unicode escape",
			payload: `{"response":"café"}`,
			want:    "café",
		},
		{
			name:    "surrogate pair",
			payload: `{"response":"ok 😀"}`,
			want:    "ok 😀",
		},
		{
			name:    "solidus escape",
			payload: `{"response":"a\/b"}`,
			want:    "a/b",
		},
		{
			name:    "stops at closing quote",
			payload: `{"response":"done","trailing":"ignored"}`,
			want:    "done",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Whole-payload and byte-at-a-time must agree.
			if got := feedAll(t, tt.payload, len(tt.payload)); got != tt.want {
				t.Errorf("single feed: got %q, want %q", got, tt.want)
			}
			if got := feedAll(t, tt.payload, 1); got != tt.want {
				t.Errorf("byte feed: got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestScannerFieldOrderIndependent(t *testing.T) {
	payload := `{"memoriesReferenced":["m1","m2"],"response":"after the array"}`
	if got := feedAll(t, payload, 3); got != "after the array" {
		t.Errorf("got %q", got)
	}
}

func TestScannerIgnoresResponseAsValue(t *testing.T) {
	// The literal "response" appearing as a VALUE must not trigger
	// emission; only the key position counts.
	payload := `{"note":"response","response":"real"}`
	if got := feedAll(t, payload, 1); got != "real" {
		t.Errorf("got %q", got)
	}
}

func TestScannerDoneStopsEmission(t *testing.T) {
	s := &respFieldScanner{}
	s.feed(`{"response":"hi`)
	if s.done() {
		t.Fatal("done before closing quote")
	}
	s.feed(`"`)
	if !s.done() {
		t.Fatal("not done after closing quote")
	}
	if got := s.feed(`,"x":"y"}`); got != "" {
		t.Errorf("emitted %q after done", got)
	}
}
