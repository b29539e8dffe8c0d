package licensekey

import (
	"bytes"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var keyPattern = regexp.MustCompile(`^PM(-[ABCDEFGHJKLMNPQRSTUVWXYZ23456789]{4}){5}$`)

func TestGenerate_FormatAndUniqueness(t *testing.T) {
	seen := make(map[string]bool, 1000)

	for i := 0; i < 1000; i++ {
		key, err := Generate()
		require.NoError(t, err)

		assert.Len(t, key, Length)
		assert.Regexp(t, keyPattern, key)
		assert.True(t, Valid(key), "generated key %q should be valid", key)
		assert.False(t, strings.ContainsAny(key[len(Prefix):], "IO01"), "ambiguous symbol in %q", key)

		if seen[key] {
			t.Fatalf("Generated duplicate key: %s", key)
		}
		seen[key] = true
	}
}

func TestGenerate_Concurrent(t *testing.T) {
	const workers = 16
	const perWorker = 50

	var mu sync.Mutex
	seen := make(map[string]bool, workers*perWorker)
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				key, err := Generate()
				if err != nil {
					t.Errorf("Generate failed: %v", err)
					return
				}
				mu.Lock()
				if seen[key] {
					t.Errorf("Generated duplicate key: %s", key)
				}
				seen[key] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
}

func TestGenerate_DeterministicSource(t *testing.T) {
	src := make([]byte, keyCharacters)
	for i := range src {
		src[i] = byte(i)
	}

	key, err := generate(bytes.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, "PM-ABCD-EFGH-JKLM-NPQR-STUV", key)
}

func TestGenerate_WrapsAroundAlphabet(t *testing.T) {
	src := bytes.Repeat([]byte{byte(alphabetSize), 255}, keyCharacters/2)

	key, err := generate(bytes.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, "PM-A9A9-A9A9-A9A9-A9A9-A9A9", key)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("entropy unavailable")
}

func TestGenerate_SourceError(t *testing.T) {
	_, err := generate(failingReader{})
	assert.ErrorContains(t, err, "entropy unavailable")
}

func TestRejectBound(t *testing.T) {
	assert.Equal(t, 32, alphabetSize)
	assert.Equal(t, 256, rejectBound, "a power-of-two alphabet should never discard bytes")
}

func TestValid(t *testing.T) {
	tests := []struct {
		key   string
		valid bool
	}{
		{"PM-ABCD-EFGH-JKLM-NPQR-STUV", true},
		{"PM-ABCD-EFGH-JKLM-NPQR-STU", false},
		{"XX-ABCD-EFGH-JKLM-NPQR-STUV", false},
		{"PM-ABCD-EFGH-JKLM-NPQR-STU0", false},
		{"PM-abcd-EFGH-JKLM-NPQR-STUV", false},
		{"PM_ABCD_EFGH_JKLM_NPQR_STUV", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.valid, Valid(tt.key))
		})
	}
}

func BenchmarkGenerate(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_, _ = Generate()
	}
}
