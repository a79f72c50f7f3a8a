package recording

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acolita/console-e2e/internal/adapters/realfs"
	"github.com/acolita/console-e2e/internal/testing/fakes/fakeclock"
)

var epoch = time.Date(2017, 7, 31, 12, 0, 0, 0, time.UTC)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	return lines
}

// ---------- Event tests ----------

func TestEventMarshalJSON(t *testing.T) {
	tests := []struct {
		name     string
		event    Event
		expected string
	}{
		{"output event", Event{Time: 1.5, Type: EventOutput, Data: "hello"}, `[1.5,"o","hello"]`},
		{"input event", Event{Time: 0, Type: EventInput, Data: "2\n"}, `[0,"i","2\n"]`},
		{"control chars", Event{Time: 2, Type: EventOutput, Data: "\x1b[0m"}, `[2,"o","\u001b[0m"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(got))
		})
	}
}

// ---------- Transcript tests ----------

func TestCreate_WritesHeader(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "casts")
	clock := fakeclock.New(epoch)

	tr, err := Create(dir, Meta{
		SessionID: "abc",
		Scenario:  "entity menu",
		Command:   "om-expect-tests",
	}, realfs.New(), clock)
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	assert.Equal(t, filepath.Join(dir, "entity_menu_abc_20170731_120000.cast"), tr.Path())

	lines := readLines(t, tr.Path())
	require.Len(t, lines, 1)

	var h Header
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &h))
	assert.Equal(t, 2, h.Version)
	assert.Equal(t, 120, h.Width)
	assert.Equal(t, 24, h.Height)
	assert.Equal(t, epoch.Unix(), h.Timestamp)
	assert.Equal(t, "om-expect-tests", h.Command)
	assert.Equal(t, "entity menu", h.Title)
	assert.Equal(t, "dumb", h.Env["TERM"])
}

func TestCreate_ExistingFileFails(t *testing.T) {
	dir := t.TempDir()
	clock := fakeclock.New(epoch)

	first, err := Create(dir, Meta{SessionID: "same"}, realfs.New(), clock)
	require.NoError(t, err)
	defer first.Close()

	_, err = Create(dir, Meta{SessionID: "same"}, realfs.New(), clock)
	assert.ErrorIs(t, err, os.ErrExist)
}

func TestTranscript_RecordsEventsWithElapsedTime(t *testing.T) {
	clock := fakeclock.New(epoch)
	tr, err := Create(t.TempDir(), Meta{SessionID: "s1"}, realfs.New(), clock)
	require.NoError(t, err)

	_, err = tr.Output().Write([]byte("menu> "))
	require.NoError(t, err)
	clock.Advance(1500 * time.Millisecond)
	n, err := tr.Input().Write([]byte("2\n"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, tr.Close())

	lines := readLines(t, tr.Path())
	require.Len(t, lines, 3)
	assert.Equal(t, `[0,"o","menu> "]`, lines[1])
	assert.Equal(t, `[1.5,"i","2\n"]`, lines[2])
}

func TestTranscript_RecordAfterCloseIsDropped(t *testing.T) {
	tr, err := Create(t.TempDir(), Meta{SessionID: "s2"}, realfs.New(), fakeclock.New(epoch))
	require.NoError(t, err)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	require.NoError(t, tr.Record(EventOutput, "late"))
	assert.Len(t, readLines(t, tr.Path()), 1)
}

func TestTranscript_ConcurrentWriters(t *testing.T) {
	tr, err := Create(t.TempDir(), Meta{SessionID: "s3"}, realfs.New(), fakeclock.New(epoch))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_, _ = tr.Output().Write([]byte("x"))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, tr.Close())

	lines := readLines(t, tr.Path())
	assert.Len(t, lines, 101)
	for _, l := range lines[1:] {
		assert.True(t, strings.HasPrefix(l, "[0,"), l)
	}
}

func TestTranscript_RuneSplitAcrossWrites(t *testing.T) {
	tr, err := Create(t.TempDir(), Meta{SessionID: "s4"}, realfs.New(), fakeclock.New(epoch))
	require.NoError(t, err)

	euro := []byte("€")
	out := tr.Output()
	_, err = out.Write(append([]byte("price: "), euro[:1]...))
	require.NoError(t, err)
	// Input in between must not pick up the held-back output bytes.
	_, err = tr.Input().Write([]byte("y\n"))
	require.NoError(t, err)
	_, err = out.Write(append(euro[1:], " 5\n"...))
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	lines := readLines(t, tr.Path())
	require.Len(t, lines, 4)
	assert.Equal(t, `[0,"o","price: "]`, lines[1])
	assert.Equal(t, `[0,"i","y\n"]`, lines[2])
	assert.Equal(t, `[0,"o","€ 5\n"]`, lines[3])
	assert.NotContains(t, strings.Join(lines, "\n"), `�`)
}

func TestTranscript_CloseFlushesIncompleteRune(t *testing.T) {
	tr, err := Create(t.TempDir(), Meta{SessionID: "s5"}, realfs.New(), fakeclock.New(epoch))
	require.NoError(t, err)

	_, err = tr.Output().Write([]byte("cut\xe2\x82"))
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	lines := readLines(t, tr.Path())
	require.Len(t, lines, 3)
	assert.Equal(t, `[0,"o","cut"]`, lines[1])

	var ev []interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &ev))
	assert.Equal(t, "o", ev[1])
	assert.NotEmpty(t, ev[2])
}
