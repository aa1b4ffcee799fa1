package sink

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haolipeng/filter_engine/pkg/config"
	"github.com/haolipeng/filter_engine/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decidedPacket(id string, verdict types.ActionKind, tags ...string) *types.Packet {
	if tags == nil {
		tags = []string{}
	}
	return &types.Packet{
		ID:        id,
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).UnixNano(),
		Protocol:  "TCP",
		SrcIP:     net.ParseIP("203.0.113.7"),
		DstIP:     net.ParseIP("10.0.0.1"),
		SrcPort:   51000,
		DstPort:   443,
		Direction: types.InBound,
		Decision: &types.Decision{
			ID:          "dec-" + id,
			Verdict:     verdict,
			VerdictName: verdict.String(),
			Explicit:    true,
			Tags:        tags,
			FlowSets:    []string{},
		},
	}
}

func feed(t *testing.T, s interface {
	Consume(context.Context, <-chan *types.Packet) error
}, packets ...*types.Packet) {
	t.Helper()
	in := make(chan *types.Packet, len(packets))
	for _, p := range packets {
		in <- p
	}
	close(in)
	require.NoError(t, s.Consume(context.Background(), in))
}

func TestDecisionWriterSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewDecisionWriterSink(&buf)

	failed := &types.Packet{ID: "p3", Error: errors.New("escalation boom")}
	feed(t, s, decidedPacket("p1", types.ActionAccept), decidedPacket("p2", types.ActionDrop, "mal"), failed)

	select {
	case <-s.Ready():
	default:
		t.Fatal("sink should be ready after Consume")
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)

	var rec DecisionRecord
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &rec))
	assert.Equal(t, "dec-p2", rec.ID)
	assert.Equal(t, "p2", rec.PacketID)
	assert.Equal(t, "DROP", rec.Verdict)
	assert.Equal(t, "IN", rec.Direction)
	assert.Equal(t, "203.0.113.7", rec.SrcIP)
	assert.Equal(t, []string{"mal"}, rec.Tags)

	rec = DecisionRecord{}
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &rec))
	assert.Empty(t, rec.Verdict)
	assert.Equal(t, "escalation boom", rec.Error)
	assert.Equal(t, []string{}, rec.Tags)

	assert.Equal(t, uint64(3), s.GetStats().DecisionsWritten)
}

func TestDecisionSinkRotatesFiles(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Output.Filename = filepath.Join(dir, "decisions.json")
	cfg.Output.MaxFileSize = 300

	s, err := NewDecisionSink(cfg)
	require.NoError(t, err)

	packets := make([]*types.Packet, 6)
	for i := range packets {
		packets[i] = decidedPacket(string(rune('a'+i)), types.ActionAccept)
	}
	feed(t, s, packets...)

	files, err := filepath.Glob(filepath.Join(dir, "decisions.json*"))
	require.NoError(t, err)
	assert.Greater(t, len(files), 1)

	total := 0
	for _, f := range files {
		info, err := os.Stat(f)
		require.NoError(t, err)
		assert.LessOrEqual(t, info.Size(), int64(300))
		total += countLines(t, f)
	}
	assert.Equal(t, 6, total)
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		n++
	}
	return n
}

func TestDecisionSinkPostsAlerts(t *testing.T) {
	var received atomic.Int32
	var lastVerdict atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var rec DecisionRecord
		if json.Unmarshal(body, &rec) == nil {
			lastVerdict.Store(rec.Verdict)
		}
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s := NewDecisionWriterSink(io.Discard)
	s.SetAlertEndpoint(server.URL)
	feed(t, s,
		decidedPacket("1", types.ActionAccept),
		decidedPacket("2", types.ActionAlert),
		decidedPacket("3", types.ActionDrop),
	)

	assert.Equal(t, int32(2), received.Load())
	assert.Equal(t, "DROP", lastVerdict.Load())
}

func TestMemorySink(t *testing.T) {
	s := NewMemorySink()
	feed(t, s, decidedPacket("1", types.ActionAccept), decidedPacket("2", types.ActionAlert))
	got := s.GetResults()
	require.Len(t, got, 2)
	assert.Equal(t, "2", got[1].ID)
}
