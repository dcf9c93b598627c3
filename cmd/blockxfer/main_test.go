package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/datallboy/blockxfer/internal/domain"
	"github.com/datallboy/blockxfer/internal/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHeaders(t *testing.T) {
	got, err := parseHeaders([]string{"Cookie: a=b; c=d", "X-Token:abc"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Cookie": "a=b; c=d", "X-Token": "abc"}, got)

	_, err = parseHeaders([]string{"no-colon"})
	assert.Error(t, err)

	got, err = parseHeaders(nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSizeFlag(t *testing.T) {
	n, err := sizeFlag("block-size", "16MiB")
	require.NoError(t, err)
	assert.Equal(t, int64(16<<20), n)

	n, err = sizeFlag("block-size", "")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = sizeFlag("block-size", "lots")
	assert.ErrorContains(t, err, "--block-size")
}

func TestRenderProgress(t *testing.T) {
	snap := engine.Snapshot{
		TransferSummary: domain.TransferSummary{TotalSize: 200 << 20, Transferred: 100 << 20},
		Speed:           10 << 20,
		Percentage:      50,
	}

	var buf bytes.Buffer
	renderProgress(&buf, snap, 10*time.Second, false)
	line := buf.String()
	assert.True(t, strings.HasPrefix(line, "\r[==========>"))
	assert.Contains(t, line, " 50.0%")
	assert.Contains(t, line, "ETA: 10s")
	assert.Contains(t, line, "105 MB / 210 MB")

	buf.Reset()
	snap.Percentage = 100
	snap.Transferred = snap.TotalSize
	renderProgress(&buf, snap, 4*time.Second, true)
	assert.Contains(t, buf.String(), "[====================]")
	assert.Contains(t, buf.String(), "Time: 4s")
}

func TestPrintTransfers(t *testing.T) {
	var buf bytes.Buffer
	printTransfers(&buf, []engine.Snapshot{{
		TransferSummary: domain.TransferSummary{
			ID: "abc", Kind: domain.KindDownload, Status: domain.StatusPaused,
			TotalSize: 2000, Source: "http://example.test/f",
		},
		Percentage: 25,
	}})
	out := buf.String()
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "abc")
	assert.Contains(t, out, "paused")
	assert.Contains(t, out, "25.0%")
	assert.Contains(t, out, "2.0 kB")
}
