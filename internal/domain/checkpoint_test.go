package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownloadCheckpointRoundTripKeepsProgress(t *testing.T) {
	task := NewDownloadTask("dl1", "http://example.test/file", "/tmp/file")
	task.BlockSize = 300_000
	task.SetContentSize(1_000_000)
	require.True(t, task.InitBlocks())
	require.False(t, task.InitBlocks(), "blocks are materialised once")

	task.Blocks[0].Advance(300_000)
	task.Blocks[0].MarkDone()
	task.Blocks[1].Advance(1000)
	task.AddDownloaded(301_000)
	require.True(t, task.Blocks[2].Claim())

	cp := task.Checkpoint(StatusPaused)
	assert.Equal(t, CheckpointVersion, cp.Version)
	require.Len(t, cp.Blocks, 4)

	restored, err := cp.Task()
	require.NoError(t, err)

	assert.Equal(t, int64(1_000_000), restored.ContentSize())
	assert.Equal(t, int64(301_000), restored.DownloadedSize())
	assert.True(t, restored.Blocks[0].Done())
	assert.Equal(t, int64(301_000), restored.Blocks[1].Begin())
	assert.Equal(t, int64(1000), restored.Blocks[1].Transferred())
	assert.False(t, restored.Blocks[2].InProgress(), "in-progress flags are never persisted")
	assert.Equal(t, 3, restored.PendingCount())
}

func TestDownloadCheckpointRejectsGaps(t *testing.T) {
	cp := &DownloadCheckpoint{
		Version:     CheckpointVersion,
		ID:          "broken",
		ContentSize: 100,
		Blocks: []DownloadBlockRecord{
			{Begin: 0, End: 49},
			{Begin: 60, End: 99},
		},
	}
	_, err := cp.Task()
	assert.Error(t, err)
}

func TestDownloadCheckpointRejectsNewerVersion(t *testing.T) {
	cp := &DownloadCheckpoint{Version: CheckpointVersion + 1}
	_, err := cp.Task()
	assert.ErrorIs(t, err, ErrUnsupportedCheckpoint)
}

func TestUploadCheckpointRoundTrip(t *testing.T) {
	task := &UploadTask{ID: "up1", FileSize: 20 << 20, BlockSize: 16 << 20, ChunkSize: 4 << 20}
	task.InitBlocks()
	task.Blocks[0].SetCtx("ctx-0")
	task.Blocks[0].MarkDone()
	require.True(t, task.Blocks[1].Claim())

	cp := task.Checkpoint(StatusPaused)
	restored, err := cp.Task()
	require.NoError(t, err)

	assert.NotEmpty(t, restored.Session, "a missing session id is generated")
	require.Len(t, restored.Blocks, 2)
	assert.Equal(t, "ctx-0", restored.Blocks[0].Ctx())
	assert.True(t, restored.Blocks[0].Done())
	assert.True(t, restored.Blocks[1].Pending())
	assert.Equal(t, int64(4<<20), restored.Blocks[1].Size)

	sum := cp.Summary()
	assert.Equal(t, KindUpload, sum.Kind)
	assert.Equal(t, int64(16<<20), sum.Transferred)
}

func TestUploadCheckpointRejectsRenumberedBlocks(t *testing.T) {
	cp := &UploadCheckpoint{
		Version: CheckpointVersion,
		Blocks:  []UploadBlockRecord{{ID: 1}, {ID: 0}},
	}
	_, err := cp.Task()
	assert.Error(t, err)
}
