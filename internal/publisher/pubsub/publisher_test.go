package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/imagine-orchestrator/internal/imagine"
)

func TestAttributes(t *testing.T) {
	t.Parallel()

	evt := imagine.ArchiveEvent{JobID: "req-1", Kind: imagine.JobKindVideo, SHA256: "abc"}
	want := map[string]string{"event": "archive", "job_id": "req-1", "kind": "video", "sha256": "abc"}
	assert.Equal(t, want, Attributes(evt))
	assert.Equal(t, want, Attributes(&evt))
	assert.Nil(t, Attributes((*imagine.ArchiveEvent)(nil)))
	assert.Nil(t, Attributes(map[string]string{"k": "v"}))
}

func TestPublishWithoutTopic(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "", imagine.ArchiveEvent{})
	require.Error(t, err)
	require.NoError(t, New(nil).Close())
}

func TestDialRequiresTopic(t *testing.T) {
	t.Parallel()

	_, err := Dial(context.Background(), "project", " ")
	require.Error(t, err)
}
