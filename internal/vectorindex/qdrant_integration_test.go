//go:build integration

package vectorindex

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startQdrant(t *testing.T) QdrantConfig {
	t.Helper()
	t.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
	ctx := context.Background()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "qdrant/qdrant:v1.17.0",
			ExposedPorts: []string{"6334/tcp"},
			WaitingFor:   wait.ForListeningPort("6334/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "6334/tcp")
	require.NoError(t, err)
	return QdrantConfig{Host: host, Port: port.Int()}
}

func TestQdrantSearchEfSharedAcrossClients(t *testing.T) {
	ctx := context.Background()
	cfg := startQdrant(t)

	first, err := NewQdrantBackend(cfg)
	require.NoError(t, err)
	defer first.Close()

	params := skillParams()
	require.NoError(t, first.CreateCollection(ctx, "skill_snhu", params))
	require.NoError(t, first.Upsert(ctx, "skill_snhu", []Datapoint{
		{EntityID: "a", Name: "A", Vector: []float32{1, 0}},
		{EntityID: "b", Name: "B", Vector: []float32{0, 1}},
	}))

	// a second process starts with an empty cache
	second, err := NewQdrantBackend(cfg)
	require.NoError(t, err)
	defer second.Close()

	h, err := second.CollectionInfo(ctx, "skill_snhu")
	require.NoError(t, err)
	assert.Equal(t, 32, h.ApproximateNeighborsCount)
	assert.Equal(t, DistanceCosine, h.Distance)

	refs, err := second.QueryBatch(ctx, "skill_snhu", [][]float32{{1, 0}}, 1)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	require.Len(t, refs[0], 1)
	assert.Equal(t, "a", refs[0][0].ID)

	params.ApproximateNeighborsCount = 64
	require.NoError(t, first.UpdateCollection(ctx, "skill_snhu", params))
	h, err = second.CollectionInfo(ctx, "skill_snhu")
	require.NoError(t, err)
	assert.Equal(t, 64, h.ApproximateNeighborsCount)
}
