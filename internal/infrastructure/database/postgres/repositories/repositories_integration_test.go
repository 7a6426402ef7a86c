//go:build integration

// Integration tests for the PostgreSQL repositories. They require Docker and
// are gated behind the "integration" build tag:
//
//	go test -tags integration ./internal/infrastructure/database/postgres/...
package repositories_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/grantline/grantline/internal/config"
	"github.com/grantline/grantline/internal/domain/patent"
	"github.com/grantline/grantline/internal/infrastructure/database/postgres"
	"github.com/grantline/grantline/internal/infrastructure/database/postgres/repositories"
	"github.com/grantline/grantline/internal/infrastructure/monitoring/logging"
)

// startPostgres launches a pgvector-enabled PostgreSQL container, applies the
// embedded migrations, and returns a verified connection.
func startPostgres(t *testing.T) *postgres.Connection {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "grantline_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://test:test@%s:%s/grantline_test?sslmode=disable", host, port.Port())
	logger := logging.NewNopLogger()
	require.NoError(t, postgres.Migrate(dsn, logger))

	conn, err := postgres.NewConnection(ctx, config.PostgresConfig{DSN: dsn, MaxConns: 4}, logger)
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return conn
}

func testRecord(pub string, cpc, citations []string) *patent.PatentRecord {
	rec := &patent.PatentRecord{
		PublicationNumber: pub,
		GrantDate:         "20240102",
		Title:             "Adaptive cache eviction",
		Abstract:          "A cache layer evicts entries by access frequency.",
		CPCCodes:          cpc,
		Citations:         citations,
	}
	rec.BuildRaw()
	return rec
}

func embeddedVector(lead float32) []float32 {
	vec := make([]float32, 768)
	vec[0] = lead
	return vec
}

func TestRepositories_Postgres(t *testing.T) {
	conn := startPostgres(t)
	ctx := context.Background()
	logger := logging.NewNopLogger()

	patents := repositories.NewPatentRepository(conn.Pool(), logger)
	chunks := repositories.NewChunkRepository(conn.Pool(), logger)
	state := repositories.NewStateRepository(conn.Pool(), logger)

	t.Run("patent upsert replaces associations", func(t *testing.T) {
		rec := testRecord("US12345678B2", []string{"G06F 16/2455"}, []string{"US9876543B1", "US10111222B2"})
		require.NoError(t, patents.UpsertPatent(ctx, rec))

		// Second ingest of the same publication with different associations.
		rec = testRecord("US12345678B2", []string{"G06F 12/0871"}, []string{"US9876543B1"})
		require.NoError(t, patents.UpsertPatent(ctx, rec))

		var cpcCount, citCount int
		require.NoError(t, conn.Pool().QueryRow(ctx,
			`SELECT count(*) FROM patent_cpc WHERE publication_number = $1`, "US12345678B2").Scan(&cpcCount))
		require.NoError(t, conn.Pool().QueryRow(ctx,
			`SELECT count(*) FROM patent_citations WHERE publication_number = $1`, "US12345678B2").Scan(&citCount))
		assert.Equal(t, 1, cpcCount)
		assert.Equal(t, 1, citCount)
	})

	t.Run("chunk upsert preserves embeddings", func(t *testing.T) {
		require.NoError(t, patents.UpsertPatent(ctx, testRecord("US20000001B2", nil, nil)))

		claimText := "1. A caching device comprising a frequency counter."
		claim := patent.EvidenceChunk{
			ChunkID:           patent.ChunkID("US20000001B2", patent.SectionClaim, "1", claimText),
			PublicationNumber: "US20000001B2",
			SectionType:       patent.SectionClaim,
			Text:              claimText,
			TextHash:          patent.SHA256Hex(claimText),
			ClaimNum:          "1",
			Metadata:          map[string]interface{}{"depends_on": []string{}},
		}
		abstractText := "A cache layer evicts entries by access frequency."
		abstract := patent.EvidenceChunk{
			ChunkID:           patent.ChunkID("US20000001B2", patent.SectionAbstract, "0", abstractText),
			PublicationNumber: "US20000001B2",
			SectionType:       patent.SectionAbstract,
			Text:              abstractText,
			TextHash:          patent.SHA256Hex(abstractText),
			ParaID:            "abstract_0",
		}
		require.NoError(t, chunks.UpsertChunks(ctx, []patent.EvidenceChunk{claim, abstract}))

		missing, err := chunks.MissingEmbeddings(ctx, 10)
		require.NoError(t, err)
		require.Len(t, missing, 2)

		require.NoError(t, chunks.UpdateEmbeddings(ctx, []patent.ChunkVector{
			{ChunkID: claim.ChunkID, Vector: embeddedVector(1)},
		}))

		// Re-ingesting the same chunk must not clear the stored vector.
		require.NoError(t, chunks.UpsertChunks(ctx, []patent.EvidenceChunk{claim}))

		missing, err = chunks.MissingEmbeddings(ctx, 10)
		require.NoError(t, err)
		require.Len(t, missing, 1)
		assert.Equal(t, abstract.ChunkID, missing[0].ChunkID)

		var metaJSON []byte
		require.NoError(t, conn.Pool().QueryRow(ctx,
			`SELECT metadata FROM chunks WHERE chunk_id = $1`, claim.ChunkID).Scan(&metaJSON))
		var meta map[string]interface{}
		require.NoError(t, json.Unmarshal(metaJSON, &meta))
		assert.Equal(t, []interface{}{}, meta["depends_on"])
	})

	t.Run("vector search orders by cosine similarity", func(t *testing.T) {
		require.NoError(t, patents.UpsertPatent(ctx, testRecord("US20000002B2", nil, nil)))

		near := patent.EvidenceChunk{
			ChunkID:           patent.ChunkID("US20000002B2", patent.SectionSummary, "summary_0_0", "near text"),
			PublicationNumber: "US20000002B2",
			SectionType:       patent.SectionSummary,
			Text:              "near text",
			TextHash:          patent.SHA256Hex("near text"),
			ParaID:            "summary_0_0",
		}
		far := patent.EvidenceChunk{
			ChunkID:           patent.ChunkID("US20000002B2", patent.SectionSummary, "summary_1_0", "far text"),
			PublicationNumber: "US20000002B2",
			SectionType:       patent.SectionSummary,
			Text:              "far text",
			TextHash:          patent.SHA256Hex("far text"),
			ParaID:            "summary_1_0",
		}
		require.NoError(t, chunks.UpsertChunks(ctx, []patent.EvidenceChunk{near, far}))

		// A different axis than the earlier subtest's vectors, so similarity
		// ranks are unambiguous.
		nearVec := make([]float32, 768)
		nearVec[1] = 1
		farVec := make([]float32, 768)
		farVec[1] = -1
		require.NoError(t, chunks.UpdateEmbeddings(ctx, []patent.ChunkVector{
			{ChunkID: near.ChunkID, Vector: nearVec},
			{ChunkID: far.ChunkID, Vector: farVec},
		}))

		hits, err := chunks.VectorSearch(ctx, nearVec, 2)
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(hits), 2)
		assert.Equal(t, near.ChunkID, hits[0].ChunkID)
		assert.InDelta(t, 1.0, hits[0].Score, 0.001)
		assert.Greater(t, hits[0].Score, hits[len(hits)-1].Score)
	})

	t.Run("graph neighbors", func(t *testing.T) {
		require.NoError(t, patents.UpsertPatent(ctx,
			testRecord("US30000001B2", []string{"G06F 16/2455"}, []string{"US30000002B2"})))
		require.NoError(t, patents.UpsertPatent(ctx,
			testRecord("US30000002B2", []string{"H04L 9/40"}, nil)))
		require.NoError(t, patents.UpsertPatent(ctx,
			testRecord("US30000003B2", []string{"G06F 16/28"}, nil)))

		neighbors, err := patents.GraphNeighbors(ctx, []string{"US30000001B2"}, 100)
		require.NoError(t, err)
		// The cited publication and the shared G06F 16 subclass publication.
		assert.Contains(t, neighbors, "US30000002B2")
		assert.Contains(t, neighbors, "US30000003B2")
		// The CPC self-join reports the seed itself.
		assert.Contains(t, neighbors, "US30000001B2")
		assert.NotContains(t, neighbors, "US12345678B2")

		empty, err := patents.GraphNeighbors(ctx, nil, 100)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("ingestion state round trip", func(t *testing.T) {
		week, err := state.LastWeek(ctx, patent.SourcePTGRXML)
		require.NoError(t, err)
		assert.Empty(t, week)

		require.NoError(t, state.SetLastWeek(ctx, patent.SourcePTGRXML, "20240102"))
		require.NoError(t, state.SetLastWeek(ctx, patent.SourcePTGRXML, "20240109"))

		week, err = state.LastWeek(ctx, patent.SourcePTGRXML)
		require.NoError(t, err)
		assert.Equal(t, "20240109", week)
	})

	t.Run("health check", func(t *testing.T) {
		require.NoError(t, conn.HealthCheck(ctx))
	})
}
