package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/civic-ingest/internal/model"
	"github.com/JakeFAU/civic-ingest/internal/store"
)

type fixedIDs struct{ id uuid.UUID }

func (f fixedIDs) NewRawID() (uuid.UUID, error) { return f.id, nil }

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface, uuid.UUID) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	id := uuid.MustParse("0190a4c2-0000-7000-8000-000000000001")
	s, err := NewWithPool(mock, fixedIDs{id: id})
	require.NoError(t, err)
	return s, mock, id
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, fixedIDs{})
	require.Error(t, err)
}

func TestUpsertSourceReportsChange(t *testing.T) {
	t.Parallel()

	s, mock, id := newMockStore(t)
	src := model.Source{Name: "City News", HomepageURL: "https://city.example", Tier: model.TierEstablished, Enabled: true}

	mock.ExpectQuery("INSERT INTO sources").
		WithArgs(id, src.Name, src.HomepageURL, string(src.Tier), src.Kind, src.DefaultLanguage, src.TrustNotes, src.Enabled).
		WillReturnRows(pgxmock.NewRows([]string{"id", "inserted"}).AddRow(id, true))

	got, change, err := s.UpsertSource(context.Background(), src)
	require.NoError(t, err)
	require.Equal(t, store.Created, change)
	require.Equal(t, id, got.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSourceUnchangedLooksUpID(t *testing.T) {
	t.Parallel()

	s, mock, id := newMockStore(t)
	existing := uuid.MustParse("0190a4c2-0000-7000-8000-0000000000aa")
	src := model.Source{Name: "City News", Tier: model.TierEstablished, Enabled: true}

	mock.ExpectQuery("INSERT INTO sources").
		WithArgs(id, src.Name, src.HomepageURL, string(src.Tier), src.Kind, src.DefaultLanguage, src.TrustNotes, src.Enabled).
		WillReturnRows(pgxmock.NewRows([]string{"id", "inserted"}))
	mock.ExpectQuery("SELECT id FROM sources").
		WithArgs(src.Name).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(existing))

	got, change, err := s.UpsertSource(context.Background(), src)
	require.NoError(t, err)
	require.Equal(t, store.NoChange, change)
	require.Equal(t, existing, got.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveFetchStateInTransaction(t *testing.T) {
	t.Parallel()

	s, mock, _ := newMockStore(t)
	endpointID := uuid.MustParse("0190a4c2-0000-7000-8000-0000000000bb")
	fetchedAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	v := model.Validators{ETag: `"abc"`}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE source_endpoints").
		WithArgs(v.ETag, v.LastModified, fetchedAt, endpointID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := s.InSourceTx(context.Background(), func(tx store.SourceTx) error {
		return tx.SaveFetchState(context.Background(), endpointID, v, fetchedAt)
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInSourceTxRollsBackOnError(t *testing.T) {
	t.Parallel()

	s, mock, _ := newMockStore(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := s.InSourceTx(context.Background(), func(store.SourceTx) error { return boom })
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertItemWrapsStoreError(t *testing.T) {
	t.Parallel()

	s, mock, id := newMockStore(t)
	item := model.Item{ID: id, ExternalID: "abc", Title: "Hello", HashContent: "h"}

	mock.ExpectBegin()
	anyArg := pgxmock.AnyArg()
	mock.ExpectExec("INSERT INTO items").
		WithArgs(
			item.ID, item.SourceID, item.EndpointID, item.ExternalID, anyArg, anyArg, item.Title, anyArg,
			anyArg, anyArg, anyArg, anyArg, anyArg, item.HashContent, anyArg,
		).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := s.InSourceTx(context.Background(), func(tx store.SourceTx) error {
		return tx.UpsertItem(context.Background(), item)
	})
	require.ErrorIs(t, err, store.ErrStore)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishRunMissingRow(t *testing.T) {
	t.Parallel()

	s, mock, id := newMockStore(t)
	finished := time.Date(2024, 5, 1, 12, 5, 0, 0, time.UTC)
	run := model.Run{ID: id, FinishedAt: &finished, Status: model.RunOK, Details: map[string]any{"sources": 1}}

	mock.ExpectExec("UPDATE ingestion_runs").
		WithArgs(run.FinishedAt, string(run.Status), []byte(`{"sources":1}`), run.ID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.FinishRun(context.Background(), run)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListRunsDecodesDetails(t *testing.T) {
	t.Parallel()

	s, mock, id := newMockStore(t)
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	finished := started.Add(time.Minute)

	mock.ExpectQuery("SELECT id, started_at, finished_at, status, details").
		WithArgs(10).
		WillReturnRows(pgxmock.NewRows([]string{"id", "started_at", "finished_at", "status", "details"}).
			AddRow(id, started, &finished, "ok", []byte(`{"sources":2,"errors":0}`)))

	runs, err := s.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, model.RunOK, runs[0].Status)
	require.InDelta(t, 2.0, runs[0].Details["sources"], 1e-9)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendMetricsInsertsEachSample(t *testing.T) {
	t.Parallel()

	s, mock, id := newMockStore(t)
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	metrics := []model.Metric{
		{ID: id, RunID: &id, Name: "items_inserted", Value: 3, Tags: map[string]string{"source": "City News"}, Timestamp: ts},
		{ID: id, RunID: &id, Name: "items_updated", Value: 0, Timestamp: ts},
	}

	mock.ExpectExec("INSERT INTO ingestion_metrics").
		WithArgs(id, &id, "items_inserted", 3.0, []byte(`{"source":"City News"}`), ts).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO ingestion_metrics").
		WithArgs(id, &id, "items_updated", 0.0, []byte(`{}`), ts).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.AppendMetrics(context.Background(), metrics...))
	require.NoError(t, mock.ExpectationsWereMet())
}
