package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"

	"github.com/langchou/gpxview/internal/models"
)

func newMockRepo(t *testing.T) (pgxmock.PgxPoolIface, *TrackRepository) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	t.Cleanup(mock.Close)
	return mock, NewTrackRepository(mock)
}

func TestTrackCreateGeneratesID(t *testing.T) {
	mock, repo := newMockRepo(t)

	addedAt := time.Now()
	mock.ExpectQuery(`INSERT INTO tracks`).
		WithArgs(pgxmock.AnyArg(), "Morning Ride", "desc", 12500.0, 5400, []byte("<gpx/>")).
		WillReturnRows(pgxmock.NewRows([]string{"added_at"}).AddRow(addedAt))

	track := &models.Track{
		Name:                 "Morning Ride",
		Description:          "desc",
		TrackLengthM:         12500,
		EstimatedTimeSeconds: 5400,
		Gpx:                  []byte("<gpx/>"),
	}
	if err := repo.Create(context.Background(), track); err != nil {
		t.Fatalf("create: %v", err)
	}
	if track.ID == "" {
		t.Fatal("ID should be generated")
	}
	if !track.AddedAt.Equal(addedAt) {
		t.Fatalf("added_at = %v, want %v", track.AddedAt, addedAt)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestTrackGetByID(t *testing.T) {
	mock, repo := newMockRepo(t)

	addedAt := time.Now()
	mock.ExpectQuery(`SELECT id, name, description, added_at, track_length_m, estimated_time_seconds, gpx`).
		WithArgs("track-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "description", "added_at", "track_length_m", "estimated_time_seconds", "gpx"}).
			AddRow("track-1", "Trail", "d", addedAt, 9000.0, 3600, []byte("<gpx/>")))

	track, err := repo.GetByID(context.Background(), "track-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if track.Name != "Trail" || track.TrackLengthM != 9000 {
		t.Fatalf("track = %+v", track)
	}
	if len(track.Gpx) == 0 {
		t.Fatal("gpx payload missing")
	}
}

func TestTrackListNewestFirst(t *testing.T) {
	mock, repo := newMockRepo(t)

	now := time.Now()
	mock.ExpectQuery(`SELECT id, name, description, added_at, track_length_m, estimated_time_seconds\s+FROM tracks ORDER BY added_at DESC`).
		WithArgs(50).
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "description", "added_at", "track_length_m", "estimated_time_seconds"}).
			AddRow("t2", "Newer", "", now, 100.0, 60).
			AddRow("t1", "Older", "", now.Add(-time.Hour), 200.0, 120))

	tracks, err := repo.ListNewestFirst(context.Background(), 50)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tracks) != 2 || tracks[0].ID != "t2" {
		t.Fatalf("tracks = %+v", tracks)
	}
}

func TestTrackListClampsLimit(t *testing.T) {
	mock, repo := newMockRepo(t)

	mock.ExpectQuery(`SELECT id, name, description, added_at, track_length_m, estimated_time_seconds`).
		WithArgs(maxListLimit).
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "description", "added_at", "track_length_m", "estimated_time_seconds"}))

	if _, err := repo.ListNewestFirst(context.Background(), 0); err != nil {
		t.Fatalf("list: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestTrackDelete(t *testing.T) {
	mock, repo := newMockRepo(t)

	mock.ExpectExec(`DELETE FROM tracks`).
		WithArgs("track-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`DELETE FROM tracks`).
		WithArgs("missing").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	ok, err := repo.Delete(context.Background(), "track-1")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !ok {
		t.Fatal("expected a deleted row")
	}

	ok, err = repo.Delete(context.Background(), "missing")
	if err != nil {
		t.Fatalf("delete missing: %v", err)
	}
	if ok {
		t.Fatal("missing id should delete nothing")
	}
}

func TestTrackGetError(t *testing.T) {
	mock, repo := newMockRepo(t)

	mock.ExpectQuery(`SELECT id, name, description`).
		WithArgs("boom").
		WillReturnError(errors.New("connection lost"))

	if _, err := repo.GetByID(context.Background(), "boom"); err == nil {
		t.Fatal("expected error")
	}
}
