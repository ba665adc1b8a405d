package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"pewcast/internal/campaign"
	logx "pewcast/pkg/logx"
)

func TestRebind(t *testing.T) {
	t.Parallel()
	q := `SELECT 1 FROM t WHERE a = ? AND b IN (?, ?)`
	if got := dialectSQLite.rebind(q); got != q {
		t.Fatalf("sqlite rebind changed query: %s", got)
	}
	want := `SELECT 1 FROM t WHERE a = $1 AND b IN ($2, $3)`
	if got := dialectPostgres.rebind(q); got != want {
		t.Fatalf("postgres rebind = %s", got)
	}
}

func newMockStore(t *testing.T) (*sqlStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return newSQLStore(db, dialectPostgres, logx.Nop()), mock
}

func TestPostgresGetCampaignNotFound(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT data FROM campaigns WHERE id = $1`)).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"data"}))

	if _, err := st.GetCampaign(context.Background(), "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresSaveCampaignUpserts(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Date(2026, time.January, 5, 10, 0, 0, 0, time.UTC)
	c := &campaign.Campaign{
		ID:         "c1",
		MessageRef: "m1",
		Recipients: campaign.AllContacts{},
		Schedule:   campaign.Immediate{},
		Status:     campaign.StatusSending,
		UpdatedAt:  now,
	}
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO campaigns (id, status, data, updated_at) VALUES ($1, $2, $3, $4)`)).
		WithArgs("c1", "sending", sqlmock.AnyArg(), now.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.SaveCampaign(context.Background(), c); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresListCampaignsFiltersStatuses(t *testing.T) {
	st, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"data"}).
		AddRow(`{"id":"c1","message_ref":"m1","recipients":{"kind":"all"},"schedule":{"kind":"immediate"},"status":"sending","statistics":{"total":2,"sent":1,"delivered":0,"read":0,"failed":0}}`)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT data FROM campaigns WHERE status IN ($1, $2) ORDER BY id`)).
		WithArgs("sending", "paused").
		WillReturnRows(rows)

	list, err := st.ListCampaigns(context.Background(), campaign.StatusSending, campaign.StatusPaused)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Stats.Total != 2 {
		t.Fatalf("list = %+v", list)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresHasRead(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT 1 FROM cycle_outcomes o JOIN campaign_cycles c`).
		WithArgs("42", "m1", "read").
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))

	read, err := st.HasRead(context.Background(), "42", "m1")
	if err != nil || !read {
		t.Fatalf("read=%v err=%v", read, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
