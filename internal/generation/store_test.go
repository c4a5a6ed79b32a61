package generation

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/heyfun/internal/storage"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	db, err := storage.Open(context.Background(), "sqlite", ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	sqlStore := NewSQLStore(db)
	require.NoError(t, sqlStore.Migrate(context.Background()))
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlStore,
	}
}

func TestStores(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			task := &Task{
				ID:             TaskIDForCall("call-1"),
				OrganizationID: "org-1",
				Model:          "dall-e-3",
				Type:           TypeImage,
				Params:         map[string]any{"prompt": "a fox", "n": 2.0},
				Status:         StatusPending,
			}

			stored, created, err := store.Create(ctx, task)
			require.NoError(t, err)
			assert.True(t, created)
			assert.Equal(t, "a fox", stored.Params["prompt"])

			again, created, err := store.Create(ctx, &Task{ID: task.ID, OrganizationID: "org-2", Model: "other", Status: StatusPending})
			require.NoError(t, err)
			assert.False(t, created, "second create must not insert")
			assert.Equal(t, "org-1", again.OrganizationID)

			got, err := store.Get(ctx, task.ID)
			require.NoError(t, err)
			got.Status = StatusCompleted
			got.ExternalTaskID = "ext-1"
			got.StartedAt = time.Now().UTC().Truncate(time.Second)
			got.Results = []ResultItem{{Key: "org/org-1/generations/x/0-a.png", ContentType: "image/png", Size: 3, SourceType: SourceBase64}}
			got.Cost = 0.08
			require.NoError(t, store.Update(ctx, got))

			reloaded, err := store.Get(ctx, task.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, reloaded.Status)
			assert.Equal(t, "ext-1", reloaded.ExternalTaskID)
			assert.Equal(t, got.Results, reloaded.Results)
			assert.InDelta(t, 0.08, reloaded.Cost, 1e-9)
			assert.False(t, reloaded.StartedAt.IsZero())

			_, err = store.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrTaskNotFound)
			assert.ErrorIs(t, store.Update(ctx, &Task{ID: "missing"}), ErrTaskNotFound)
		})
	}
}

func TestStoresListByStatus(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i, st := range []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed} {
				_, _, err := store.Create(ctx, &Task{ID: string(rune('a' + i)), OrganizationID: "o", Model: "m", Type: TypeImage, Status: st})
				require.NoError(t, err)
			}
			tasks, err := store.ListByStatus(ctx, []Status{StatusPending, StatusProcessing}, time.Now().Add(time.Hour), 10)
			require.NoError(t, err)
			require.Len(t, tasks, 2)
			for _, task := range tasks {
				assert.False(t, task.Status.Terminal())
			}

			none, err := store.ListByStatus(ctx, []Status{StatusPending}, time.Now().Add(-time.Hour), 10)
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_, _, err := store.Create(ctx, &Task{ID: "t", Params: map[string]any{"prompt": "x"}, Status: StatusPending})
	require.NoError(t, err)

	got, _ := store.Get(ctx, "t")
	got.Params["prompt"] = "mutated"
	got.Status = StatusFailed

	fresh, _ := store.Get(ctx, "t")
	assert.Equal(t, "x", fresh.Params["prompt"])
	assert.Equal(t, StatusPending, fresh.Status)
}

func TestSQLStorePostgresCreateConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewSQLStore(storage.Wrap(db, storage.DialectPostgres))
	now := time.Now().UTC()

	mock.ExpectExec(`INSERT INTO generation_tasks .*VALUES \(\$1, \$2, \$3, \$4, \$5, \$6, \$7, \$8, \$9, \$10, \$11, \$12, \$13\)\s+ON CONFLICT \(id\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .* FROM generation_tasks WHERE id = \$1`).
		WithArgs("task-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "organization_id", "model", "type", "params", "status", "results", "error",
			"external_task_id", "cost", "created_at", "updated_at", "started_at",
		}).AddRow("task-1", "org-1", "dall-e-3", "image", `{"prompt":"fox"}`, "processing", nil, nil,
			"ext-9", 0.0, now, now, now))

	task, created, err := store.Create(context.Background(), &Task{ID: "task-1", OrganizationID: "org-1", Model: "dall-e-3", Type: TypeImage, Status: StatusPending})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, StatusProcessing, task.Status)
	assert.Equal(t, "ext-9", task.ExternalTaskID)
	assert.Equal(t, "fox", task.Params["prompt"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStorePostgresListByStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewSQLStore(storage.Wrap(db, storage.DialectPostgres))
	cutoff := time.Now().UTC()

	mock.ExpectQuery(`WHERE status IN \(\$1, \$2\) AND updated_at < \$3 ORDER BY updated_at LIMIT \$4`).
		WithArgs("pending", "processing", cutoff, 5).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = store.ListByStatus(context.Background(), []Status{StatusPending, StatusProcessing}, cutoff, 5)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskIDForCallIsStable(t *testing.T) {
	assert.Equal(t, TaskIDForCall("c1"), TaskIDForCall("c1"))
	assert.NotEqual(t, TaskIDForCall("c1"), TaskIDForCall("c2"))
}

func TestRouterLongestPrefix(t *testing.T) {
	router := NewRouter()
	general := &scriptedProvider{}
	specific := &scriptedProvider{}
	router.Route("", general)
	router.Route("dall-e", general)
	router.Route("dall-e-3", specific)

	p, err := router.Resolve("dall-e-3-hd")
	require.NoError(t, err)
	assert.Same(t, specific, p)

	p, err = router.Resolve("dall-e-2")
	require.NoError(t, err)
	assert.Same(t, general, p)

	empty := NewRouter()
	_, err = empty.Resolve("x")
	assert.Error(t, err)
}

func TestPricingCost(t *testing.T) {
	pricing := Pricing{
		Prices:       map[string]float64{"dall-e": 0.02, "dall-e-3": 0.04},
		DefaultPrice: 0.01,
	}
	assert.InDelta(t, 0.04, pricing.Cost(&Task{Model: "dall-e-3"}), 1e-9)
	assert.InDelta(t, 0.08, pricing.Cost(&Task{Model: "dall-e-3-hd", Params: map[string]any{"n": 2.0}}), 1e-9)
	assert.InDelta(t, 0.02, pricing.Cost(&Task{Model: "dall-e-2"}), 1e-9)
	assert.InDelta(t, 0.01, pricing.Cost(&Task{Model: "veo-2"}), 1e-9)
}
