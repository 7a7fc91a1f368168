//go:build integration

package taskservice_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/taskboard/realtime-board/internal/board/conflict"
	"github.com/taskboard/realtime-board/internal/board/domain"
	"github.com/taskboard/realtime-board/internal/board/taskservice"
	"github.com/taskboard/realtime-board/internal/database"
	"github.com/taskboard/realtime-board/internal/database/postgres"
)

// testDB spins up a disposable Postgres container, migrates it, and hands
// back a connected pool. Mirrors the teacher's container-per-suite pattern
// but drops the Redis/mock-LLM halves that have no counterpart here.
func testDB(t *testing.T) *postgres.PostgresPool {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("taskboard_test"),
		tcpostgres.WithUsername("taskboard"),
		tcpostgres.WithPassword("taskboard"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(context.Background()))
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	cfg := postgres.DefaultConfig()
	cfg.Host = host
	cfg.Port = port.Int()
	cfg.Database = "taskboard_test"
	cfg.User = "taskboard"
	cfg.Password = "taskboard"

	logger := slog.Default()
	pool := postgres.NewPostgresPool(cfg, logger)
	require.NoError(t, pool.Connect(ctx))
	t.Cleanup(func() {
		require.NoError(t, pool.Disconnect(context.Background()))
	})

	require.NoError(t, database.RunMigrations(ctx, pool, logger))
	return pool
}

func newService(t *testing.T) *taskservice.Service {
	pool := testDB(t)
	return taskservice.New(pool, slog.Default())
}

func TestMoveThenEditMergesCleanly(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, taskservice.CreateTaskPayload{
		Title: "T", ColumnID: domain.ColumnTodo, Position: 65536,
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, task.Version)

	moveResult, err := svc.MoveTask(ctx, taskservice.MoveTaskPayload{
		TaskID: task.ID, BaseVersion: 1, ColumnID: domain.ColumnInProgress, Position: 65536,
	})
	require.NoError(t, err)
	require.False(t, moveResult.Analysis.HasConflict())
	require.EqualValues(t, 2, moveResult.Task.Version)
	require.EqualValues(t, 2, moveResult.Task.ColumnVersion)
	require.EqualValues(t, 2, moveResult.Task.PositionVersion)

	updateResult, err := svc.UpdateTask(ctx, taskservice.UpdateTaskPayload{
		TaskID: task.ID, BaseVersion: 1, Changes: map[string]interface{}{"title": "B"},
	})
	require.NoError(t, err)
	require.False(t, updateResult.Analysis.HasConflict())

	final := updateResult.Task
	require.Equal(t, "B", final.Title)
	require.Equal(t, domain.ColumnInProgress, final.ColumnID)
	require.EqualValues(t, 3, final.Version)
	require.EqualValues(t, 3, final.TitleVersion)
	require.EqualValues(t, 2, final.ColumnVersion)
	require.EqualValues(t, 2, final.PositionVersion)
}

func TestMoveVsMoveRejectsLoser(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, taskservice.CreateTaskPayload{
		Title: "T", ColumnID: domain.ColumnTodo, Position: 65536,
	})
	require.NoError(t, err)

	_, err = svc.MoveTask(ctx, taskservice.MoveTaskPayload{
		TaskID: task.ID, BaseVersion: 1, ColumnID: domain.ColumnInProgress, Position: 65536,
	})
	require.NoError(t, err)

	loser, err := svc.MoveTask(ctx, taskservice.MoveTaskPayload{
		TaskID: task.ID, BaseVersion: 1, ColumnID: domain.ColumnDone, Position: 65536,
	})
	require.NoError(t, err)

	require.True(t, loser.Analysis.FullyRejected())
	require.Equal(t, conflict.ResolutionRejected, loser.Analysis.Resolution())
	require.ElementsMatch(t, []string{"columnId", "position"}, loser.Analysis.RejectedFields)
	require.Equal(t, domain.ColumnInProgress, loser.Task.ColumnID)
}

func TestReorderAndAddNeverCollides(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	taskT, err := svc.CreateTask(ctx, taskservice.CreateTaskPayload{
		Title: "T", ColumnID: domain.ColumnTodo, Position: 65536,
	})
	require.NoError(t, err)

	taskU, err := svc.CreateTask(ctx, taskservice.CreateTaskPayload{
		Title: "U", ColumnID: domain.ColumnTodo, Position: 131072,
	})
	require.NoError(t, err)

	_, err = svc.MoveTask(ctx, taskservice.MoveTaskPayload{
		TaskID: taskU.ID, BaseVersion: 1, ColumnID: domain.ColumnTodo, Position: 32768,
	})
	require.NoError(t, err)

	_, err = svc.CreateTask(ctx, taskservice.CreateTaskPayload{
		Title: "new", ColumnID: domain.ColumnTodo, Position: 196608,
	})
	require.NoError(t, err)

	tasks, err := svc.GetAllTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	titles := make([]string, len(tasks))
	for i, tk := range tasks {
		titles[i] = tk.Title
	}
	require.Equal(t, []string{"U", "T", "new"}, titles)
	_ = taskT
}

func TestPartialMerge(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, taskservice.CreateTaskPayload{
		Title: "T", ColumnID: domain.ColumnTodo, Position: 65536,
	})
	require.NoError(t, err)

	a, err := svc.UpdateTask(ctx, taskservice.UpdateTaskPayload{
		TaskID: task.ID, BaseVersion: 1, Changes: map[string]interface{}{"title": "A"},
	})
	require.NoError(t, err)
	require.EqualValues(t, 2, a.Task.TitleVersion)
	require.EqualValues(t, 2, a.Task.Version)

	b, err := svc.UpdateTask(ctx, taskservice.UpdateTaskPayload{
		TaskID: task.ID, BaseVersion: 1, Changes: map[string]interface{}{"title": "B", "description": "B-desc"},
	})
	require.NoError(t, err)

	require.Equal(t, conflict.ResolutionMerged, b.Analysis.Resolution())
	require.Equal(t, []string{"description"}, b.Analysis.MergedFields)
	require.Equal(t, []string{"title"}, b.Analysis.RejectedFields)

	final := b.Task
	require.Equal(t, "A", final.Title)
	require.Equal(t, "B-desc", final.Description)
	require.EqualValues(t, 3, final.Version)
	require.EqualValues(t, 2, final.TitleVersion)
	require.EqualValues(t, 3, final.DescriptionVersion)
}

func TestRebalanceTriggersBelowMinGap(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	positions := []float64{1.0, 1.3, 1.6}
	for i, p := range positions {
		_, err := svc.CreateTask(ctx, taskservice.CreateTaskPayload{
			Title: string(rune('A' + i)), ColumnID: domain.ColumnTodo, Position: p,
		})
		require.NoError(t, err)
	}

	before, err := svc.GetAllTasks(ctx)
	require.NoError(t, err)
	require.Len(t, before, 3)

	rebalanced, err := svc.RebalanceColumn(ctx, domain.ColumnTodo)
	require.NoError(t, err)
	require.Len(t, rebalanced, 3)

	wantPositions := []float64{65536, 131072, 196608}
	for i, task := range rebalanced {
		require.Equal(t, wantPositions[i], task.Position)
		require.Equal(t, before[i].Version+1, task.Version)
		require.Equal(t, task.Version, task.PositionVersion)
	}
}

func TestReplayRespectsOrderAndConflictRules(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, taskservice.CreateTaskPayload{
		Title: "T", ColumnID: domain.ColumnTodo, Position: 65536,
	})
	require.NoError(t, err)

	other, err := svc.UpdateTask(ctx, taskservice.UpdateTaskPayload{
		TaskID: task.ID, BaseVersion: 1, Changes: map[string]interface{}{"title": "advanced"},
	})
	require.NoError(t, err)
	require.EqualValues(t, 2, other.Task.TitleVersion)

	queued := []taskservice.UpdateTaskPayload{
		{TaskID: task.ID, BaseVersion: 1, Changes: map[string]interface{}{"title": "x"}},
	}
	first, err := svc.UpdateTask(ctx, queued[0])
	require.NoError(t, err)
	require.True(t, first.Analysis.FullyRejected())
	require.Equal(t, []string{"title"}, first.Analysis.RejectedFields)

	move, err := svc.MoveTask(ctx, taskservice.MoveTaskPayload{
		TaskID: task.ID, BaseVersion: 1, ColumnID: domain.ColumnDone, Position: 65536,
	})
	require.NoError(t, err)
	require.False(t, move.Analysis.HasConflict())
	require.Equal(t, domain.ColumnDone, move.Task.ColumnID)
}
