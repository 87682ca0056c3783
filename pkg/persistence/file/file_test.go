package file

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/dukex/taskflow/pkg/persistence"
	"github.com/dukex/taskflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPersistence(t *testing.T) {
	fp := NewPersistence("/tmp/test")
	assert.Equal(t, "/tmp/test", fp.root)

	fp = NewPersistence("file:///tmp/test")
	assert.Equal(t, "/tmp/test", fp.root)
}

func TestPersistence_HealthCheck(t *testing.T) {
	dir := t.TempDir()

	assert.NoError(t, NewPersistence(dir).HealthCheck(t.Context()))
	assert.Error(t, NewPersistence(filepath.Join(dir, "missing")).HealthCheck(t.Context()))
	assert.NoError(t, NewPersistence(dir).Close(t.Context()))
}

func TestPersistence_Contract(t *testing.T) {
	testutil.RunPersistenceSuite(t, func(t *testing.T) persistence.Persistence {
		return NewPersistence(t.TempDir())
	})
}

func TestValidateID(t *testing.T) {
	assert.NoError(t, validateID("project", "proj-1"))
	assert.Error(t, validateID("project", ""))
	assert.Error(t, validateID("project", "../etc"))
	assert.Error(t, validateID("project", "a/b"))
	assert.Error(t, validateID("project", `a\b`))
}

func TestTaskRepository_RejectsTraversal(t *testing.T) {
	repo := NewTaskRepository(t.TempDir())

	err := repo.Create(t.Context(), testutil.CreateTestTask("../escape"))
	assert.Error(t, err)
}

func TestTaskRepository_ConcurrentCreateAllocatesDistinctSequences(t *testing.T) {
	repo := NewTaskRepository(t.TempDir())

	var wg sync.WaitGroup

	for range 10 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			assert.NoError(t, repo.Create(t.Context(), testutil.CreateTestTask("p1")))
		}()
	}

	wg.Wait()

	tasks, err := repo.ListByProject(t.Context(), "p1")
	require.NoError(t, err)
	require.Len(t, tasks, 10)

	for i, task := range tasks {
		assert.Equal(t, i+1, task.Sequence)
	}
}

func TestTaskHistoryRepository_RecoversIDsFromDisk(t *testing.T) {
	dir := t.TempDir()

	first := NewTaskHistoryRepository(dir)
	entry := testHistoryEntry()
	require.NoError(t, first.Append(t.Context(), entry))
	require.NoError(t, first.Append(t.Context(), testHistoryEntry()))

	reopened := NewTaskHistoryRepository(dir)
	next := testHistoryEntry()
	require.NoError(t, reopened.Append(t.Context(), next))
	assert.Equal(t, int64(3), next.ID)

	files, err := os.ReadDir(filepath.Join(dir, "history", "p1", "1"))
	require.NoError(t, err)
	assert.Len(t, files, 3)
}
