package richcatalog_test

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lianghan-Zhang/ecse-test/internal/tpcds"
	"github.com/Lianghan-Zhang/ecse-test/pkg/fixgres"
	"github.com/Lianghan-Zhang/ecse-test/pkg/richcatalog"
)

func TestMain(m *testing.M) {
	code := m.Run()
	if err := fixgres.Shutdown(); err != nil {
		code = 1
	}
	os.Exit(code)
}

func TestIntrospectMatchesBundledSchema(t *testing.T) {
	sbx := fixgres.NewSandbox(t, tpcds.Migrations())

	rc, err := richcatalog.New(sbx.DB, richcatalog.Options{Schemas: []string{sbx.Schema}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, rc.Refresh(ctx))

	live := rc.Meta()
	want := tpcds.MustMeta()

	for _, table := range want.Tables() {
		require.True(t, live.HasTable(table), table)
		wantCols, _ := want.Columns(table)
		gotCols, _ := live.Columns(table)
		assert.Equal(t, wantCols, gotCols, table)
		wantPK, _ := want.PrimaryKeys(table)
		gotPK, _ := live.PrimaryKeys(table)
		assert.Equal(t, wantPK, gotPK, table)
		for _, col := range wantCols {
			assert.Equal(t, want.IsNotNull(table, col), live.IsNotNull(table, col), "%s.%s", table, col)
		}
	}

	// The migration only creates enforced keys.
	for _, fk := range want.AllForeignKeys() {
		found := false
		for _, got := range live.FKsFrom(fk.FromTable) {
			if got.ToTable == fk.ToTable && assert.ObjectsAreEqual(got.FromColumns, fk.FromColumns) {
				found = true
			}
		}
		assert.Equal(t, fk.Enforced, found, fk.String())
	}

	prev := live.Checksum()
	require.NoError(t, rc.Refresh(ctx))
	assert.Equal(t, prev, rc.Meta().Checksum(), "unchanged schema keeps its checksum")

	var notified atomic.Int32
	stop := rc.StartAutoRefresh(ctx, richcatalog.AutoRefresh{
		Interval: 50 * time.Millisecond,
		OnChange: func(*richcatalog.Meta) { notified.Add(1) },
		OnError:  func(err error) { t.Errorf("auto refresh: %v", err) },
	})
	defer stop()

	_, err = sbx.DB.ExecContext(ctx, `ALTER TABLE item ADD COLUMN i_color char(20)`)
	require.NoError(t, err)
	meta, err := rc.WaitForChange(ctx, prev)
	require.NoError(t, err)
	assert.NotEqual(t, prev, meta.Checksum())
	assert.True(t, meta.HasColumn("item", "i_color"))
	stop()
	assert.EqualValues(t, 1, notified.Load())
}

func TestWaitForChangeHonorsContext(t *testing.T) {
	sbx := fixgres.NewSandbox(t, nil)
	rc, err := richcatalog.New(sbx.DB, richcatalog.Options{Schemas: []string{sbx.Schema}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = rc.WaitForChange(ctx, rc.Meta().Checksum())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
