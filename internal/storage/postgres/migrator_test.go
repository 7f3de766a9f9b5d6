package postgres

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"sql/migrations/0002_more.up.sql":   {Data: []byte("CREATE TABLE b (id INT);")},
		"sql/migrations/0002_more.down.sql": {Data: []byte("DROP TABLE b;")},
		"sql/migrations/0001_init.up.sql":   {Data: []byte(" CREATE TABLE a (id INT); \n")},
		"sql/migrations/0001_init.down.sql": {Data: []byte("DROP TABLE a;")},
	}

	got, err := parseMigrations(fsys)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "0001_init", got[0].String())
	assert.Equal(t, "CREATE TABLE a (id INT);", got[0].up)
	assert.Equal(t, "DROP TABLE b;", got[1].down)
}

func TestParseMigrations_Rejects(t *testing.T) {
	up := []byte("SELECT 1;")
	cases := map[string]fstest.MapFS{
		"no files":     {},
		"missing down": {"sql/migrations/0001_init.up.sql": {Data: up}},
		"bad name":     {"sql/migrations/init.sql": {Data: up}},
		"empty body": {
			"sql/migrations/0001_init.up.sql":   {Data: []byte("  \n")},
			"sql/migrations/0001_init.down.sql": {Data: up},
		},
		"two names": {
			"sql/migrations/0001_init.up.sql":    {Data: up},
			"sql/migrations/0001_other.down.sql": {Data: up},
		},
	}
	for name, fsys := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parseMigrations(fsys)
			assert.Error(t, err)
		})
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	got, err := parseMigrations(embeddedMigrations)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Contains(t, got[0].up, "pg_notify('"+notifyChannel+"'", "триггер orders должен слать уведомления")
	for i, m := range got {
		assert.Equal(t, int64(i+1), m.version)
	}
}

func TestPlan(t *testing.T) {
	known := []migration{{version: 1}, {version: 2}, {version: 3}}
	applied := map[int64]bool{1: true, 2: true}

	versions := func(ms []migration) []int64 {
		out := []int64{}
		for _, m := range ms {
			out = append(out, m.version)
		}
		return out
	}

	assert.Equal(t, []int64{3}, versions(plan(known, applied, true, 0)))
	assert.Equal(t, []int64{2}, versions(plan(known, applied, false, 1)))
	assert.Equal(t, []int64{2, 1}, versions(plan(known, applied, false, 10)))
	assert.Equal(t, []int64{1, 2}, versions(plan(known, map[int64]bool{}, true, 2)))
}
