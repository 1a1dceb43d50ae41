package postgres

import (
	"strings"
	"testing"
	"testing/fstest"
)

func TestLoadSchemaChanges_Success(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"sql/migrations/0002_more.up.sql":   {Data: []byte("CREATE TABLE test_b (id INT);")},
		"sql/migrations/0002_more.down.sql": {Data: []byte("DROP TABLE IF EXISTS test_b;")},
		"sql/migrations/0001_init.up.sql":   {Data: []byte("CREATE TABLE test_a (id INT);")},
		"sql/migrations/0001_init.down.sql": {Data: []byte("DROP TABLE IF EXISTS test_a;")},
	}

	changes, err := loadSchemaChanges(fsys)
	if err != nil {
		t.Fatalf("loadSchemaChanges failed: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(changes))
	}
	if changes[0].Version != 1 || changes[0].Name != "init" {
		t.Fatalf("unexpected first change: %+v", changes[0])
	}
	if changes[1].Version != 2 || changes[1].Name != "more" {
		t.Fatalf("unexpected second change: %+v", changes[1])
	}
}

func TestLoadSchemaChanges_Embedded(t *testing.T) {
	t.Parallel()

	changes, err := loadSchemaChanges(schemaFS)
	if err != nil {
		t.Fatalf("embedded schema must load: %v", err)
	}
	if len(changes) == 0 || changes[0].Version != 1 {
		t.Fatalf("unexpected embedded changes: %+v", changes)
	}
	for _, table := range []string{`"User"`, "Product", "OrderTable"} {
		if !strings.Contains(changes[0].Up, table) {
			t.Errorf("baseline schema must create %s", table)
		}
	}
}

func TestLoadSchemaChanges_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		fsys    fstest.MapFS
		wantErr string
	}{
		{
			name: "missing down",
			fsys: fstest.MapFS{
				"sql/migrations/0001_init.up.sql": {Data: []byte("CREATE TABLE a (id INT);")},
			},
			wantErr: "both up and down",
		},
		{
			name: "invalid name",
			fsys: fstest.MapFS{
				"sql/migrations/not_a_migration.sql": {Data: []byte("SELECT 1;")},
			},
			wantErr: "invalid migration file name",
		},
		{
			name: "empty body",
			fsys: fstest.MapFS{
				"sql/migrations/0001_init.up.sql":   {Data: []byte("   \n")},
				"sql/migrations/0001_init.down.sql": {Data: []byte("DROP TABLE IF EXISTS a;")},
			},
			wantErr: "empty",
		},
		{
			name: "name mismatch",
			fsys: fstest.MapFS{
				"sql/migrations/0001_init.up.sql":    {Data: []byte("CREATE TABLE a (id INT);")},
				"sql/migrations/0001_other.down.sql": {Data: []byte("DROP TABLE a;")},
			},
			wantErr: "name mismatch",
		},
		{
			name:    "no files",
			fsys:    fstest.MapFS{},
			wantErr: "no migration files",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadSchemaChanges(tt.fsys)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestSelectChanges(t *testing.T) {
	t.Parallel()

	changes := []schemaChange{{Version: 1}, {Version: 2}, {Version: 3}}
	versions := func(cs []schemaChange) []int64 {
		out := make([]int64, 0, len(cs))
		for _, c := range cs {
			out = append(out, c.Version)
		}
		return out
	}

	tests := []struct {
		name      string
		applied   map[int64]bool
		direction migrationDirection
		steps     int
		want      []int64
	}{
		{name: "up all", applied: map[int64]bool{}, direction: migrationUp, want: []int64{1, 2, 3}},
		{name: "up pending only", applied: map[int64]bool{1: true}, direction: migrationUp, want: []int64{2, 3}},
		{name: "up one step", applied: map[int64]bool{}, direction: migrationUp, steps: 1, want: []int64{1}},
		{name: "down newest first", applied: map[int64]bool{1: true, 2: true}, direction: migrationDown, steps: 1, want: []int64{2}},
		{name: "down nothing applied", applied: map[int64]bool{}, direction: migrationDown, steps: 1, want: []int64{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := versions(selectChanges(changes, tt.applied, tt.direction, tt.steps))
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}
