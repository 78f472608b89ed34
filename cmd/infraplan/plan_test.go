package main

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlan(t *testing.T) {
	tasks, err := parsePlan([]byte(`
tasks:
  - id: db
    description: deploy postgres container
    executor: docker
    critical: true
    params:
      image: postgres:16
      port: 5432
    resource:
      type: docker_container
      name: primary db
      metadata: {volume: pgdata}
  - id: migrate
    executor: shell
    depends_on: [db]
`))
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	db := tasks[0]
	assert.Equal(t, "db", db.ID)
	assert.Equal(t, "docker", db.ExecutorTag)
	assert.True(t, db.Critical)
	assert.Equal(t, "postgres:16", db.Params["image"])
	assert.Equal(t, 5432, db.Params["port"])
	require.NotNil(t, db.Resource)
	assert.Equal(t, "docker_container", db.Resource.Type)
	assert.Equal(t, "primary db", db.Resource.Name)
	assert.Equal(t, "pgdata", db.Resource.Metadata["volume"])
	assert.Equal(t, "db", db.ResourceID())

	migrate := tasks[1]
	assert.Equal(t, []string{"db"}, migrate.DependsOn)
	assert.False(t, migrate.Mutating())
	assert.NotNil(t, migrate.Params)
}

func TestParsePlan_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"empty document", "", "plan is empty"},
		{"no tasks", "tasks: []\n", "no tasks"},
		{"missing id", "tasks:\n  - executor: docker\n", "id is required"},
		{"missing executor", "tasks:\n  - id: a\n", "executor is required"},
		{"resource without type", "tasks:\n  - id: a\n    executor: docker\n    resource: {name: x}\n", "resource type"},
		{"unknown field", "tasks:\n  - id: a\n    executor: docker\n    retries: 3\n", "retries"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parsePlan([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestOneLine(t *testing.T) {
	assert.Equal(t, "port 80 in use retrying", oneLine("  port 80 in use\nretrying \n"))

	long := strings.Repeat("é", 200)
	got := oneLine(long)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, 120, utf8.RuneCountInString(got))
	assert.True(t, strings.HasSuffix(got, "..."))

	short := strings.Repeat("ü", 120)
	assert.Equal(t, short, oneLine(short))
}
