package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/aristath/infraplan/internal/scheduler"
)

// planFile is the on-disk plan format:
//
//	tasks:
//	  - id: db
//	    description: deploy postgres container
//	    executor: docker
//	    critical: true
//	    params: {image: "postgres:16"}
//	    resource: {type: docker_container, name: db}
//	  - id: api
//	    executor: docker
//	    depends_on: [db]
type planFile struct {
	Tasks []planTask `yaml:"tasks"`
}

type planTask struct {
	ID          string         `yaml:"id"`
	Description string         `yaml:"description"`
	Executor    string         `yaml:"executor"`
	Params      map[string]any `yaml:"params"`
	DependsOn   []string       `yaml:"depends_on"`
	Critical    bool           `yaml:"critical"`
	Resource    *planResource  `yaml:"resource"`
}

type planResource struct {
	ID       string         `yaml:"id"`
	Type     string         `yaml:"type"`
	Name     string         `yaml:"name"`
	Metadata map[string]any `yaml:"metadata"`
}

func loadPlan(path string) ([]*scheduler.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan: %w", err)
	}
	tasks, err := parsePlan(data)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", path, err)
	}
	return tasks, nil
}

// parsePlan decodes a plan. Graph structure is checked later by the
// resolver; this only rejects malformed entries.
func parsePlan(data []byte) ([]*scheduler.Task, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var pf planFile
	if err := dec.Decode(&pf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("plan is empty")
		}
		return nil, fmt.Errorf("decoding: %w", err)
	}
	if len(pf.Tasks) == 0 {
		return nil, errors.New("plan has no tasks")
	}

	tasks := make([]*scheduler.Task, 0, len(pf.Tasks))
	for i, pt := range pf.Tasks {
		if pt.ID == "" {
			return nil, fmt.Errorf("task %d: id is required", i)
		}
		if pt.Executor == "" {
			return nil, fmt.Errorf("task %s: executor is required", pt.ID)
		}
		t := &scheduler.Task{
			ID:          pt.ID,
			Description: pt.Description,
			ExecutorTag: pt.Executor,
			Params:      pt.Params,
			DependsOn:   pt.DependsOn,
			Critical:    pt.Critical,
		}
		if t.Params == nil {
			t.Params = map[string]any{}
		}
		if pt.Resource != nil {
			if pt.Resource.Type == "" {
				return nil, fmt.Errorf("task %s: resource type is required", pt.ID)
			}
			t.Resource = &scheduler.ResourceSpec{
				ID:       pt.Resource.ID,
				Type:     pt.Resource.Type,
				Name:     pt.Resource.Name,
				Metadata: pt.Resource.Metadata,
			}
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}
