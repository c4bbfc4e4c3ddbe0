package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/VitalyOstanin/flowcraft/pkg/models"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// LoadDefinition reads a workflow definition from a YAML file and
// validates it before it reaches the builder.
func LoadDefinition(path string) (*models.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read workflow file")
	}
	var def models.WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, errors.Wrapf(err, "parse workflow file %s", path)
	}
	if err := Validate(&def); err != nil {
		return nil, errors.Wrapf(err, "workflow file %s", path)
	}
	return &def, nil
}

// Validate checks the authoring-level constraints a definition must
// satisfy. Structural graph checks (cycles, branch targets) happen later
// in the builder.
func Validate(def *models.WorkflowDefinition) error {
	if def.Name == "" {
		return errors.New("workflow name is required")
	}
	if len(def.Stages) == 0 {
		return errors.New("workflow has no stages")
	}
	seen := make(map[string]struct{})
	for i, stage := range def.Stages {
		if err := validateStage(stage, i, seen); err != nil {
			return err
		}
	}
	for _, res := range def.Resources {
		if res.Name == "" || res.Command == "" {
			return errors.New("resources require a name and a command")
		}
	}
	return nil
}

func validateStage(stage models.Stage, idx int, seen map[string]struct{}) error {
	if stage.Name == "" {
		return errors.Errorf("stage %d has no name", idx)
	}
	if _, dup := seen[stage.Name]; dup {
		return errors.Errorf("duplicate stage name '%s'", stage.Name)
	}
	seen[stage.Name] = struct{}{}

	switch stage.Type {
	case models.ConditionalStageType:
		if stage.Condition == "" {
			return errors.Errorf("stage '%s': conditional stage needs a condition", stage.Name)
		}
		if len(stage.Branches) == 0 {
			return errors.Errorf("stage '%s': conditional stage needs branches", stage.Name)
		}
		if stage.Skippable {
			return errors.Errorf("stage '%s': conditional stage cannot be skippable", stage.Name)
		}
	case models.SubgraphStageType:
		if stage.Subgraph == "" {
			return errors.Errorf("stage '%s': subgraph stage needs a fragment name", stage.Name)
		}
	case models.ParallelStageType:
		if len(stage.Parallel) == 0 {
			return errors.Errorf("stage '%s': parallel stage needs branches", stage.Name)
		}
		if stage.Skippable {
			return errors.Errorf("stage '%s': parallel stage cannot be skippable", stage.Name)
		}
		for _, branch := range stage.Parallel {
			if err := validateStage(branch, idx, seen); err != nil {
				return err
			}
		}
	case models.HumanInputStageType:
		if stage.Prompt == "" {
			return errors.Errorf("stage '%s': human input stage needs a prompt", stage.Name)
		}
	case models.AgentStageType, "":
		if len(stage.Roles) == 0 {
			return errors.Errorf("stage '%s': agent stage needs at least one role", stage.Name)
		}
	default:
		return errors.Errorf("stage '%s': unknown stage type '%s'", stage.Name, stage.Type)
	}
	return nil
}

// ListDefinitions returns the workflow YAML files under a directory,
// sorted by name.
func ListDefinitions(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read workflow directory %s", dir)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".yml" || ext == ".yaml" {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// LoadDirectory loads every definition under a directory.
func LoadDirectory(dir string) ([]*models.WorkflowDefinition, error) {
	files, err := ListDefinitions(dir)
	if err != nil {
		return nil, err
	}
	defs := make([]*models.WorkflowDefinition, 0, len(files))
	for _, file := range files {
		def, err := LoadDefinition(file)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

const definitionTemplate = `name: my_workflow
description: Describe what this workflow accomplishes

roles:
  - name: analyst
    prompt: You are a careful analyst. Work through the task step by step.
  - name: implementer
    prompt: You are an implementer. Apply the plan precisely.

stages:
  - name: analyze
    roles: [analyst]
    description: Understand the task and produce a plan
  - name: confirm
    type: human_input
    prompt: Does the plan look right?
  - name: implement
    roles: [implementer]
    description: Carry out the plan
    skippable: true
`

// WriteTemplate scaffolds a starter definition at path. It refuses to
// overwrite an existing file.
func WriteTemplate(path string) error {
	if _, err := os.Stat(path); err == nil {
		return errors.Errorf("file %s already exists", path)
	}
	return errors.Wrap(os.WriteFile(path, []byte(definitionTemplate), 0o644), "write workflow template")
}
