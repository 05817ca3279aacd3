package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// ScenarioNotFoundError is returned when a scenario path doesn't exist.
type ScenarioNotFoundError struct {
	Path string
}

// Error implements the error interface.
func (e *ScenarioNotFoundError) Error() string {
	return fmt.Sprintf("scenario path %q does not exist", e.Path)
}

// FindScenarios returns path itself when it is a file, or every .yaml and
// .yml file directly inside it when it is a directory, sorted by name.
func FindScenarios(path string) ([]string, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, &ScenarioNotFoundError{Path: path}
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	paths := []string{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			paths = append(paths, filepath.Join(path, e.Name()))
		}
	}
	slices.Sort(paths)
	return paths, nil
}

// SuiteResult summarizes a run over many scenario files.
type SuiteResult struct {
	TotalScenarios int               `json:"total_scenarios"`
	Passed         int               `json:"passed"`
	Failed         int               `json:"failed"`
	Failures       []ScenarioFailure `json:"failures,omitempty"`
	// Results holds the result of every scenario that ran, by path.
	Results map[string]*Result `json:"-"`
}

// ScenarioFailure represents a scenario that did not pass.
type ScenarioFailure struct {
	ScenarioPath string `json:"scenario_path"`
	Error        string `json:"error"`
}

// RunSuite loads and runs every scenario found at path.
//
// For each scenario file:
// 1. Load and validate it
// 2. Run it via Run
// 3. Collect and report results
func RunSuite(ctx context.Context, path string) (*SuiteResult, error) {
	paths, err := FindScenarios(path)
	if err != nil {
		return nil, err
	}
	result := &SuiteResult{Results: make(map[string]*Result)}

	for _, scenarioPath := range paths {
		result.TotalScenarios++
		fail := func(msg string) {
			result.Failed++
			result.Failures = append(result.Failures, ScenarioFailure{ScenarioPath: scenarioPath, Error: msg})
		}

		scenario, err := LoadScenario(scenarioPath)
		if err != nil {
			fail(fmt.Sprintf("failed to load scenario: %v", err))
			continue
		}
		runResult, err := Run(ctx, scenario)
		if err != nil {
			fail(fmt.Sprintf("scenario execution failed: %v", err))
			continue
		}
		result.Results[scenarioPath] = runResult
		if !runResult.Pass {
			fail(fmt.Sprintf("scenario failed: %s", strings.Join(runResult.Errors, "; ")))
			continue
		}
		result.Passed++
	}
	return result, nil
}
