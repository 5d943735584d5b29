package bootstrap

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/target/graph-relay/internal/domain/model"
)

// LoadJobs reads the job definition file: a JSON object mapping job names to
// definitions. Definitions are validated later by the dispatcher, which skips
// invalid entries rather than failing startup.
func LoadJobs(path string) (map[string]model.JobDefinition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read jobs file %s: %w", path, err)
	}

	var jobs map[string]model.JobDefinition
	if err := json.Unmarshal(content, &jobs); err != nil {
		return nil, fmt.Errorf("parse jobs file %s: %w", path, err)
	}

	for name, job := range jobs {
		job.Name = name
		jobs[name] = job
	}
	return jobs, nil
}
