// Package progress turns raw job status updates into a step-structured
// progress model ("step 3 of 6, 40% into this step") and fans flattened
// events out to the realtime transport. The step contexts are a derived
// projection: losing one is harmless, it is rebuilt from the next update
// plus the authoritative job record.
package progress

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/communiday/eventcore-go/internal/queue"
)

// StepTemplate names one step of a job type's fixed pipeline.
type StepTemplate struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
}

// defaultTemplates is the built-in step list per job type.
var defaultTemplates = map[queue.JobType][]StepTemplate{
	queue.TypeFlyer: {
		{Name: "receive", Description: "Receiving uploaded flyer"},
		{Name: "extract", Description: "Extracting event details from image"},
		{Name: "geocode", Description: "Resolving venue location"},
		{Name: "embed", Description: "Generating content embedding"},
		{Name: "dedupe", Description: "Checking for duplicate events"},
		{Name: "publish", Description: "Publishing event"},
	},
	queue.TypePrivateEvent: {
		{Name: "parse", Description: "Reading event description"},
		{Name: "extract", Description: "Extracting event details"},
		{Name: "embed", Description: "Generating content embedding"},
		{Name: "dedupe", Description: "Checking for duplicate events"},
		{Name: "save", Description: "Saving private event"},
	},
	queue.TypeCivicReport: {
		{Name: "parse", Description: "Reading report"},
		{Name: "categorize", Description: "Categorizing report"},
		{Name: "match", Description: "Matching against known events"},
		{Name: "save", Description: "Saving report"},
		{Name: "notify", Description: "Notifying subscribers"},
	},
	queue.TypeCleanup: {
		{Name: "scan", Description: "Scanning expired records"},
		{Name: "delete", Description: "Deleting expired records"},
		{Name: "report", Description: "Summarizing cleanup"},
	},
}

// genericSteps covers job types without a registered template.
var genericSteps = []StepTemplate{
	{Name: "process", Description: "Processing"},
}

// Templates resolves step templates per job type, with optional overrides
// loaded from a YAML file.
type Templates struct {
	byType map[queue.JobType][]StepTemplate
}

// DefaultTemplates returns the built-in templates.
func DefaultTemplates() *Templates {
	return &Templates{byType: defaultTemplates}
}

// LoadTemplates reads a YAML override file mapping job types to step lists
// and merges it over the defaults. Types absent from the file keep their
// built-in steps.
func LoadTemplates(path string) (*Templates, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read step templates: %w", err)
	}

	var overrides map[queue.JobType][]StepTemplate
	if err := yaml.Unmarshal(raw, &overrides); err != nil {
		return nil, fmt.Errorf("parse step templates: %w", err)
	}

	merged := make(map[queue.JobType][]StepTemplate, len(defaultTemplates)+len(overrides))
	for t, steps := range defaultTemplates {
		merged[t] = steps
	}
	for t, steps := range overrides {
		if len(steps) == 0 {
			continue
		}
		merged[t] = steps
	}
	return &Templates{byType: merged}, nil
}

// StepsFor returns the step list for a job type, falling back to a single
// generic step for unregistered types.
func (t *Templates) StepsFor(jobType queue.JobType) []StepTemplate {
	if steps, ok := t.byType[jobType]; ok {
		return steps
	}
	return genericSteps
}
