package worker

import (
	"encoding/json"
	"fmt"

	"github.com/fairyhunter13/contest-core/internal/domain"
)

// BatchParameters is the task-type-parameters shape for domain.TaskTypeBatch.
// The fields are decoded but the worker reads none of them: every Batch run
// gets its input both on stdin and in input.txt, its output is taken from
// stdout or else output.txt, and no grader driver is linked with the user
// source.
type BatchParameters struct {
	UseFileIO bool   `json:"use_file_io"`
	InputFile string `json:"input_file"`
	OutputFile string `json:"output_file"`
	Grader     bool   `json:"grader"`
}

// CommunicationParameters is the task-type-parameters shape for
// domain.TaskTypeCommunication: two processes (user and manager) connected
// via FIFOs, each in its own sandbox; both sandboxes mount the same box
// directory, not just the FIFO paths.
type CommunicationParameters struct {
	NumProcesses int    `json:"num_processes"`
	FIFOPrefix   string `json:"fifo_prefix"`
}

// OutputOnlyParameters is the task-type-parameters shape for
// domain.TaskTypeOutputOnly: no user process runs; the Submission itself is
// the output, and only the checker runs.
type OutputOnlyParameters struct {
	OutputFile string `json:"output_file"`
}

// TwoStepsParameters is the task-type-parameters shape for
// domain.TaskTypeTwoSteps: two user processes piped together.
type TwoStepsParameters struct {
	FirstStepFile  string `json:"first_step_file"`
	SecondStepFile string `json:"second_step_file"`
}

// DecodeTaskTypeParameters decodes a Dataset's opaque TaskTypeParameters
// JSON into the variant-specific struct for its TaskType. Dispatch is an
// exhaustive switch, never dynamic lookup.
func DecodeTaskTypeParameters(taskType domain.TaskType, raw []byte) (any, error) {
	switch taskType {
	case domain.TaskTypeBatch:
		var p BatchParameters
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("op=worker.DecodeTaskTypeParameters: %w", err)
			}
		}
		return p, nil
	case domain.TaskTypeCommunication:
		var p CommunicationParameters
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("op=worker.DecodeTaskTypeParameters: %w", err)
			}
		}
		return p, nil
	case domain.TaskTypeOutputOnly:
		var p OutputOnlyParameters
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("op=worker.DecodeTaskTypeParameters: %w", err)
			}
		}
		return p, nil
	case domain.TaskTypeTwoSteps:
		var p TwoStepsParameters
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("op=worker.DecodeTaskTypeParameters: %w", err)
			}
		}
		return p, nil
	default:
		return nil, fmt.Errorf("op=worker.DecodeTaskTypeParameters: unknown task type %q: %w", taskType, domain.ErrInvalidArgument)
	}
}
