package worker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/fairyhunter13/contest-core/internal/domain"
	"github.com/fairyhunter13/contest-core/internal/sandbox"
)

// evaluateCommunication runs the Communication protocol: user program and
// dataset manager as two processes connected via FIFOs, each in its own
// sandbox. Both sandboxes mount the same box directory read-write, so the
// FIFOs and every other file in it are visible to both processes. The
// manager reads the testcase input
// on stdin and emits the score and message; its verdict is final, no
// checker runs afterwards.
func (w *Worker) evaluateCommunication(ctx context.Context, boxdir string, job domain.Job, result domain.JobResult, managers []domain.Manager, input []byte, limits sandbox.Limits, recipe LanguageRecipe, params CommunicationParameters) domain.JobResult {
	manager, hasManager := findManager(managers, domain.ManagerCommunicator)
	if !hasManager {
		// Some datasets register the communicator under the generic manager
		// filename.
		for _, m := range managers {
			if m.Filename == "manager" {
				manager, hasManager = m, true
				break
			}
		}
	}
	if !hasManager {
		result.Failed = true
		result.FailureClass = domain.FailureInvariantViolation
		return result
	}

	prefix := params.FIFOPrefix
	if prefix == "" {
		prefix = "fifo"
	}
	userToManager := filepath.Join(boxdir, prefix+"_u_to_m")
	managerToUser := filepath.Join(boxdir, prefix+"_m_to_u")
	for _, path := range []string{userToManager, managerToUser} {
		if err := syscall.Mkfifo(path, 0o666); err != nil {
			return w.transientFailure(result, fmt.Errorf("op=worker.evaluateCommunication.mkfifo: %w", err))
		}
	}
	boxUserToManager := filepath.Join("/box", filepath.Base(userToManager))
	boxManagerToUser := filepath.Join("/box", filepath.Base(managerToUser))

	managerLimits := sandbox.Limits{CPUTimeS: limits.CPUTimeS + 10, WallTimeS: limits.WallTimeS + 10, ExtraTimeS: 2, MemoryKB: 512 * 1024, Processes: 4}

	var wg sync.WaitGroup
	var managerStdout, managerStderr, userStderr bytes.Buffer
	var managerReport, userReport sandbox.ExecutionReport
	var managerErr, userErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		argv := []string{filepath.Join("/box", manager.Filename), boxUserToManager, boxManagerToUser}
		managerReport, managerErr = w.Box.Execute(ctx, boxdir, argv, bytes.NewReader(input), &managerStdout, &managerStderr, managerLimits, nil, nil)
	}()
	go func() {
		defer wg.Done()
		argv := append(append([]string{}, recipe.RunCommand...), boxManagerToUser, boxUserToManager)
		userReport, userErr = w.Box.Execute(ctx, boxdir, argv, nil, &bytes.Buffer{}, &userStderr, limits, nil, nil)
	}()
	wg.Wait()

	if userErr != nil {
		return w.transientFailure(result, fmt.Errorf("op=worker.evaluateCommunication.user: %w", userErr))
	}
	if managerErr != nil {
		return w.transientFailure(result, fmt.Errorf("op=worker.evaluateCommunication.manager: %w", managerErr))
	}

	result.ExecTimeS = userReport.CPUTime.Seconds()
	result.WallTimeS = userReport.WallTime.Seconds()
	result.MemoryKB = userReport.PeakMemoryKB

	if userReport.Cause != sandbox.CauseOK {
		result.Outcome = "0.0"
		result.TextTemplate = terminationMessageTemplate(userReport.Cause)
		return result
	}
	if managerReport.Cause != sandbox.CauseOK {
		// A crashing manager is a dataset defect, not a contestant outcome.
		result.Failed = true
		result.FailureClass = domain.FailureInvariantViolation
		return result
	}

	score, message, err := parseVerdict(managerStdout.String())
	if err != nil || score < 0 || score > 1 {
		result.Failed = true
		result.FailureClass = domain.FailureInvariantViolation
		return result
	}
	result.Outcome = formatOutcome(score)
	result.TextTemplate = message
	return result
}

// runTwoSteps pipes two user processes together: the first reads the
// testcase input, the second produces the graded output. Both run the same
// compiled artifact, told their role by argv.
func (w *Worker) runTwoSteps(ctx context.Context, boxdir string, input []byte, limits sandbox.Limits, recipe LanguageRecipe) ([]byte, sandbox.ExecutionReport, error) {
	if err := os.WriteFile(filepath.Join(boxdir, "input.txt"), input, 0o644); err != nil {
		return nil, sandbox.ExecutionReport{}, fmt.Errorf("op=worker.runTwoSteps.writeinput: %w", err)
	}

	var firstOut, firstErr bytes.Buffer
	firstArgv := append(append([]string{}, recipe.RunCommand...), "first")
	firstReport, err := w.Box.Execute(ctx, boxdir, firstArgv, bytes.NewReader(input), &firstOut, &firstErr, limits, nil, nil)
	if err != nil {
		return nil, sandbox.ExecutionReport{}, fmt.Errorf("op=worker.runTwoSteps.first: %w", err)
	}
	if firstReport.Cause != sandbox.CauseOK {
		return nil, firstReport, nil
	}

	var secondOut, secondErr bytes.Buffer
	secondArgv := append(append([]string{}, recipe.RunCommand...), "second")
	secondReport, err := w.Box.Execute(ctx, boxdir, secondArgv, bytes.NewReader(firstOut.Bytes()), &secondOut, &secondErr, limits, nil, nil)
	if err != nil {
		return nil, sandbox.ExecutionReport{}, fmt.Errorf("op=worker.runTwoSteps.second: %w", err)
	}

	// Resource usage reported to the contestant covers both steps.
	combined := secondReport
	combined.CPUTime += firstReport.CPUTime
	combined.WallTime += firstReport.WallTime
	if firstReport.PeakMemoryKB > combined.PeakMemoryKB {
		combined.PeakMemoryKB = firstReport.PeakMemoryKB
	}
	return secondOut.Bytes(), combined, nil
}

// parseVerdict reads a "score on the first line, one-line message on the
// second" verdict, the format both checkers and communication managers
// emit.
func parseVerdict(out string) (float64, string, error) {
	lines := strings.SplitN(strings.TrimSpace(out), "\n", 2)
	if len(lines) == 0 || lines[0] == "" {
		return 0, "", fmt.Errorf("op=worker.parseVerdict: empty verdict: %w", domain.ErrInternal)
	}
	score, err := strconv.ParseFloat(strings.TrimSpace(lines[0]), 64)
	if err != nil {
		return 0, "", fmt.Errorf("op=worker.parseVerdict: non-numeric score: %w", domain.ErrInternal)
	}
	message := ""
	if len(lines) > 1 {
		message = strings.TrimSpace(lines[1])
	}
	return score, message, nil
}
