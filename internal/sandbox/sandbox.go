// Package sandbox runs a single untrusted process under CPU/wall/memory/
// file-size/process limits and faithfully reports its outcome.
//
// Execute creates exactly one Docker container per invocation and never
// reuses it across untrusted submissions: a pooled container would leak
// state between adversarial programs.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	units "github.com/docker/go-units"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("contest-core/sandbox")

// watchInterval is how often the limit watchdog samples cgroup usage and
// box contents while the process runs.
const watchInterval = 250 * time.Millisecond

// Sandbox drives one-shot Docker containers for untrusted code execution.
type Sandbox struct {
	cli    *client.Client
	image  string
	slack  time.Duration
}

// New returns a Sandbox that launches containers from image, using the
// Docker daemon reachable via the standard DOCKER_HOST/env conventions.
func New(image string, slack time.Duration) (*Sandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("op=sandbox.New: %w", err)
	}
	return &Sandbox{cli: cli, image: image, slack: slack}, nil
}

// Close releases the underlying Docker client.
func (s *Sandbox) Close() error {
	return s.cli.Close()
}

// Execute runs argv inside boxdir with stdin/stdout/stderr wired to the
// given streams, under limits, with readonlyMounts bind-mounted read-only
// in addition to boxdir itself (read-write). It returns a report even if
// the wait itself timed out: the report is built from the watchdog's
// samples plus one final cgroup read, and is then written to boxdir's
// metafile.
//
// CPU time is accounted from the container's cgroup (cpu_stats total
// usage), never from wall clock: a watchdog samples usage while the
// process runs and kills it once accumulated CPU exceeds
// cpu_time_s + extra_time_s, while the wall deadline is enforced
// separately by the run context. File-size and disk-quota limits are
// enforced both by an fsize ulimit inside the container and by the
// watchdog's box scan, so sparse-file and many-small-files attacks are
// caught even when the write itself does not fail.
func (s *Sandbox) Execute(ctx context.Context, boxdir string, argv []string, stdin io.Reader, stdout, stderr io.Writer, limits Limits, env []string, readonlyMounts []string) (ExecutionReport, error) {
	ctx, span := tracer.Start(ctx, "sandbox.Execute", trace.WithAttributes(
		attribute.String("sandbox.boxdir", boxdir),
		attribute.Float64("sandbox.cpu_time_s", limits.CPUTimeS),
		attribute.Float64("sandbox.wall_time_s", limits.WallTimeS),
	))
	defer span.End()

	start := time.Now()

	deadline := limits.Deadline(s.slack)
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	binds := []string{boxdir + ":/box:rw"}
	for _, m := range readonlyMounts {
		binds = append(binds, m+":ro")
	}

	resources := container.Resources{
		// Pin to one full CPU so timing is reproducible across hosts; the
		// accumulated-CPU cap itself is enforced by the watchdog, not by a
		// rate control.
		NanoCPUs: 1e9,
		Memory:   limits.MemoryKB * 1024,
		Ulimits:  ulimitsFor(limits),
	}
	if limits.Processes > 0 {
		pidsLimit := limits.Processes
		resources.PidsLimit = &pidsLimit
	}

	created, err := s.cli.ContainerCreate(runCtx,
		&container.Config{
			Image:        s.image,
			Cmd:          argv,
			Env:          env,
			WorkingDir:   "/box",
			Tty:          false,
			AttachStdin:  true,
			AttachStdout: true,
			AttachStderr: true,
			OpenStdin:    true,
		},
		&container.HostConfig{
			Binds:       binds,
			Resources:   resources,
			NetworkMode: "none",
			AutoRemove:  false,
		},
		nil, nil, "",
	)
	if err != nil {
		span.RecordError(err)
		return ExecutionReport{}, fmt.Errorf("op=sandbox.Execute.create: %w", err)
	}
	defer func() {
		_ = s.cli.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})
	}()

	if err := s.attachStreams(runCtx, created.ID, stdin, stdout, stderr); err != nil {
		span.RecordError(err)
		slog.Warn("sandbox stream attach failed", slog.String("container_id", created.ID), slog.Any("error", err))
	}

	if err := s.cli.ContainerStart(runCtx, created.ID, container.StartOptions{}); err != nil {
		span.RecordError(err)
		return ExecutionReport{}, fmt.Errorf("op=sandbox.Execute.start: %w", err)
	}

	monitor := &usageMonitor{}
	watchCtx, stopWatch := context.WithCancel(runCtx)
	defer stopWatch()
	go s.watchLimits(watchCtx, created.ID, boxdir, limits, monitor)

	statusCh, errCh := s.cli.ContainerWait(runCtx, created.ID, container.WaitConditionNotRunning)

	var report ExecutionReport
	select {
	case err := <-errCh:
		if err != nil && runCtx.Err() != nil {
			// The wait itself timed out; still read back resource usage
			// before the deferred remove tears the container down.
			report = s.reportFromTimeout(context.Background(), created.ID, boxdir, limits, start, monitor)
		} else if err != nil {
			span.RecordError(err)
			return ExecutionReport{}, fmt.Errorf("op=sandbox.Execute.wait: %w", err)
		}
	case ws := <-statusCh:
		report = s.reportFromInspect(context.Background(), created.ID, ws.StatusCode, boxdir, limits, start, monitor)
	case <-runCtx.Done():
		report = s.reportFromTimeout(context.Background(), created.ID, boxdir, limits, start, monitor)
	}

	if err := writeMeta(boxdir, report, string(report.Cause)); err != nil {
		slog.Warn("sandbox failed to write metafile", slog.String("boxdir", boxdir), slog.Any("error", err))
	}

	span.SetAttributes(
		attribute.String("sandbox.cause", string(report.Cause)),
		attribute.Int64("sandbox.peak_memory_kb", report.PeakMemoryKB),
	)
	return report, nil
}

// ulimitsFor maps the per-file and stack caps onto container rlimits. The
// fsize ulimit makes oversized writes fail inside the box; the watchdog's
// box scan remains the backstop for sparse files, which can exceed the
// apparent size without a failing write.
func ulimitsFor(limits Limits) []*units.Ulimit {
	var out []*units.Ulimit
	if limits.FileSizeKB > 0 {
		fsize := limits.FileSizeKB * 1024
		out = append(out, &units.Ulimit{Name: "fsize", Soft: fsize, Hard: fsize})
	}
	if limits.StackKB > 0 {
		// Soft stack limit only; the hard cap stays at the kernel default so
		// a runtime that raises its own soft limit is not killed outright.
		out = append(out, &units.Ulimit{Name: "stack", Soft: limits.StackKB * 1024, Hard: -1})
	}
	return out
}

// usageMonitor accumulates the watchdog's view of the container: maximum
// observed CPU and memory, and the first recorded limit breach.
type usageMonitor struct {
	mu     sync.Mutex
	cpu    time.Duration
	peakKB int64
	breach TerminationCause
}

func (m *usageMonitor) record(cpu time.Duration, peakKB int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cpu > m.cpu {
		m.cpu = cpu
	}
	if peakKB > m.peakKB {
		m.peakKB = peakKB
	}
}

// setBreach records the first breach cause; later causes are ignored so the
// reported cause is the one that triggered the kill.
func (m *usageMonitor) setBreach(cause TerminationCause) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.breach != "" {
		return false
	}
	m.breach = cause
	return true
}

func (m *usageMonitor) snapshot() (time.Duration, int64, TerminationCause) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cpu, m.peakKB, m.breach
}

// watchLimits samples cgroup usage and box contents until the container
// stops. Accumulated CPU past cpu_time_s + extra_time_s kills the process
// with CauseTimeLimit; a box-scan breach kills it with the scan's cause.
// Memory is left to the cgroup OOM killer and the wall clock to the run
// context's deadline.
func (s *Sandbox) watchLimits(ctx context.Context, containerID, boxdir string, limits Limits, monitor *usageMonitor) {
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cpu, peakKB := s.readStats(ctx, containerID)
			monitor.record(cpu, peakKB)

			if limits.CPUTimeS > 0 && cpu.Seconds() > limits.CPUTimeS+limits.ExtraTimeS {
				if monitor.setBreach(CauseTimeLimit) {
					s.kill(containerID)
				}
				return
			}
			if cause, breached := scanBox(boxdir, limits); breached {
				if monitor.setBreach(cause) {
					s.kill(containerID)
				}
				return
			}
		}
	}
}

func (s *Sandbox) kill(containerID string) {
	killCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.cli.ContainerKill(killCtx, containerID, "SIGKILL")
}

// scanBox checks the box's written files against the per-file and aggregate
// write limits: a single file past file_size_kb is CauseOutputLimit, and
// blowing the aggregate quota or inode budget is CauseRunError.
func scanBox(boxdir string, limits Limits) (TerminationCause, bool) {
	if limits.FileSizeKB <= 0 && limits.DiskQuotaKB <= 0 && limits.DiskInodes <= 0 {
		return "", false
	}

	var totalBytes, inodes int64
	var cause TerminationCause
	_ = filepath.WalkDir(boxdir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || cause != "" {
			return filepath.SkipAll
		}
		inodes++
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		totalBytes += info.Size()
		if limits.FileSizeKB > 0 && info.Size() > limits.FileSizeKB*1024 {
			cause = CauseOutputLimit
		}
		return nil
	})
	if cause != "" {
		return cause, true
	}
	if limits.DiskQuotaKB > 0 && totalBytes > limits.DiskQuotaKB*1024 {
		return CauseRunError, true
	}
	if limits.DiskInodes > 0 && inodes > limits.DiskInodes {
		return CauseRunError, true
	}
	return "", false
}

// reportFromInspect builds the ExecutionReport from a container that exited
// on its own (possibly killed by an OOM, its own rlimits, or the watchdog).
func (s *Sandbox) reportFromInspect(ctx context.Context, containerID string, statusCode int64, boxdir string, limits Limits, start time.Time, monitor *usageMonitor) ExecutionReport {
	wall := time.Since(start)
	r := ExecutionReport{WallTime: wall}

	inspect, err := s.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		r.Cause = CauseRunError
		r.SyscallViolation = err.Error()
		return r
	}
	r.ExitCode = inspect.State.ExitCode

	// Merge the watchdog's running maxima with one final sample; the final
	// sample can read zero once the container has exited and its cgroup is
	// gone, which is why the watchdog accumulates while it still can.
	finalCPU, finalPeakKB := s.readStats(ctx, containerID)
	monitor.record(finalCPU, finalPeakKB)
	cpu, peakKB, breach := monitor.snapshot()
	r.CPUTime = cpu
	r.PeakMemoryKB = peakKB

	boxCause, boxBreached := scanBox(boxdir, limits)

	switch {
	case inspect.State.OOMKilled:
		r.Cause = CauseMemoryLimit
	case peakKB > limits.MemoryKB && limits.MemoryKB > 0:
		r.Cause = CauseMemoryLimit
	case breach != "":
		r.Cause = breach
	case limits.CPUTimeS > 0 && cpu.Seconds() > limits.CPUTimeS+limits.ExtraTimeS:
		r.Cause = CauseTimeLimit
	case limits.WallTimeS > 0 && wall.Seconds() > limits.WallTimeS+limits.ExtraTimeS:
		r.Cause = CauseWallLimit
	case boxBreached:
		// The write finished between two watchdog samples; an fsize rlimit
		// kill also lands here when the runtime exits non-zero after
		// SIGXFSZ.
		r.Cause = boxCause
	case inspect.State.Status == "exited" && statusCode == 0:
		r.Cause = CauseOK
	default:
		r.Cause = CauseNonzeroExit
	}
	return r
}

// reportFromTimeout builds an ExecutionReport for a wait that hit its
// deadline: the container may still be running, so usage is sampled once
// more before the force-kill.
func (s *Sandbox) reportFromTimeout(ctx context.Context, containerID, boxdir string, limits Limits, start time.Time, monitor *usageMonitor) ExecutionReport {
	finalCPU, finalPeakKB := s.readStats(ctx, containerID)
	monitor.record(finalCPU, finalPeakKB)
	s.kill(containerID)

	cpu, peakKB, breach := monitor.snapshot()
	r := ExecutionReport{
		WallTime:     time.Since(start),
		CPUTime:      cpu,
		PeakMemoryKB: peakKB,
		Cause:        CauseWallLimit,
	}
	switch {
	case breach != "":
		r.Cause = breach
	case limits.CPUTimeS > 0 && cpu.Seconds() > limits.CPUTimeS+limits.ExtraTimeS:
		r.Cause = CauseTimeLimit
	default:
		if cause, breached := scanBox(boxdir, limits); breached {
			r.Cause = cause
		}
	}
	return r
}

// cgroupStats mirrors the subset of Docker's stats JSON this package needs;
// decoded directly rather than via the SDK's stats struct so this stays
// stable across the SDK's own type churn between API versions.
type cgroupStats struct {
	MemoryStats struct {
		MaxUsage uint64 `json:"max_usage"`
		Usage    uint64 `json:"usage"`
	} `json:"memory_stats"`
	CPUStats struct {
		CPUUsage struct {
			// TotalUsage is cumulative cgroup CPU time in nanoseconds
			// (usage_usec under cgroups v2, scaled by the daemon).
			TotalUsage uint64 `json:"total_usage"`
		} `json:"cpu_usage"`
	} `json:"cpu_stats"`
}

// readStats reads back a one-shot cgroup snapshot: accumulated CPU time and
// peak memory. Errors are swallowed and report zero: a missing snapshot
// must not prevent the report from being produced.
func (s *Sandbox) readStats(ctx context.Context, containerID string) (time.Duration, int64) {
	resp, err := s.cli.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		return 0, 0
	}
	defer resp.Body.Close()

	var stats cgroupStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return 0, 0
	}
	peak := stats.MemoryStats.MaxUsage
	if peak == 0 {
		peak = stats.MemoryStats.Usage
	}
	return time.Duration(stats.CPUStats.CPUUsage.TotalUsage), int64(peak / 1024)
}

// attachStreams wires stdin/stdout/stderr to the created container before
// it is started, via a hijacked attach connection.
func (s *Sandbox) attachStreams(ctx context.Context, containerID string, stdin io.Reader, stdout, stderr io.Writer) error {
	resp, err := s.cli.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true,
		Stdin:  stdin != nil,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return fmt.Errorf("op=sandbox.attachStreams: %w", err)
	}
	go func() {
		defer resp.Close()
		if stdin != nil {
			go func() {
				_, _ = io.Copy(resp.Conn, stdin)
				_ = resp.CloseWrite()
			}()
		}
		_, _ = stdcopy.StdCopy(stdout, stderr, resp.Reader)
	}()
	return nil
}

// PutFiles writes files into boxdir directly via the host filesystem bind
// mount rather than the Docker copy API, since boxdir is bind-mounted and
// the caller already has local filesystem access to it.
func PutFiles(boxdir string, files map[string][]byte, perm os.FileMode) error {
	for name, contents := range files {
		p := filepath.Join(boxdir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("op=sandbox.PutFiles: %w", err)
		}
		if err := os.WriteFile(p, contents, perm); err != nil {
			return fmt.Errorf("op=sandbox.PutFiles: %w", err)
		}
	}
	return nil
}
