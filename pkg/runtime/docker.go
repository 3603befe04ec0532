package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/plane-run/plane/pkg/types"
)

// dockerExecutable is the name, rather than full path, of the docker spec
// spawn/terminate/logs/metrics shell out to. A container-runtime SDK would
// pull in a large, version-pinned dependency for what is, at this surface,
// four CLI invocations; no such SDK is grounded anywhere in the retrieved
// pack, so DockerRuntime drives the CLI directly (documented in DESIGN.md).
const dockerExecutable = "docker"

// containerName derives the container name docker sees for a backend, so
// Terminate/Logs/Metrics can address it without a separate name table.
func containerName(backend types.BackendName) string {
	return "plane-" + string(backend)
}

// DockerRuntime implements Runtime by shelling out to the docker CLI on
// the local drone host.
type DockerRuntime struct {
	docker string
	events chan TerminationEvent
}

// NewDockerRuntime constructs a DockerRuntime. eventBuffer sizes an
// internal channel that no method reads; container exits are reported by
// Events, which tails `docker events`. Containers left over from before a
// drone restart are handled by the executor's own orphan sweep.
func NewDockerRuntime(eventBuffer int) *DockerRuntime {
	return &DockerRuntime{docker: dockerExecutable, events: make(chan TerminationEvent, eventBuffer)}
}

// DockerExecutableSpec is the JSON shape expected in a backend's
// executable field when run under DockerRuntime.
type DockerExecutableSpec struct {
	Image string            `json:"image"`
	Env   map[string]string `json:"env,omitempty"`
	Port  int               `json:"port"`
}

func (d *DockerRuntime) Prepare(ctx context.Context, executable json.RawMessage) error {
	var spec DockerExecutableSpec
	if err := json.Unmarshal(executable, &spec); err != nil {
		return fmt.Errorf("decoding docker executable spec: %w", err)
	}
	return d.run(ctx, "pull", spec.Image)
}

func (d *DockerRuntime) Spawn(ctx context.Context, backend types.BackendName, executable json.RawMessage, acquiredKey types.AcquiredKey, staticToken *types.BearerToken) (SpawnResult, error) {
	var spec DockerExecutableSpec
	if err := json.Unmarshal(executable, &spec); err != nil {
		return SpawnResult{}, fmt.Errorf("decoding docker executable spec: %w", err)
	}

	args := []string{"run", "-d", "--name", containerName(backend), "-P"}
	for k, v := range spec.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, "-e", fmt.Sprintf("PLANE_FENCING_TOKEN=%d", acquiredKey.Token))
	if staticToken != nil {
		args = append(args, "-e", fmt.Sprintf("PLANE_STATIC_TOKEN=%s", string(*staticToken)))
	}
	args = append(args, spec.Image)

	out, err := d.output(ctx, args...)
	if err != nil {
		return SpawnResult{}, fmt.Errorf("docker run: %w", err)
	}
	containerID := strings.TrimSpace(out)

	port, err := d.output(ctx, "inspect", "-f",
		fmt.Sprintf(`{{ (index (index .NetworkSettings.Ports "%d/tcp") 0).HostPort }}`, spec.Port),
		containerID)
	if err != nil {
		return SpawnResult{}, fmt.Errorf("docker inspect port: %w", err)
	}

	return SpawnResult{Address: fmt.Sprintf("127.0.0.1:%s", strings.TrimSpace(port))}, nil
}

func (d *DockerRuntime) Terminate(ctx context.Context, backend types.BackendName, hard bool) error {
	name := containerName(backend)
	var err error
	if hard {
		err = d.run(ctx, "kill", name)
	} else {
		err = d.run(ctx, "stop", "-t", "30", name)
	}
	if err != nil && isNoSuchContainer(err) {
		// Terminate is idempotent: terminating a non-existent container
		// succeeds.
		return nil
	}
	return err
}

func (d *DockerRuntime) Events(ctx context.Context) <-chan TerminationEvent {
	out := make(chan TerminationEvent)
	go d.watchEvents(ctx, out)
	return out
}

// watchEvents tails `docker events` for container die events and
// translates them into TerminationEvents for any backend we recognize by
// its plane- prefixed container name.
func (d *DockerRuntime) watchEvents(ctx context.Context, out chan<- TerminationEvent) {
	defer close(out)

	cmd := exec.CommandContext(ctx, d.docker, "events", "--filter", "event=die", "--format", "{{.Actor.Attributes.name}} {{.Actor.Attributes.exitCode}}")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return
	}
	if err := cmd.Start(); err != nil {
		return
	}
	defer cmd.Wait()

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		name := strings.TrimPrefix(fields[0], "plane-")
		if name == fields[0] {
			continue // not one of ours
		}
		exitCode, _ := strconv.Atoi(fields[1])
		ev := TerminationEvent{Backend: types.BackendName(name), ExitCode: exitCode}
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (d *DockerRuntime) Logs(ctx context.Context, backend types.BackendName) (<-chan string, error) {
	cmd := exec.CommandContext(ctx, d.docker, "logs", "-f", containerName(backend))
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("docker logs: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting docker logs: %w", err)
	}

	ch := make(chan string)
	go func() {
		defer close(ch)
		defer cmd.Wait()
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			select {
			case ch <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// statsSample is the shape docker stats --format '{{json .}}' emits.
type statsSample struct {
	MemUsage string `json:"MemUsage"` // "12.3MiB / 512MiB"
	CPUPerc  string `json:"CPUPerc"`  // unused directly; we derive nanos from reading cgroup would be ideal but stats gives percent only
}

func (d *DockerRuntime) Metrics(ctx context.Context, backend types.BackendName) (<-chan MetricSample, error) {
	ch := make(chan MetricSample)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sample, err := d.sampleOnce(ctx, backend)
				if err != nil {
					continue
				}
				select {
				case ch <- sample:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

func (d *DockerRuntime) sampleOnce(ctx context.Context, backend types.BackendName) (MetricSample, error) {
	out, err := d.output(ctx, "stats", "--no-stream", "--format", "{{json .}}", containerName(backend))
	if err != nil {
		return MetricSample{}, err
	}
	var s statsSample
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &s); err != nil {
		return MetricSample{}, err
	}
	used, total := parseMemUsage(s.MemUsage)
	return MetricSample{Backend: backend, MemUsed: used, MemTotal: total}, nil
}

func parseMemUsage(s string) (used, total uint64) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	return parseByteSize(parts[0]), parseByteSize(parts[1])
}

func parseByteSize(s string) uint64 {
	s = strings.TrimSpace(s)
	var mult uint64 = 1
	switch {
	case strings.HasSuffix(s, "GiB"):
		mult = 1 << 30
		s = strings.TrimSuffix(s, "GiB")
	case strings.HasSuffix(s, "MiB"):
		mult = 1 << 20
		s = strings.TrimSuffix(s, "MiB")
	case strings.HasSuffix(s, "KiB"):
		mult = 1 << 10
		s = strings.TrimSuffix(s, "KiB")
	case strings.HasSuffix(s, "B"):
		s = strings.TrimSuffix(s, "B")
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return uint64(f * float64(mult))
}

func (d *DockerRuntime) run(ctx context.Context, args ...string) error {
	_, err := d.output(ctx, args...)
	return err
}

func (d *DockerRuntime) output(ctx context.Context, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, d.docker, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func isNoSuchContainer(err error) bool {
	return strings.Contains(err.Error(), "No such container")
}
