package bridge

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"

	"golang.org/x/sys/unix"
)

// baseEnvAllowlist names the only parent environment variables a subprocess
// inherits. Everything else comes from the destination's configured env and
// secrets, so a leaked parent variable cannot reach a spawned server.
var baseEnvAllowlist = []string{"PATH", "HOME", "USER", "LANG", "TMPDIR", "NPM_CONFIG_CACHE"}

// BuildEnv assembles the subprocess environment: allowlisted parent
// variables first, then the destination's own entries, sorted for stable
// spawns. Destination entries win on conflict.
func BuildEnv(extra map[string]string) []string {
	merged := make(map[string]string, len(baseEnvAllowlist)+len(extra))
	for _, key := range baseEnvAllowlist {
		if v, ok := os.LookupEnv(key); ok {
			merged[key] = v
		}
	}
	for k, v := range extra {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}

// process is one subprocess lifetime: the running command plus its pipes.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	// done closes once Wait has returned.
	done chan struct{}
	// stdoutDone and stderrDone close once their readers hit EOF.
	stdoutDone chan struct{}
	stderrDone chan struct{}
}

// spawnProcess starts argv in its own process group so that signals reach
// any children the server spawns in turn.
func spawnProcess(argv, env []string) (*process, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = env
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %q: %w", argv[0], err)
	}

	return &process{
		cmd:        cmd,
		stdin:      stdin,
		stdout:     stdout,
		stderr:     stderr,
		done:       make(chan struct{}),
		stdoutDone: make(chan struct{}),
		stderrDone: make(chan struct{}),
	}, nil
}

// signal delivers sig to the whole process group.
func (p *process) signal(sig unix.Signal) {
	if p.cmd.Process == nil {
		return
	}
	_ = unix.Kill(-p.cmd.Process.Pid, sig)
}
