package manager

import (
	"os"
	"os/exec"

	"github.com/rogervilla2024/slotfeed-sub002/pkg/logging"
)

// Process is the handle the manager holds on one spawned spotter.
type Process interface {
	PID() int
	// Alive reports whether the process is still running.
	Alive() bool
	// Signal delivers sig to the process.
	Signal(sig os.Signal) error
	// Kill force-terminates the process.
	Kill() error
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
}

// Launcher spawns the OS process backing a worker ID.
type Launcher func(id string) (Process, error)

// execProcess wraps exec.Cmd. A reaper goroutine owns cmd.Wait so exited
// workers never linger as zombies.
type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// NewCommandLauncher builds a Launcher that runs bin with args, the parent
// environment, extraEnv, and WORKER_ID set to the worker's ID. The child's
// output goes to the supervisor's streams so worker logs stay visible.
func NewCommandLauncher(bin string, args []string, extraEnv []string, logger logging.Logger) Launcher {
	return func(id string) (Process, error) {
		cmd := exec.Command(bin, args...)
		cmd.Env = append(os.Environ(), extraEnv...)
		cmd.Env = append(cmd.Env, "WORKER_ID="+id)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return nil, err
		}

		p := &execProcess{cmd: cmd, done: make(chan struct{})}
		go p.reap(logger, id)
		return p, nil
	}
}

func (p *execProcess) reap(logger logging.Logger, id string) {
	err := p.cmd.Wait()
	close(p.done)

	fields := logging.Fields{
		"worker_id": id,
		"pid":       p.cmd.Process.Pid,
	}
	if err != nil {
		fields["error"] = err.Error()
		logger.WithFields(fields).Warn("Worker process exited with error")
		return
	}
	logger.WithFields(fields).Info("Worker process exited")
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *execProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}
