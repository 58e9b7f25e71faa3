package target

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	logx "applaunch/pkg/logx"
)

// Command is a launchable program declared in configuration.
type Command struct {
	Label string
	Argv  []string
	Dir   string
}

// Exec launches declared commands as detached processes. Names are the
// keys of the command map; nothing outside it can be launched.
type Exec struct {
	cmds     map[string]Command
	log      logx.Logger
	lookPath func(string) (string, error)
}

func NewExec(cmds map[string]Command, log logx.Logger) *Exec {
	cp := make(map[string]Command, len(cmds))
	for name, c := range cmds {
		cp[strings.TrimSpace(name)] = Command{Label: c.Label, Argv: append([]string(nil), c.Argv...), Dir: c.Dir}
	}
	return &Exec{cmds: cp, log: log, lookPath: exec.LookPath}
}

func (e *Exec) command(ref string) (string, Command, bool) {
	_, name := SplitRef(ref, SchemeExec)
	c, ok := e.cmds[name]
	return name, c, ok && len(c.Argv) > 0
}

// Exists reports whether ref is declared and its program is on PATH.
func (e *Exec) Exists(_ context.Context, ref string) (bool, error) {
	_, c, ok := e.command(ref)
	if !ok {
		return false, nil
	}
	_, err := e.lookPath(c.Argv[0])
	return err == nil, nil
}

func (e *Exec) DisplayName(_ context.Context, ref string) (string, error) {
	name, c, ok := e.command(ref)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if strings.TrimSpace(c.Label) != "" {
		return c.Label, nil
	}
	return name, nil
}

// Launch starts the program and returns once it is running. The process
// outlives ctx; it is reaped in the background.
func (e *Exec) Launch(_ context.Context, ref string) error {
	name, c, ok := e.command(ref)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	path, err := e.lookPath(c.Argv[0])
	if err != nil {
		return fmt.Errorf("launch %s: %w", name, err)
	}
	cmd := exec.Command(path, c.Argv[1:]...)
	cmd.Dir = c.Dir
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch %s: %w", name, err)
	}
	pid := cmd.Process.Pid
	e.log.Info("target launched", logx.String("ref", JoinRef(SchemeExec, name)), logx.Int("pid", pid))
	go func() {
		err := cmd.Wait()
		e.log.Debug("target exited", logx.String("ref", JoinRef(SchemeExec, name)), logx.Int("pid", pid), logx.Err(err))
	}()
	return nil
}

func (e *Exec) List(ctx context.Context) ([]Target, error) {
	out := make([]Target, 0, len(e.cmds))
	for name := range e.cmds {
		ok, _ := e.Exists(ctx, name)
		if !ok {
			continue
		}
		label, _ := e.DisplayName(ctx, name)
		out = append(out, Target{Ref: JoinRef(SchemeExec, name), Label: label, Scheme: SchemeExec})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref < out[j].Ref })
	return out, nil
}
