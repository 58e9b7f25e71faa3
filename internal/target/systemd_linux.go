//go:build linux

package target

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"

	logx "applaunch/pkg/logx"
)

// Systemd starts units over the system D-Bus. The connection is opened on
// first use so a host without systemd only fails when a systemd target is
// actually referenced.
type Systemd struct {
	mu       sync.Mutex
	conn     *dbus.Conn
	patterns []string
	log      logx.Logger
}

func NewSystemd(patterns []string, log logx.Logger) *Systemd {
	if len(patterns) == 0 {
		patterns = []string{"*.service"}
	}
	return &Systemd{patterns: append([]string(nil), patterns...), log: log}
}

func (s *Systemd) connect(ctx context.Context) (*dbus.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil && s.conn.Connected() {
		return s.conn, nil
	}
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	s.conn = conn
	return conn, nil
}

func unitName(ref string) string {
	_, name := SplitRef(ref, SchemeSystemd)
	if !strings.Contains(name, ".") {
		name += ".service"
	}
	return name
}

func (s *Systemd) properties(ctx context.Context, ref string) (map[string]any, error) {
	conn, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	return conn.GetUnitPropertiesContext(ctx, unitName(ref))
}

// Exists reports whether systemd knows the unit.
func (s *Systemd) Exists(ctx context.Context, ref string) (bool, error) {
	props, err := s.properties(ctx, ref)
	if err != nil {
		if isNoSuchUnit(err) {
			return false, nil
		}
		return false, err
	}
	loadState, _ := props["LoadState"].(string)
	return loadState != "" && loadState != "not-found", nil
}

func (s *Systemd) DisplayName(ctx context.Context, ref string) (string, error) {
	props, err := s.properties(ctx, ref)
	if err != nil {
		return "", err
	}
	if desc, _ := props["Description"].(string); strings.TrimSpace(desc) != "" {
		return desc, nil
	}
	return unitName(ref), nil
}

// Launch starts the unit and waits for the job result.
func (s *Systemd) Launch(ctx context.Context, ref string) error {
	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	unit := unitName(ref)
	done := make(chan string, 1)
	if _, err := conn.StartUnitContext(ctx, unit, "replace", done); err != nil {
		return fmt.Errorf("start %s: %w", unit, err)
	}
	select {
	case result := <-done:
		if result != "done" {
			return fmt.Errorf("start %s: job %s", unit, result)
		}
	case <-ctx.Done():
		return fmt.Errorf("start %s: %w", unit, ctx.Err())
	}
	s.log.Info("target launched", logx.String("ref", JoinRef(SchemeSystemd, unit)))
	return nil
}

func (s *Systemd) List(ctx context.Context) ([]Target, error) {
	conn, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	units, err := conn.ListUnitsByPatternsContext(ctx, nil, s.patterns)
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	out := make([]Target, 0, len(units))
	for _, u := range units {
		if u.LoadState == "not-found" {
			continue
		}
		label := u.Description
		if strings.TrimSpace(label) == "" {
			label = u.Name
		}
		out = append(out, Target{Ref: JoinRef(SchemeSystemd, u.Name), Label: label, Scheme: SchemeSystemd})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref < out[j].Ref })
	return out, nil
}

func (s *Systemd) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	return nil
}

func isNoSuchUnit(err error) bool {
	// systemd returns org.freedesktop.systemd1.NoSuchUnit for missing units.
	return err != nil && strings.Contains(err.Error(), "NoSuchUnit")
}
