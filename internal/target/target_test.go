package target

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	logx "applaunch/pkg/logx"
)

func TestSplitRef(t *testing.T) {
	t.Parallel()

	cases := []struct {
		ref, def     string
		scheme, name string
	}{
		{"exec:backup", "systemd", "exec", "backup"},
		{"SYSTEMD:nginx.service", "exec", "systemd", "nginx.service"},
		{"backup", "exec", "exec", "backup"},
		{" backup ", "exec", "exec", "backup"},
		{":odd", "exec", "exec", ":odd"},
	}
	for _, tc := range cases {
		scheme, name := SplitRef(tc.ref, tc.def)
		if scheme != tc.scheme || name != tc.name {
			t.Fatalf("SplitRef(%q, %q) = (%q, %q), want (%q, %q)", tc.ref, tc.def, scheme, name, tc.scheme, tc.name)
		}
	}
}

func newTestExec(t *testing.T) *Exec {
	t.Helper()
	e := NewExec(map[string]Command{
		"backup":  {Label: "Nightly backup", Argv: []string{"backup-tool", "--all"}},
		"report":  {Argv: []string{"report-tool"}},
		"missing": {Label: "Missing", Argv: []string{"no-such-tool"}},
		"empty":   {Label: "Empty"},
	}, logx.Nop())
	e.lookPath = func(file string) (string, error) {
		switch file {
		case "backup-tool", "report-tool":
			return "/usr/bin/" + file, nil
		}
		return "", exec.ErrNotFound
	}
	return e
}

func TestExecExistsAndDisplayName(t *testing.T) {
	t.Parallel()
	e := newTestExec(t)
	ctx := context.Background()

	cases := []struct {
		ref  string
		want bool
	}{
		{"exec:backup", true},
		{"backup", true},
		{"exec:missing", false},
		{"exec:empty", false},
		{"exec:unknown", false},
	}
	for _, tc := range cases {
		got, err := e.Exists(ctx, tc.ref)
		if err != nil || got != tc.want {
			t.Fatalf("Exists(%q) = %v, %v; want %v", tc.ref, got, err, tc.want)
		}
	}

	if name, _ := e.DisplayName(ctx, "exec:backup"); name != "Nightly backup" {
		t.Fatalf("label = %q", name)
	}
	if name, _ := e.DisplayName(ctx, "exec:report"); name != "report" {
		t.Fatalf("fallback label = %q, want command name", name)
	}
	if _, err := e.DisplayName(ctx, "exec:unknown"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("DisplayName(unknown) err = %v", err)
	}
	if err := e.Launch(ctx, "exec:unknown"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Launch(unknown) err = %v", err)
	}
}

func TestExecLaunchStartsProcess(t *testing.T) {
	t.Parallel()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	marker := filepath.Join(dir, "launched")
	e := NewExec(map[string]Command{
		"touch": {Argv: []string{sh, "-c", "echo ok > " + marker}, Dir: dir},
	}, logx.Nop())

	if err := e.Launch(context.Background(), "exec:touch"); err != nil {
		t.Fatalf("Launch() error: %v", err)
	}
	for i := 0; i < 100; i++ {
		if _, err := os.Stat(marker); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("launched command did not run")
}

type fakeResolver struct {
	targets  map[string]string
	launched []string
}

func (f *fakeResolver) Exists(_ context.Context, ref string) (bool, error) {
	_, ok := f.targets[ref]
	return ok, nil
}

func (f *fakeResolver) DisplayName(_ context.Context, ref string) (string, error) {
	if l, ok := f.targets[ref]; ok {
		return l, nil
	}
	return "", ErrNotFound
}

func (f *fakeResolver) Launch(_ context.Context, ref string) error {
	f.launched = append(f.launched, ref)
	return nil
}

func (f *fakeResolver) List(context.Context) ([]Target, error) {
	out := make([]Target, 0, len(f.targets))
	for ref, label := range f.targets {
		out = append(out, Target{Ref: ref, Label: label})
	}
	return out, nil
}

type failingLister struct{ fakeResolver }

func (failingLister) List(context.Context) ([]Target, error) { return nil, errors.New("dbus down") }

func TestMuxRoutesAndLists(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ex := &fakeResolver{targets: map[string]string{"exec:backup": "zeta backup", "exec:report": "Alpha report"}}
	sd := &fakeResolver{targets: map[string]string{"systemd:nginx.service": "Mid nginx"}}
	m := NewMux("")
	m.Handle(SchemeExec, ex)
	m.Handle(SchemeSystemd, sd)

	if ok, _ := m.Exists(ctx, "backup"); !ok {
		t.Fatalf("bare ref should use the default scheme")
	}
	if ok, err := m.Exists(ctx, "adb:com.example"); ok || err != nil {
		t.Fatalf("unknown scheme Exists = %v, %v; want false, nil", ok, err)
	}
	if err := m.Launch(ctx, "adb:com.example"); !errors.Is(err, ErrUnknownScheme) {
		t.Fatalf("Launch(unknown scheme) err = %v", err)
	}
	if err := m.Launch(ctx, "systemd:nginx.service"); err != nil {
		t.Fatalf("Launch() error: %v", err)
	}
	if len(sd.launched) != 1 || sd.launched[0] != "systemd:nginx.service" {
		t.Fatalf("systemd launches = %v", sd.launched)
	}
	if got := m.Normalize("backup"); got != "exec:backup" {
		t.Fatalf("Normalize = %q", got)
	}

	list, err := m.List(ctx)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	want := []string{"Alpha report", "Mid nginx", "zeta backup"}
	if len(list) != len(want) {
		t.Fatalf("List() = %+v", list)
	}
	for i, w := range want {
		if list[i].Label != w {
			t.Fatalf("List()[%d] = %q, want %q", i, list[i].Label, w)
		}
	}
}

func TestMuxListSkipsFailingLister(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := NewMux(SchemeExec)
	m.Handle(SchemeSystemd, &failingLister{})
	if _, err := m.List(ctx); err == nil {
		t.Fatalf("expected error when every lister fails")
	}

	m.Handle(SchemeExec, &fakeResolver{targets: map[string]string{"exec:a": "A"}})
	list, err := m.List(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("List() = %+v, %v", list, err)
	}
}
