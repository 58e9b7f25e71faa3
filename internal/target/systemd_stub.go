//go:build !linux

package target

import (
	"context"

	logx "applaunch/pkg/logx"
)

type Systemd struct{}

func NewSystemd(_ []string, _ logx.Logger) *Systemd { return &Systemd{} }

func (s *Systemd) Exists(context.Context, string) (bool, error)        { return false, ErrUnsupported }
func (s *Systemd) DisplayName(context.Context, string) (string, error) { return "", ErrUnsupported }
func (s *Systemd) Launch(context.Context, string) error                { return ErrUnsupported }
func (s *Systemd) List(context.Context) ([]Target, error)              { return nil, ErrUnsupported }
func (s *Systemd) Close() error                                        { return nil }
