package battery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"duocall/internal/core/domain"
	"duocall/internal/core/ports"
)

const DefaultSysfsRoot = "/sys/class/power_supply"

// SysfsSource reads the first battery under the Linux power_supply class.
// It only supports polling.
type SysfsSource struct {
	root string
}

var _ ports.BatterySource = (*SysfsSource)(nil)

func NewSysfsSource(root string) *SysfsSource {
	if root == "" {
		root = DefaultSysfsRoot
	}
	return &SysfsSource{root: root}
}

func (s *SysfsSource) Read(ctx context.Context) (domain.BatteryReading, error) {
	if err := ctx.Err(); err != nil {
		return domain.BatteryReading{}, err
	}
	dir, err := s.findBattery()
	if err != nil {
		return domain.BatteryReading{}, err
	}

	raw, err := readAttr(dir, "capacity")
	if err != nil {
		return domain.BatteryReading{}, fmt.Errorf("%w: %v", domain.ErrBatteryUnavailable, err)
	}
	percent, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return domain.BatteryReading{}, fmt.Errorf("%w: bad capacity %q", domain.ErrBatteryUnavailable, raw)
	}

	// A missing status file is treated as discharging.
	status, _ := readAttr(dir, "status")
	return domain.BatteryReading{
		Level:    percent / 100,
		Charging: status == "Charging" || status == "Full",
	}, nil
}

func (s *SysfsSource) Watch(context.Context) (<-chan domain.BatteryReading, error) {
	return nil, nil
}

func (s *SysfsSource) findBattery() (string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrBatteryUnavailable, err)
	}
	for _, entry := range entries {
		dir := filepath.Join(s.root, entry.Name())
		if kind, err := readAttr(dir, "type"); err == nil && kind == "Battery" {
			return dir, nil
		}
	}
	return "", fmt.Errorf("%w: no battery under %s", domain.ErrBatteryUnavailable, s.root)
}

func readAttr(dir, name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
