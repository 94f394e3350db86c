package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// sysfsLED drives the RGB light bar through the kernel's multicolor LED
// class: writing "r g b" to multi_intensity sets the colour.
type sysfsLED struct{}

func (sysfsLED) SetColor(path string, c LEDColor) error {
	data := fmt.Sprintf("%d %d %d\n", c.R, c.G, c.B)
	if err := os.WriteFile(path, []byte(data), 0); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// findLEDPath returns the multi_intensity file of the RGB LED belonging to
// the input device behind eventNode (e.g. /dev/input/event7), or "" if none.
func findLEDPath(sysRoot, eventNode string) string {
	if sysRoot == "" {
		sysRoot = "/sys"
	}
	name := filepath.Base(eventNode)
	// eventN/device is the inputM node; its parent is the HID device that owns the LEDs.
	pattern := filepath.Join(sysRoot, "class", "input", name, "device", "device", "leds", "*", "multi_intensity")
	matches, err := filepath.Glob(pattern)
	if err != nil || len(matches) == 0 {
		return ""
	}
	// Only multicolor LEDs expose multi_intensity, so player indicators never match.
	sort.Strings(matches)
	return matches[0]
}
