package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// gyroaim-ctl - Command-line IPC Client
// ============================================================================
// Sends one control action to gyroaimd over its Unix socket and prints the
// result.
//
// Usage:
//   gyroaim-ctl status
//   gyroaim-ctl calibrate-gyro
//   gyroaim-ctl set sensitivity 7.5
//
// Options:
//   -socket PATH    Unix domain socket path (default: /tmp/gyroaim.sock)
// ============================================================================

// ActionEnvelope wraps actions for JSON (mirrors the daemon's wire format).
type ActionEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// IPCResponse represents the daemon's response
type IPCResponse struct {
	Status string          `json:"status"`
	Error  string          `json:"error,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

var errUsage = errors.New("usage")

// simpleCommands map a command name to an action type without data.
var simpleCommands = map[string]string{
	"status":          "status",
	"calibrate-gyro":  "start_gyro_calibration",
	"calibrate-flick": "start_flick_calibration",
	"flick-turn":      "flick_test_turn",
	"flick-commit":    "flick_commit",
	"cancel":          "cancel_calibration",
	"listen-aim":      "listen_aim_binding",
	"clear-aim":       "clear_aim_binding",
	"reset":           "reset_settings",
}

// boolSettings and floatSettings are the keys accepted by "set".
var boolSettings = map[string]bool{
	"mouse_mode": true, "flick_stick": true, "always_on_gyro": true,
	"invert_x": true, "invert_y": true,
}

var floatSettings = map[string]bool{
	"sensitivity": true, "mouse_sensitivity": true, "anti_deadzone": true, "flick_value": true,
}

func main() {
	socketPath := "/tmp/gyroaim.sock"

	args := os.Args[1:]
	if len(args) > 0 && (args[0] == "-socket" || args[0] == "--socket") {
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "error: -socket requires an argument\n")
			os.Exit(1)
		}
		socketPath = args[1]
		args = args[2:]
	}

	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	if args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printUsage()
		return
	}

	env, err := buildEnvelope(args)
	if err != nil {
		if errors.Is(err, errUsage) {
			printUsage()
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	resp, err := sendEnvelope(socketPath, env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if len(resp.Data) > 0 {
		var out bytes.Buffer
		if err := json.Indent(&out, resp.Data, "", "  "); err != nil {
			fmt.Println(string(resp.Data))
			return
		}
		fmt.Println(out.String())
		return
	}
	fmt.Println("ok")
}

// buildEnvelope turns command-line arguments into an action envelope.
func buildEnvelope(args []string) (ActionEnvelope, error) {
	cmd := args[0]
	if t, ok := simpleCommands[cmd]; ok {
		return ActionEnvelope{Type: t}, nil
	}

	switch cmd {
	case "flick-adjust":
		if len(args) < 2 {
			return ActionEnvelope{}, fmt.Errorf("%w: flick-adjust requires a step or a delta", errUsage)
		}
		if d, err := strconv.ParseFloat(args[1], 64); err == nil {
			return withData("flick_adjust", map[string]float64{"delta": d})
		}
		return withData("flick_adjust", map[string]string{"step": strings.ReplaceAll(args[1], "-", "_")})

	case "set":
		if len(args) < 3 {
			return ActionEnvelope{}, fmt.Errorf("%w: set requires a key and a value", errUsage)
		}
		key := strings.ReplaceAll(args[1], "-", "_")
		switch {
		case boolSettings[key]:
			v, err := strconv.ParseBool(args[2])
			if err != nil {
				return ActionEnvelope{}, fmt.Errorf("invalid value for %s: %v", key, err)
			}
			return withData("update_settings", map[string]bool{key: v})
		case floatSettings[key]:
			v, err := strconv.ParseFloat(args[2], 64)
			if err != nil {
				return ActionEnvelope{}, fmt.Errorf("invalid value for %s: %v", key, err)
			}
			return withData("update_settings", map[string]float64{key: v})
		default:
			return ActionEnvelope{}, fmt.Errorf("unknown setting: %s", args[1])
		}

	case "led":
		if len(args) < 2 {
			return ActionEnvelope{}, fmt.Errorf("%w: led requires a colour (#RRGGBB)", errUsage)
		}
		hex := strings.TrimPrefix(args[1], "#")
		if len(hex) != 6 {
			return ActionEnvelope{}, fmt.Errorf("invalid colour %q", args[1])
		}
		v, err := strconv.ParseUint(hex, 16, 32)
		if err != nil {
			return ActionEnvelope{}, fmt.Errorf("invalid colour %q", args[1])
		}
		return withData("set_led_color", map[string]uint8{
			"r": uint8(v >> 16), "g": uint8(v >> 8), "b": uint8(v),
		})

	default:
		return ActionEnvelope{}, fmt.Errorf("%w: unknown command: %s", errUsage, cmd)
	}
}

func withData(typ string, v any) (ActionEnvelope, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return ActionEnvelope{}, fmt.Errorf("marshal %s: %w", typ, err)
	}
	return ActionEnvelope{Type: typ, Data: data}, nil
}

func sendEnvelope(socketPath string, env ActionEnvelope) (IPCResponse, error) {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	data, err := json.Marshal(env)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("marshal action: %w", err)
	}

	if _, err := fmt.Fprintf(conn, "%s\n", data); err != nil {
		return IPCResponse{}, fmt.Errorf("send action: %w", err)
	}

	var response IPCResponse
	if err := json.NewDecoder(conn).Decode(&response); err != nil {
		return IPCResponse{}, fmt.Errorf("decode response: %w", err)
	}

	if response.Status == "error" {
		return response, fmt.Errorf("daemon error: %s", response.Error)
	}
	return response, nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `gyroaim-ctl - Control the gyroaimd daemon via IPC

Usage:
  gyroaim-ctl [options] <command> [args]

Options:
  -socket PATH    Unix domain socket path (default: /tmp/gyroaim.sock)

Commands:
  status                   Print the daemon status as JSON
  calibrate-gyro           Start gyro offset calibration (hold the controller still)
  calibrate-flick          Start flick stick calibration
  flick-turn               Perform (or repeat) the calibration turn
  flick-adjust <step|n>    Adjust the flick value: ultra-fine-up, fine-down,
                           coarse-up, ... or a signed number of mouse units
  flick-commit             Store the calibrated flick value
  cancel                   Cancel the running calibration
  listen-aim               Bind the next pressed button or pulled trigger to aim
  clear-aim                Remove the aim binding
  set <key> <value>        Change a setting: mouse_mode, flick_stick,
                           always_on_gyro, invert_x, invert_y, sensitivity,
                           mouse_sensitivity, anti_deadzone, flick_value
  led <#RRGGBB>            Set the light bar colour
  reset                    Restore the startup settings
  help, -h, --help         Show this help message

Examples:
  gyroaim-ctl set mouse_mode true
  gyroaim-ctl flick-adjust fine-up
  gyroaim-ctl -socket /run/gyroaim.sock status
`)
}
