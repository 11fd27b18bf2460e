// Command smoke verifies a deployed monitor host: the health and metrics
// endpoints answer, the config and command registry parse, and the state
// directory is writable. Run after installation or upgrade.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
)

var (
	monitorURL   = getEnv("MONITOR_URL", "http://localhost:8088")
	configFile   = getEnv("BLOCKHOST_CONFIG", "/etc/blockhost/blockhost.yaml")
	commandsFile = getEnv("BLOCKHOST_COMMANDS_FILE", "/etc/blockhost/admin-commands.json")
	stateDir     = getEnv("BLOCKHOST_STATE_DIR", "/var/lib/blockhost")

	green = color.New(color.FgGreen).SprintFunc()
	red   = color.New(color.FgRed).SprintFunc()
	cyan  = color.New(color.FgCyan).SprintFunc()
)

// requiredMetrics must appear in the exposition of a healthy monitor.
var requiredMetrics = []string{
	"blockhost_blocks_processed_total",
	"blockhost_current_height",
	"blockhost_ledger_events_total",
	"blockhost_admin_commands_total",
	"blockhost_reconcile_runs_total",
}

type runner struct {
	passed, failed int
}

func main() {
	r := &runner{}

	r.waitForMonitor()
	r.checkMetrics()
	r.checkConfigFile()
	r.checkCommandRegistry()
	r.checkStateDir()

	fmt.Printf("\n%d passed, %d failed\n", r.passed, r.failed)
	if r.failed > 0 {
		os.Exit(1)
	}
}

func (r *runner) check(name string, err error) {
	if err != nil {
		r.failed++
		fmt.Printf("%s %s: %v\n", red("FAIL"), name, err)
		return
	}
	r.passed++
	fmt.Printf("%s %s\n", green("PASS"), name)
}

func (r *runner) waitForMonitor() {
	fmt.Printf("%s waiting for monitor at %s", cyan("INFO"), monitorURL)
	for i := 0; i < 30; i++ {
		resp, err := http.Get(monitorURL + "/health")
		if err == nil && resp.StatusCode == 200 {
			resp.Body.Close()
			fmt.Println(green(" up"))
			r.check("health endpoint", nil)
			return
		}
		time.Sleep(2 * time.Second)
		fmt.Print(".")
	}
	fmt.Println()
	r.check("health endpoint", fmt.Errorf("no answer from %s/health after 60s", monitorURL))
}

func (r *runner) checkMetrics() {
	resp, err := http.Get(monitorURL + "/metrics")
	if err != nil {
		r.check("metrics endpoint", err)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		r.check("metrics endpoint", err)
		return
	}
	r.check("metrics endpoint", nil)

	exposition := string(body)
	for _, metric := range requiredMetrics {
		if strings.Contains(exposition, metric) {
			r.check("metric "+metric, nil)
		} else {
			r.check("metric "+metric, fmt.Errorf("absent from exposition"))
		}
	}
}

func (r *runner) checkConfigFile() {
	info, err := os.Stat(configFile)
	if err != nil {
		r.check("config file", err)
		return
	}
	if info.Mode().Perm()&0o077 != 0 {
		r.check("config file", fmt.Errorf("%s is group or world readable", configFile))
		return
	}
	r.check("config file", nil)
}

// checkCommandRegistry accepts a missing file: admin commands are opt-in.
func (r *runner) checkCommandRegistry() {
	data, err := os.ReadFile(commandsFile)
	if os.IsNotExist(err) {
		fmt.Printf("%s admin commands not enabled (%s absent)\n", cyan("INFO"), commandsFile)
		return
	}
	if err != nil {
		r.check("command registry", err)
		return
	}

	var registry struct {
		Commands map[string]struct {
			Action string         `json:"action"`
			Params map[string]any `json:"params"`
		} `json:"commands"`
	}
	if err := json.Unmarshal(data, &registry); err != nil {
		r.check("command registry", fmt.Errorf("invalid JSON: %w", err))
		return
	}
	r.check("command registry", nil)

	for name, def := range registry.Commands {
		if def.Action == "" {
			r.check("command "+name, fmt.Errorf("missing action"))
		} else {
			r.check("command "+name, nil)
		}
	}
}

func (r *runner) checkStateDir() {
	probe := filepath.Join(stateDir, ".smoke-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		r.check("state dir writable", err)
		return
	}
	_ = os.Remove(probe)
	r.check("state dir writable", nil)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
