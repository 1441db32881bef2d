package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	goruntime "runtime"

	"github.com/spf13/cobra"

	"github.com/dorklabs/dorkos/internal/config"
	"github.com/dorklabs/dorkos/internal/db"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("dorkos doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", goruntime.GOOS, goruntime.GOARCH)
	fmt.Printf("  Go:       %s\n", goruntime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (not found, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Printf("  Boundary: %s", cfg.Boundary)
	if info, err := os.Stat(cfg.Boundary); err != nil || !info.IsDir() {
		fmt.Println(" (NOT A DIRECTORY)")
	} else {
		fmt.Println(" (OK)")
	}

	dbPath := filepath.Join(cfg.DataDir, "dorkos.db")
	fmt.Printf("  Database: %s", dbPath)
	if conn, err := db.Open(dbPath); err != nil {
		fmt.Printf(" (ERROR: %s)\n", err)
	} else {
		conn.Close()
		fmt.Println(" (OK)")
	}

	fmt.Print("  Runtime:  claude")
	if path, err := exec.LookPath("claude"); err != nil {
		fmt.Println(" (NOT FOUND in PATH)")
	} else {
		fmt.Printf(" (%s)\n", path)
	}

	f := cfg.Features()
	fmt.Println()
	fmt.Println("  Features:")
	fmt.Printf("    pulse: %v  relay: %v  mesh: %v\n", f.Pulse, f.Relay, f.Mesh)
}
