package commands

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/osgrep/osgrep/internal/config"
	"github.com/osgrep/osgrep/internal/store"
)

// NewDoctorCommand diagnoses the local installation.
func NewDoctorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose the local installation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(cmd.Context(), func(cfg *config.Config, st store.Store) error {
				report := func(ok bool, what string) {
					mark := "ok"
					if !ok {
						mark = "MISSING"
					}
					fmt.Printf("%-40s %s\n", what, mark)
				}

				info, err := os.Stat(cfg.DataDir)
				report(err == nil && info.IsDir(), "data directory "+cfg.DataDir)

				probe := filepath.Join(cfg.DataDir, ".doctor-probe")
				writable := os.WriteFile(probe, []byte("ok"), 0o600) == nil
				_ = os.Remove(probe)
				report(writable, "data directory writable")

				// the store opened during startup, so reaching here means
				// the database is healthy; report row presence
				paths, err := st.ListPaths(cmd.Context())
				report(err == nil, "index store opens")
				fmt.Printf("%-40s %d\n", "indexed paths", len(paths))

				entries, err := os.ReadDir(cfg.ModelsDir())
				report(err == nil && len(entries) > 0, "model assets present")
				entries, err = os.ReadDir(cfg.GrammarsDir())
				report(err == nil && len(entries) > 0, "grammar assets present")

				_, err = exec.LookPath(cfg.WorkerCommand[0])
				report(err == nil, "worker sidecar on PATH")
				return nil
			})
		},
	}
}
