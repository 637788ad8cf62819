package cmd

import (
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/kpanic/internal/config"
	"firestige.xyz/kpanic/internal/core"
	"firestige.xyz/kpanic/internal/sink"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Validate a configuration file without starting the receiver and print the
effective configuration (file, environment and defaults merged) as YAML.

Examples:
  kpanic validate -c /etc/kpanic/config.yml
  KPANIC_SINK_TYPE=kafka kpanic validate -c config.yml`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runValidate(configFile, cmd.OutOrStdout()); err != nil {
			fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
			os.Exit(1)
		}
	},
}

func runValidate(path string, w io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if !slices.Contains(sink.Names(), cfg.Sink.Type) {
		return fmt.Errorf("%w: unknown sink %q (available: %v)", core.ErrConfigInvalid, cfg.Sink.Type, sink.Names())
	}

	out, err := yaml.Marshal(map[string]*config.Config{"kpanic": cfg})
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	fmt.Fprintf(w, "# VALID: mode=%s sink=%s\n", cfg.Listen.Mode, cfg.Sink.Type)
	_, err = w.Write(out)
	return err
}
