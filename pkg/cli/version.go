package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/getmockd/mqttlog/pkg/cli/internal/output"
)

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"buildDate"`
	Go        string `json:"go"`
	Platform  string `json:"platform"`
}

func newVersionCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			v := versionInfo{
				Version:   Version,
				Commit:    Commit,
				BuildDate: BuildDate,
				Go:        runtime.Version(),
				Platform:  runtime.GOOS + "/" + runtime.GOARCH,
			}
			if a.jsonOutput {
				return output.JSON(a.stdout, v)
			}
			_, _ = fmt.Fprintf(a.stdout, "mqttlog %s\n", v.Version)
			_, _ = fmt.Fprintf(a.stdout, "  commit: %s\n", v.Commit)
			_, _ = fmt.Fprintf(a.stdout, "  built:  %s\n", v.BuildDate)
			_, _ = fmt.Fprintf(a.stdout, "  go:     %s %s\n", v.Go, v.Platform)
			return nil
		},
	}
}
