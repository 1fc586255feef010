package cli

import (
	"cmp"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"github.com/getmockd/mqttlog/pkg/cli/internal/output"
	"github.com/getmockd/mqttlog/pkg/store"
)

// topicCount is the number of messages stored for one topic.
type topicCount struct {
	Topic string `json:"topic"`
	Count int64  `json:"count"`
}

// fileInfo is the info command output for one store.
type fileInfo struct {
	*store.Info
	Size     int64        `json:"size"`
	Sealed   bool         `json:"sealed"`
	Duration string       `json:"duration"`
	Topics   []topicCount `json:"topics"`
}

func newInfoCommand(a *app) *cobra.Command {
	var topics bool

	cmd := &cobra.Command{
		Use:   "info <file>...",
		Short: "Describe one or more store files",
		Long: `Prints the metadata, message count and time span of store files.
Arguments may be glob patterns, including ** for recursive matches, which are
expanded even when the shell does not.`,
		Example: `  mqttlog info MQTT_log_2024-03-01-10-00-00.000.db
  mqttlog info --topics --json 'logs/**/*.db'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := expandPaths(args)
			if err != nil {
				return err
			}
			infos := make([]fileInfo, 0, len(paths))
			for _, path := range paths {
				fi, err := describe(cmd, path)
				if err != nil {
					return err
				}
				infos = append(infos, fi)
			}

			if a.jsonOutput {
				return output.JSON(a.stdout, infos)
			}
			for i, fi := range infos {
				if i > 0 {
					_, _ = fmt.Fprintln(a.stdout)
				}
				printInfo(a, fi, topics)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&topics, "topics", false, "List message counts per topic")
	return cmd
}

// expandPaths expands glob patterns in args. Plain paths pass through
// untouched so a missing file is reported by name.
func expandPaths(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		if !strings.ContainsAny(arg, "*?[{") {
			paths = append(paths, arg)
			continue
		}
		matches, err := doublestar.FilepathGlob(arg)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", arg, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no store files match %q", arg)
		}
		slices.Sort(matches)
		paths = append(paths, matches...)
	}
	return paths, nil
}

func describe(cmd *cobra.Command, path string) (fileInfo, error) {
	ctx := cmd.Context()

	st, err := os.Stat(path)
	if err != nil {
		return fileInfo{}, err
	}
	r, err := store.Open(ctx, path)
	if err != nil {
		return fileInfo{}, err
	}
	defer func() { _ = r.Close() }()

	info, err := r.Info(ctx)
	if err != nil {
		return fileInfo{}, err
	}
	counts, err := r.TopicCounts(ctx)
	if err != nil {
		return fileInfo{}, err
	}

	topics := make([]topicCount, 0, len(counts))
	for topic, n := range counts {
		topics = append(topics, topicCount{Topic: topic, Count: n})
	}
	// Busiest first, then by name.
	slices.SortFunc(topics, func(x, y topicCount) int {
		if c := cmp.Compare(y.Count, x.Count); c != 0 {
			return c
		}
		return strings.Compare(x.Topic, y.Topic)
	})

	return fileInfo{
		Info:     info,
		Size:     st.Size(),
		Sealed:   info.Sealed(),
		Duration: info.Duration().String(),
		Topics:   topics,
	}, nil
}

func printInfo(a *app, fi fileInfo, withTopics bool) {
	tw := output.Table(a.stdout)
	_, _ = fmt.Fprintf(tw, "File:\t%s\n", fi.Path)
	_, _ = fmt.Fprintf(tw, "Size:\t%s\n", output.Bytes(fi.Size))
	_, _ = fmt.Fprintf(tw, "Format:\tv%d\n", fi.FormatVersion)
	_, _ = fmt.Fprintf(tw, "Broker:\t%s\n", fi.Meta.BrokerAddress)
	_, _ = fmt.Fprintf(tw, "Filters:\t%s\n", strings.Join(fi.Meta.Topics, ", "))
	_, _ = fmt.Fprintf(tw, "Created:\t%s\n", output.Time(fi.CreatedAt))
	if fi.Sealed {
		_, _ = fmt.Fprintf(tw, "Sealed:\t%s\n", output.Time(fi.SealedAt))
	} else {
		_, _ = fmt.Fprintf(tw, "Sealed:\tno (recording did not stop cleanly)\n")
	}
	_, _ = fmt.Fprintf(tw, "Messages:\t%s\n", output.Count(fi.Count))
	_, _ = fmt.Fprintf(tw, "First:\t%s\n", output.Time(fi.First))
	_, _ = fmt.Fprintf(tw, "Last:\t%s\n", output.Time(fi.Last))
	_, _ = fmt.Fprintf(tw, "Duration:\t%s\n", output.Duration(fi.Info.Duration()))
	_ = tw.Flush()

	if !withTopics || len(fi.Topics) == 0 {
		return
	}
	_, _ = fmt.Fprintln(a.stdout)
	tw = output.Table(a.stdout)
	_, _ = fmt.Fprintln(tw, "TOPIC\tMESSAGES")
	for _, t := range fi.Topics {
		_, _ = fmt.Fprintf(tw, "%s\t%s\n", t.Topic, output.Count(t.Count))
	}
	_ = tw.Flush()
}
