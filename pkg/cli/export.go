package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/getmockd/mqttlog/pkg/broker"
	"github.com/getmockd/mqttlog/pkg/store"
)

// Export formats.
const (
	exportJSONL = "jsonl"
	exportYAML  = "yaml"
)

// yamlMessage carries the payload as a string, which the YAML encoder writes
// as plain text when it is valid UTF-8 and as !!binary otherwise.
type yamlMessage struct {
	Sequence   uint64    `yaml:"sequence"`
	Topic      string    `yaml:"topic"`
	Payload    string    `yaml:"payload"`
	QoS        byte      `yaml:"qos"`
	Retained   bool      `yaml:"retained,omitempty"`
	CapturedAt time.Time `yaml:"capturedAt"`
}

type exportFlags struct {
	format string
	output string
	topic  string
}

func newExportCommand(a *app) *cobra.Command {
	var f exportFlags

	cmd := &cobra.Command{
		Use:   "export <file>",
		Short: "Dump the messages of a store file as JSON lines or YAML",
		Long: `Writes every message of a store file, in sequence order, to stdout or
--output. JSON lines carry the payload base64 encoded. YAML writes text
payloads as strings and binary ones as !!binary.`,
		Example: `  mqttlog export capture.db > capture.jsonl
  mqttlog export capture.db --format yaml --topic 'sensors/#' -o sensors.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.format != exportJSONL && f.format != exportYAML {
				return fmt.Errorf("unknown export format %q (want %s or %s)", f.format, exportJSONL, exportYAML)
			}
			if f.topic != "" {
				if err := broker.ValidateTopicFilter(f.topic); err != nil {
					return err
				}
			}

			w := a.stdout
			if f.output != "" {
				file, err := os.Create(f.output)
				if err != nil {
					return fmt.Errorf("create output: %w", err)
				}
				defer func() { _ = file.Close() }()
				w = file
			}

			n, err := export(cmd.Context(), args[0], w, f)
			if err != nil {
				return err
			}
			a.log.Debug("exported", "store", args[0], "messages", n, "format", f.format)
			return nil
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.format, "format", "f", exportJSONL, "Output format: jsonl or yaml")
	fl.StringVarP(&f.output, "output", "o", "", "Write to this file instead of stdout")
	fl.StringVarP(&f.topic, "topic", "t", "", "Only export messages matching this topic filter")
	return cmd
}

// export streams the messages of the store at path to w and returns how many
// were written.
func export(ctx context.Context, path string, w io.Writer, f exportFlags) (int, error) {
	r, err := store.Open(ctx, path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = r.Close() }()

	bw := bufio.NewWriter(w)
	var encode func(store.Message) error
	var closeEnc func() error

	switch f.format {
	case exportYAML:
		enc := yaml.NewEncoder(bw)
		enc.SetIndent(2)
		encode = func(m store.Message) error {
			return enc.Encode(yamlMessage{
				Sequence:   m.Sequence,
				Topic:      m.Topic,
				Payload:    string(m.Payload),
				QoS:        m.QoS,
				Retained:   m.Retained,
				CapturedAt: m.CapturedAt,
			})
		}
		closeEnc = enc.Close
	default:
		enc := json.NewEncoder(bw)
		encode = func(m store.Message) error { return enc.Encode(m) }
		closeEnc = func() error { return nil }
	}

	n := 0
	for msg, err := range r.Messages(ctx) {
		if err != nil {
			return n, err
		}
		if f.topic != "" && !broker.MatchTopic(f.topic, msg.Topic) {
			continue
		}
		if err := encode(msg); err != nil {
			return n, fmt.Errorf("encode message %d: %w", msg.Sequence, err)
		}
		n++
	}
	if err := closeEnc(); err != nil {
		return n, err
	}
	return n, bw.Flush()
}
