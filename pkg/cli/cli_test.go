package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/getmockd/mqttlog/pkg/broker/brokertest"
	"github.com/getmockd/mqttlog/pkg/config"
	"github.com/getmockd/mqttlog/pkg/store"
)

var epoch = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

// TestMain points the default config lookup at an empty directory so a
// developer's own config file cannot leak into the tests.
func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "mqttlog-cli-test")
	if err != nil {
		panic(err)
	}
	_ = os.Setenv("XDG_CONFIG_HOME", dir)
	code := m.Run()
	_ = os.RemoveAll(dir)
	os.Exit(code)
}

type result struct {
	stdout string
	stderr string
	err    error
}

// run executes the command tree with args, routing broker connections to b
// when it is not nil.
func run(ctx context.Context, t *testing.T, b *brokertest.Broker, args ...string) result {
	t.Helper()

	a := &app{}
	if b != nil {
		a.newClient = b.NewClient
	}
	root := newRootCommand(a)
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)

	err := a.execute(ctx, root)
	return result{stdout: stdout.String(), stderr: stderr.String(), err: err}
}

// writeStore creates a sealed store holding msgs, spaced gap apart.
func writeStore(t *testing.T, gap time.Duration, msgs ...store.Message) string {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), store.Filename(epoch))

	w, err := store.CreateAt(ctx, path, epoch, store.Meta{BrokerAddress: "localhost:1883", Topics: []string{"#"}})
	require.NoError(t, err)
	for i := range msgs {
		msgs[i].CapturedAt = epoch.Add(time.Duration(i) * gap)
		_, err := w.Append(ctx, &msgs[i])
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return path
}

func sampleMessages() []store.Message {
	return []store.Message{
		{Topic: "sensors/temp", Payload: []byte("21.5"), QoS: 1},
		{Topic: "devices/a/state", Payload: []byte("on"), Retained: true},
		{Topic: "sensors/temp", Payload: []byte{0x00, 0xff}, QoS: 0},
	}
}

func TestVersion(t *testing.T) {
	res := run(context.Background(), t, nil, "version", "--json")
	require.NoError(t, res.err)

	var v versionInfo
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &v))
	assert.Equal(t, Version, v.Version)
	assert.NotEmpty(t, v.Go)

	res = run(context.Background(), t, nil, "version")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "mqttlog "+Version)
}

func TestInfo(t *testing.T) {
	path := writeStore(t, 500*time.Millisecond, sampleMessages()...)

	res := run(context.Background(), t, nil, "info", "--json", path)
	require.NoError(t, res.err)

	var infos []struct {
		Path   string `json:"path"`
		Count  int64  `json:"count"`
		Size   int64  `json:"size"`
		Sealed bool   `json:"sealed"`
		Topics []struct {
			Topic string `json:"topic"`
			Count int64  `json:"count"`
		} `json:"topics"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, path, infos[0].Path)
	assert.EqualValues(t, 3, infos[0].Count)
	assert.True(t, infos[0].Sealed)
	assert.Positive(t, infos[0].Size)
	require.Len(t, infos[0].Topics, 2)
	assert.Equal(t, "sensors/temp", infos[0].Topics[0].Topic, "busiest topic first")
	assert.EqualValues(t, 2, infos[0].Topics[0].Count)

	res = run(context.Background(), t, nil, "info", "--topics", path)
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "localhost:1883")
	assert.Contains(t, res.stdout, "devices/a/state")
	assert.Contains(t, res.stdout, "1.0s")
}

func TestInfoMissingFile(t *testing.T) {
	res := run(context.Background(), t, nil, "info", filepath.Join(t.TempDir(), "nope.db"))
	assert.Error(t, res.err)
}

func TestExportJSONL(t *testing.T) {
	msgs := sampleMessages()
	path := writeStore(t, time.Millisecond, msgs...)

	res := run(context.Background(), t, nil, "export", path)
	require.NoError(t, res.err)

	var got []store.Message
	sc := bufio.NewScanner(strings.NewReader(res.stdout))
	for sc.Scan() {
		var m store.Message
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		got = append(got, m)
	}
	require.Len(t, got, 3)
	for i, m := range got {
		assert.Equal(t, uint64(i), m.Sequence)
		assert.Equal(t, msgs[i].Topic, m.Topic)
		assert.Equal(t, msgs[i].Payload, m.Payload)
		assert.True(t, msgs[i].CapturedAt.Equal(m.CapturedAt))
	}
}

func TestExportYAMLToFile(t *testing.T) {
	path := writeStore(t, time.Millisecond, sampleMessages()...)
	out := filepath.Join(t.TempDir(), "out.yaml")

	res := run(context.Background(), t, nil, "export", path, "--format", "yaml", "--topic", "devices/#", "-o", out)
	require.NoError(t, res.err)
	assert.Empty(t, res.stdout)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	var m yamlMessage
	require.NoError(t, yaml.Unmarshal(data, &m))
	assert.Equal(t, "on", m.Payload)
	assert.Equal(t, "devices/a/state", m.Topic)
	assert.Equal(t, uint64(1), m.Sequence)
	assert.True(t, m.Retained)
}

func TestExportBadArguments(t *testing.T) {
	path := writeStore(t, time.Millisecond, sampleMessages()...)

	res := run(context.Background(), t, nil, "export", path, "--format", "csv")
	assert.ErrorContains(t, res.err, "unknown export format")

	res = run(context.Background(), t, nil, "export", path, "--topic", "a/#/b")
	assert.Error(t, res.err)
}

func TestRecordValidation(t *testing.T) {
	res := run(context.Background(), t, brokertest.New(), "record", "--broker", "localhost:1883")
	var ve *config.ValidationError
	require.ErrorAs(t, res.err, &ve)
	assert.Equal(t, "recorder.topics", ve.Field)

	res = run(context.Background(), t, brokertest.New(), "record", "--topic", "#")
	require.ErrorAs(t, res.err, &ve)
	assert.Equal(t, "recorder.broker_address", ve.Field)
}

func TestRecordUntilInterrupted(t *testing.T) {
	b := brokertest.New()
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan result, 1)
	go func() {
		done <- run(ctx, t, b, "record", "--json",
			"--broker", "localhost:1883",
			"--topic", "sensors/#,devices/+/state",
			"--output-dir", dir)
	}()

	require.Eventually(t, func() bool { return len(b.Subscriptions()) == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, b.Publish("sensors/temp", []byte("21.5"), 1, false))
	assert.Equal(t, 1, b.Publish("devices/a/state", []byte("on"), 0, false))
	assert.Equal(t, 0, b.Publish("other/topic", []byte("x"), 0, false))
	cancel()

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("record did not stop")
	}
	require.NoError(t, res.err)

	var summary recordSummary
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &summary))
	assert.Equal(t, "stopped", summary.State)
	assert.EqualValues(t, 2, summary.Messages)
	assert.Equal(t, dir, filepath.Dir(summary.Path))
	assert.Zero(t, b.Connected())

	r, err := store.Open(context.Background(), summary.Path)
	require.NoError(t, err)
	defer r.Close()
	info, err := r.Info(context.Background())
	require.NoError(t, err)
	assert.True(t, info.Sealed())
	assert.EqualValues(t, 2, info.Count)
	assert.Equal(t, []string{"sensors/#", "devices/+/state"}, info.Meta.Topics)
}

func TestRecordDuration(t *testing.T) {
	b := brokertest.New()
	res := run(context.Background(), t, b, "record",
		"-b", "localhost:1883", "-t", "#", "-o", t.TempDir(), "--duration", "50ms")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "Recorded 0 messages")
	assert.Equal(t, 1, b.Connects())
}

func TestRecordConnectFailure(t *testing.T) {
	b := brokertest.New()
	b.FailConnect(errors.New("refused"))
	res := run(context.Background(), t, b, "record", "-b", "localhost:1883", "-t", "#", "-o", t.TempDir())
	assert.ErrorContains(t, res.err, "refused")
}

func TestPlay(t *testing.T) {
	path := writeStore(t, 20*time.Millisecond, sampleMessages()...)
	b := brokertest.New()

	res := run(context.Background(), t, b, "play", path, "--json", "--broker", "localhost:1883", "--speed", "10")
	require.NoError(t, res.err)

	var summary playSummary
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &summary))
	assert.Equal(t, "finished", summary.State)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 3, summary.Published)
	assert.Equal(t, 10.0, summary.Speed)

	pubs := b.Published()
	require.Len(t, pubs, 3)
	assert.Equal(t, "sensors/temp", pubs[0].Topic)
	assert.Equal(t, byte(1), pubs[0].QoS)
	assert.False(t, pubs[1].Retained, "retained flag is dropped unless --retain")
	assert.Equal(t, []byte{0x00, 0xff}, pubs[2].Payload)
}

func TestPlayOverrides(t *testing.T) {
	path := writeStore(t, time.Millisecond, sampleMessages()...)
	b := brokertest.New()

	res := run(context.Background(), t, b, "play", path, "-b", "localhost:1883", "--qos", "2", "--retain")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "Published 3 of 3")

	pubs := b.Published()
	require.Len(t, pubs, 3)
	for _, p := range pubs {
		assert.Equal(t, byte(2), p.QoS)
	}
	assert.True(t, pubs[1].Retained)
}

func TestPlayReportsFailures(t *testing.T) {
	path := writeStore(t, time.Millisecond, sampleMessages()...)
	b := brokertest.New()
	b.FailPublish(func(topic string) error {
		if topic == "devices/a/state" {
			return errors.New("not authorized")
		}
		return nil
	})

	res := run(context.Background(), t, b, "play", path, "-b", "localhost:1883")
	assert.ErrorContains(t, res.err, "1 of 3 messages were not published")
	assert.Contains(t, res.stderr, "not authorized")
	assert.Len(t, b.Published(), 2)
}

func TestPlayValidation(t *testing.T) {
	path := writeStore(t, time.Millisecond, sampleMessages()...)

	res := run(context.Background(), t, brokertest.New(), "play", path, "-b", "localhost:1883", "--speed", "-1")
	var ve *config.ValidationError
	require.ErrorAs(t, res.err, &ve)
	assert.Equal(t, "player.speed", ve.Field)

	res = run(context.Background(), t, brokertest.New(), "play", filepath.Join(t.TempDir(), "missing.db"), "-b", "x")
	assert.Error(t, res.err)
}

func TestPlayInterrupted(t *testing.T) {
	path := writeStore(t, time.Hour, sampleMessages()...)
	b := brokertest.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan result, 1)
	go func() {
		done <- run(ctx, t, b, "play", path, "--json", "-b", "localhost:1883")
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	_, err := b.WaitPublished(waitCtx, 1)
	require.NoError(t, err)
	cancel()

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("play did not stop")
	}
	require.NoError(t, res.err)

	var summary playSummary
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &summary))
	assert.Equal(t, "cancelled", summary.State)
	assert.Equal(t, 1, summary.Published)
}

func TestConfigFileFeedsCommands(t *testing.T) {
	path := writeStore(t, time.Millisecond, sampleMessages()...)
	cfgPath := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
[player]
broker_address = "from-file:1883"
speed = 50.0
`), 0o600))

	b := brokertest.New()
	res := run(context.Background(), t, b, "--config", cfgPath, "play", path, "--json")
	require.NoError(t, res.err)

	var summary playSummary
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &summary))
	assert.Equal(t, 50.0, summary.Speed)
	assert.Equal(t, 3, summary.Published)

	res = run(context.Background(), t, nil, "--config", filepath.Join(t.TempDir(), "missing.toml"), "version")
	assert.ErrorIs(t, res.err, config.ErrFileNotFound)
}

func TestInfoGlob(t *testing.T) {
	first := writeStore(t, time.Millisecond, sampleMessages()...)
	second := writeStore(t, time.Millisecond, sampleMessages()[:1]...)

	paths, err := expandPaths([]string{filepath.Join(filepath.Dir(first), "*.db"), second})
	require.NoError(t, err)
	assert.Equal(t, []string{first, second}, paths)

	_, err = expandPaths([]string{filepath.Join(t.TempDir(), "**", "*.db")})
	assert.ErrorContains(t, err, "no store files match")
}
