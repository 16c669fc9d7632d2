package cfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Configuration {
	c := Default()
	c.NodeID = 1
	c.Connector.NodeURLs = []string{"127.0.0.1:6668"}
	return c
}

func TestValidate_ValidConfig(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidate_InvalidPort(t *testing.T) {
	for _, port := range []int{-1, 0, 70000} {
		c := validConfig()
		c.Server.Port = port
		assert.Error(t, c.Validate(), "port %d", port)
	}
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Configuration)
	}{
		{"no node urls", func(c *Configuration) { c.Connector.NodeURLs = nil }},
		{"url without port", func(c *Configuration) { c.Connector.NodeURLs = []string{"localhost"} }},
		{"unknown transport", func(c *Configuration) { c.Connector.Transport = "carrier-pigeon" }},
		{"kafka without brokers", func(c *Configuration) { c.Connector.Transport = TransportKafka }},
		{"nats without url", func(c *Configuration) { c.Connector.Transport = TransportNATS }},
		{"unknown batch kind", func(c *Configuration) { c.Connector.BatchKind = "zip" }},
		{"zero batch rows", func(c *Configuration) { c.Connector.BatchMaxRows = 0 }},
		{"unknown load balance", func(c *Configuration) { c.Connector.LoadBalance = "sticky" }},
		{"zero retry budget", func(c *Configuration) { c.Pipe.MaxRetryExecutionTimeMS = 0 }},
		{"zero tablet threshold", func(c *Configuration) { c.Pipe.ForcedRetryTabletQueueSize = 0 }},
		{"danger ratio above one", func(c *Configuration) { c.Pipe.MaxLinkedDeletedDiskPercentage = 1.5 }},
		{"pool initial above capacity", func(c *Configuration) { c.GRPCClient.PoolInitial = 10 }},
		{"zero heartbeat lock timeout", func(c *Configuration) { c.Agent.HeartbeatLockTimeoutMS = 0 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := validConfig()
			tc.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestValidate_BatchThresholdsIgnoredWhenDisabled(t *testing.T) {
	c := validConfig()
	c.Connector.BatchEnabled = false
	c.Connector.BatchMaxRows = 0
	assert.NoError(t, c.Validate())
}

func TestLoad_NonExistentFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tempDir := filepath.Join(t.TempDir(), "data")
	Config = validConfig()
	Config.DataDir = tempDir

	require.NoError(t, Load("non-existent-file.toml"))
	assert.Equal(t, uint64(1), Config.NodeID)
	assert.Equal(t, filepath.Join(tempDir, "spill"), Config.Connector.SpillDir)

	_, err := os.Stat(tempDir)
	assert.NoError(t, err, "data directory should be created")
}

func TestLoad_DecodesFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	dir := t.TempDir()
	path := filepath.Join(dir, "sluice.toml")
	content := `
node_id = 7
data_dir = "` + filepath.ToSlash(filepath.Join(dir, "data")) + `"

[connector]
node_urls = ["10.0.0.1:6668", "10.0.0.2:6668"]
batch_kind = "file"

[pipe]
forced_retry_total_queue_size = 99

[[regions.data]]
id = 3
database = "root.sg1"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	Config = Default()
	require.NoError(t, Load(path))

	assert.Equal(t, uint64(7), Config.NodeID)
	assert.Equal(t, []string{"10.0.0.1:6668", "10.0.0.2:6668"}, Config.Connector.NodeURLs)
	assert.Equal(t, BatchFile, Config.Connector.BatchKind)
	assert.Equal(t, 99, Config.Pipe.ForcedRetryTotalQueueSize)
	assert.Equal(t, 20, Config.Pipe.ForcedRetryTabletQueueSize, "unset keys keep defaults")
	require.Len(t, Config.Regions.Data, 1)
	assert.Equal(t, int32(3), Config.Regions.Data[0].ID)
	assert.NoError(t, Config.Validate())
}

func TestLoad_CLIOverrides(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tempDir := filepath.Join(t.TempDir(), "override")

	*DataDirFlag = tempDir
	*NodeIDFlag = 12345
	*PortFlag = 9999
	defer func() {
		*DataDirFlag = ""
		*NodeIDFlag = 0
		*PortFlag = 0
	}()

	Config = Default()
	require.NoError(t, Load(""))

	assert.Equal(t, tempDir, Config.DataDir)
	assert.Equal(t, uint64(12345), Config.NodeID)
	assert.Equal(t, 9999, Config.Server.Port)
	assert.Equal(t, filepath.Join(tempDir, "pipe-meta"), Config.GetMetaStorePath())
}

func BenchmarkValidate(b *testing.B) {
	c := validConfig()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Validate()
	}
}
