package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoadConfig_TargetDefaultsReadRequestTrueWhenOmitted(t *testing.T) {
	path := writeConfigFile(t, `
listen_address: ":9000"
bucket: "my-bucket"
access_key: "ak"
secret_key: "sk"
log_level: "info"
targets:
  - name: "a"
    s3:
      endpoint: "http://a"
      bucket: "a-bucket"
`)

	config, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, config.Targets, 1)
	assert.True(t, config.Targets[0].ReadRequest, "read_request must default to true when omitted")
	assert.Equal(t, uint32(1), config.Targets[0].Priority)
}

func TestLoadConfig_TargetExplicitReadRequestFalseIsRespected(t *testing.T) {
	path := writeConfigFile(t, `
listen_address: ":9000"
bucket: "my-bucket"
access_key: "ak"
secret_key: "sk"
log_level: "info"
targets:
  - name: "a"
    read_request: false
    s3:
      endpoint: "http://a"
      bucket: "a-bucket"
  - name: "b"
    s3:
      endpoint: "http://b"
      bucket: "b-bucket"
`)

	config, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, config.Targets, 2)
	assert.False(t, config.Targets[0].ReadRequest, "explicit read_request:false must not be overridden")
	assert.True(t, config.Targets[1].ReadRequest)
}

func TestLoadConfig_TargetPriorityDefaultsToOneWhenOmitted(t *testing.T) {
	path := writeConfigFile(t, `
listen_address: ":9000"
bucket: "my-bucket"
access_key: "ak"
secret_key: "sk"
log_level: "info"
targets:
  - name: "a"
    priority: 5
    s3:
      endpoint: "http://a"
      bucket: "a-bucket"
  - name: "b"
    s3:
      endpoint: "http://b"
      bucket: "b-bucket"
`)

	config, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, config.Targets, 2)
	assert.Equal(t, uint32(5), config.Targets[0].Priority)
	assert.Equal(t, uint32(1), config.Targets[1].Priority)
}
