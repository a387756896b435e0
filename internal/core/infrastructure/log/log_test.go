package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logconfig "github.com/weisyn/syncnet/internal/config/log"
)

// newFileLogger 创建只写文件的日志记录器
func newFileLogger(t *testing.T, opts logconfig.LogOptions) (string, func() string) {
	t.Helper()
	dir := t.TempDir()
	opts.FilePath = filepath.Join(dir, "node.log")
	opts.ToConsole = false
	logger, err := New(logconfig.New(&opts))
	require.NoError(t, err)

	read := func(name string) string {
		_ = logger.Sync()
		content, err := os.ReadFile(filepath.Join(dir, name))
		if os.IsNotExist(err) {
			return ""
		}
		require.NoError(t, err)
		return string(content)
	}

	SetLogger(logger)
	t.Cleanup(ResetDefault)
	return dir, func() string { return read("node.log") }
}

func TestFileLogger_WritesAllLevels(t *testing.T) {
	_, read := newFileLogger(t, logconfig.LogOptions{Level: DebugLevel})

	logger := GetLogger()
	logger.Debug("调试日志")
	logger.Info("信息日志")
	logger.Warnf("警告日志 %d", 1)
	logger.Error("错误日志")

	content := read()
	assert.Contains(t, content, "调试日志")
	assert.Contains(t, content, "信息日志")
	assert.Contains(t, content, "警告日志 1")
	assert.Contains(t, content, "错误日志")
}

func TestFileLogger_LevelFiltersDebug(t *testing.T) {
	_, read := newFileLogger(t, logconfig.LogOptions{Level: WarnLevel})

	GetLogger().Info("不应出现")
	GetLogger().Warn("应出现")

	content := read()
	assert.NotContains(t, content, "不应出现")
	assert.Contains(t, content, "应出现")
}

func TestWith_AddsStructuredFields(t *testing.T) {
	_, read := newFileLogger(t, logconfig.LogOptions{Level: InfoLevel})

	With("peer", "12D3KooW", "attempt", 2).Info("查询重试")

	content := read()
	assert.Contains(t, content, `"peer":"12D3KooW"`)
	assert.Contains(t, content, `"attempt":2`)
	assert.Contains(t, content, "查询重试")
}

func TestMultiFile_RoutesByModule(t *testing.T) {
	dir, _ := newFileLogger(t, logconfig.LogOptions{
		Level:           InfoLevel,
		EnableMultiFile: true,
		NetworkLogFile:  "net.log",
		ProtocolLogFile: "proto.log",
	})

	logger := GetLogger()
	NewModuleLogger(logger, "loop").Info("connected")
	NewModuleLogger(logger, "dispatcher").Info("query done")
	logger.Info("shared")
	require.NoError(t, logger.Sync())

	netLog, err := os.ReadFile(filepath.Join(dir, "net.log"))
	require.NoError(t, err)
	protoLog, err := os.ReadFile(filepath.Join(dir, "proto.log"))
	require.NoError(t, err)

	assert.True(t, strings.Contains(string(netLog), "connected"))
	assert.False(t, strings.Contains(string(netLog), "query done"))
	assert.True(t, strings.Contains(string(protoLog), "query done"))
	assert.False(t, strings.Contains(string(protoLog), "connected"))
	assert.Contains(t, string(netLog), "shared")
	assert.Contains(t, string(protoLog), "shared")
}

func TestNewModuleLogger_NilBaseReturnsNop(t *testing.T) {
	logger := NewModuleLogger(nil, "pool")
	require.NotNil(t, logger)
	logger.Info("ignored")
	assert.NotNil(t, logger.GetZapLogger())
}
