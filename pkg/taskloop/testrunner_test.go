package taskloop

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestDetectTestCommandsGo(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "go.mod", "module example.com/x\n")
	assert.Equal(t, []string{"go test ./..."}, DetectTestCommands(dir))
}

func TestDetectTestCommandsNode(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"scripts":{"test":"jest"}}`)
	assert.Equal(t, []string{"npm test"}, DetectTestCommands(dir))
}

func TestDetectTestCommandsPython(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "pyproject.toml", "[tool.pytest]\n")
	assert.Equal(t, []string{"pytest"}, DetectTestCommands(dir))
}

func TestDetectTestCommandsRust(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Cargo.toml", "[package]\n")
	assert.Equal(t, []string{"cargo test"}, DetectTestCommands(dir))
}

func TestDetectTestCommandsMultipleMarkers(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "go.mod", "module example.com/x\n")
	writeFile(t, dir, "package.json", `{"scripts":{"test":"jest"}}`)
	assert.Equal(t, []string{"npm test", "go test ./..."}, DetectTestCommands(dir))
}

func TestDetectTestCommandsNone(t *testing.T) {
	dir := t.TempDir()
	assert.Empty(t, DetectTestCommands(dir))
}

func TestDetectTestCommandsNodeWithoutTestScript(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"scripts":{"build":"tsc"}}`)
	assert.Empty(t, DetectTestCommands(dir))
}

func TestParseTestCountsPytest(t *testing.T) {
	counts := ParseTestCounts("5 passed, 2 failed, 1 skipped in 3.2s")
	assert.Equal(t, 5, counts.Passed)
	assert.Equal(t, 2, counts.Failed)
	assert.Equal(t, 1, counts.Skipped)
}

func TestParseTestCountsJest(t *testing.T) {
	counts := ParseTestCounts("Tests:       3 failed, 7 passed, 10 total")
	assert.Equal(t, 7, counts.Passed)
	assert.Equal(t, 3, counts.Failed)
}

func TestParseTestCountsGo(t *testing.T) {
	counts := ParseTestCounts("ok  \texample.com/pkg1\t0.2s\nFAIL\texample.com/pkg2\t0.1s\n")
	assert.Equal(t, 1, counts.Passed)
	assert.Equal(t, 1, counts.Failed)
}

func TestParseTestCountsEmpty(t *testing.T) {
	counts := ParseTestCounts("")
	assert.Equal(t, 0, counts.Passed)
	assert.Equal(t, 0, counts.Failed)
}
