package staging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFinalNameFormat(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.Local)
	assert.Equal(t, "signal-2024-01-02-03-04-05.backup", FinalName(ts))

	parsed, ok := ParseFinalName("signal-2024-01-02-03-04-05.backup")
	require.True(t, ok)
	assert.True(t, parsed.Equal(ts))
}

func TestParseFinalNameRejectsOthers(t *testing.T) {
	for _, name := range []string{
		"signal-2024-01-02.backup",
		".backup1234.tmp",
		"other-2024-01-02-03-04-05.backup",
		"signal-2024-01-02-03-04-05.backup.tmp",
	} {
		assert.False(t, IsFinalName(name), name)
	}
}

func TestIsStagingName(t *testing.T) {
	assert.True(t, IsStagingName(".backup1234.tmp"))
	assert.True(t, IsStagingName(StagingName("3f0e2c1a-0000-4000-8000-000000000000")))
	assert.False(t, IsStagingName("backup1234.tmp"))
	assert.False(t, IsStagingName(".backup1234.tmp.keep"))
	assert.False(t, IsStagingName(".backu.tmp"))
}
