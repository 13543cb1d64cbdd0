package staging

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeUID_ReplacesDotsAndSlashes(t *testing.T) {
	require.Equal(t, "1_2_840_10008", SanitizeUID("1.2.840.10008"))
}

func TestSanitizeUID_NeutralizesPathTraversal(t *testing.T) {
	sanitized := SanitizeUID("../../etc/passwd")
	require.False(t, strings.Contains(sanitized, ".."))
	require.NotContains(t, sanitized, "/")
}

func TestSanitizeUID_TruncatesToMaxLength(t *testing.T) {
	long := strings.Repeat("9", 400)
	sanitized := SanitizeUID(long)
	require.LessOrEqual(t, len(sanitized), maxPathComponentLength)
}

func TestSanitizeUID_EmptyInputIsNeverEmptyOutput(t *testing.T) {
	require.NotEqual(t, "", SanitizeUID(""))
}
