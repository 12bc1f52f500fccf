package ledger

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseObjectID(t *testing.T) {
	full := "0x" + strings.Repeat("ab", 32)
	for _, s := range []string{"0x01", "1", "ff", "0XFF", "0xdead", full} {
		id, err := ParseObjectID(s)
		require.NoError(t, err, s)
		assert.Equal(t, HexToObjectID(s), id, s)
	}

	for _, s := range []string{"", "0x", "0xzz", "12g4", "0x0x12", full + "00"} {
		_, err := ParseObjectID(s)
		assert.Error(t, err, s)
	}
}
