package folder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSeqSetFromUIDsCompactsRanges pins the wire-batching contract spec.md
// §4.6 asks for: a chunk of UIDs becomes one compacted IMAP sequence set,
// not one token per UID, so a 100-message flags batch stays well under
// line-length limits.
func TestSeqSetFromUIDsCompactsRanges(t *testing.T) {
	seqSet, err := seqSetFromUIDs([]int64{1, 2, 3, 4, 5, 10, 12, 13})
	require.NoError(t, err)
	assert.Equal(t, "1:5,10,12:13", seqSet.String())
}

func TestSeqSetFromUIDsSingleValue(t *testing.T) {
	seqSet, err := seqSetFromUIDs([]int64{42})
	require.NoError(t, err)
	assert.Equal(t, "42", seqSet.String())
}
