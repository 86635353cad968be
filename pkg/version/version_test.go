package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFullCarriesAppNameAndCommit(t *testing.T) {
	full := Full()
	assert.True(t, strings.HasPrefix(full, "trellis/"))
	assert.Equal(t, "trellis/"+Commit(), full)
	assert.NotEmpty(t, Commit())
	assert.LessOrEqual(t, len(Commit()), 40)
}

func TestShortTruncatesLongRevisions(t *testing.T) {
	assert.Equal(t, "a3f8c2d1", short("a3f8c2d1e9b407665544332211009988aabbccdd"))
	assert.Equal(t, "dev", short("dev"))
}
