// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCmp(t *testing.T) {
	assert.Equal(t, 1, Version{2}.Cmp(Version{1}))
	assert.Equal(t, 1, Version{2}.Cmp(Version{1, 1}))
	assert.Equal(t, 1, Version{2, 1}.Cmp(Version{2}))
	assert.Equal(t, 0, Version{6, 8}.Cmp(Version{6, 8, 0}))
	assert.Equal(t, -1, Version{4, 4}.Cmp(Version{4, 5}))
}

func TestVersionLt(t *testing.T) {
	assert.True(t, Version{1}.Lt(Version{2}))
	assert.True(t, Version{5, 19}.Lt(Version{6}))
	assert.False(t, Version{2}.Lt(Version{2, 0}))
	assert.False(t, Version{6, 8, 1}.Lt(Version{6, 8}))
}

func TestVersionString(t *testing.T) {
	assert.Equal(t, "6.8.0", Version{6, 8, 0}.String())
	assert.Equal(t, "", Version{}.String())
}

func TestParse(t *testing.T) {
	v, err := Parse("6.8.12")
	require.NoError(t, err)
	assert.Equal(t, Version{6, 8, 12}, v)

	_, err = Parse("6.8-rc1")
	assert.Error(t, err)

	_, err = Parse("")
	assert.Error(t, err)
}
