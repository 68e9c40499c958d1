// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package buildererrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

var errTest = New("Test:Failed", "test step failed")

func TestWrappedBuilderErrorMatches(t *testing.T) {
	cause := errors.New("exit status 32")
	err := fmt.Errorf("%w (target='/mnt'):\n%w", errTest, cause)

	assert.ErrorIs(t, err, errTest)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "Test:Failed", NameOf(err))
	assert.Equal(t, "test step failed (target='/mnt'):\nexit status 32", err.Error())
}

func TestNameOfPlainError(t *testing.T) {
	assert.Equal(t, "", NameOf(errors.New("plain")))
	assert.Equal(t, "", NameOf(nil))
}

func TestNamesWalksTree(t *testing.T) {
	errOuter := New("Outer:Failed", "outer failed")
	errOther := New("Other:Failed", "other failed")

	err := fmt.Errorf("%w:\n%w", errOuter, errors.Join(fmt.Errorf("%w", errTest), errOther))
	assert.Equal(t, []string{"Outer:Failed", "Test:Failed", "Other:Failed"}, Names(err))
	assert.Empty(t, Names(errors.New("plain")))
}
