// SPDX-FileCopyrightText: Copyright (C) 2024 The veil authors
// SPDX-License-Identifier: AGPL-3.0-only

package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRejectsBogusLevel(t *testing.T) {
	require := require.New(t)

	_, err := New(&Config{Level: "LOUD"})
	require.Error(err)
}

func TestFileLogging(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "test.log")
	b, err := New(&Config{File: f, Level: "INFO"})
	require.NoError(err)

	log := b.GetLogger("testmodule")
	log.Noticef("path established")
	log.Debugf("this is below the configured level")

	blob, err := os.ReadFile(f)
	require.NoError(err)
	require.Contains(string(blob), "testmodule: path established")
	require.NotContains(string(blob), "below the configured level")
}

func TestSetLevelPerModule(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "test.log")
	b, err := New(&Config{File: f, Level: "NOTICE"})
	require.NoError(err)
	require.Error(b.SetLevel("chatty", "LOUD"))
	require.NoError(b.SetLevel("chatty", "DEBUG"))

	b.GetLogger("chatty").Debugf("debug enabled here")
	b.GetLogger("quiet").Debugf("debug still off here")

	blob, err := os.ReadFile(f)
	require.NoError(err)
	require.True(strings.Contains(string(blob), "chatty: debug enabled here"))
	require.False(strings.Contains(string(blob), "quiet:"))
}
