// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"io"
	"log"
	"strings"
	"testing"
)

// TestLogger returns a *log.Logger that writes every line through t.Log,
// so log output from a background goroutine shows up attributed to the
// test that started it instead of racing stdout.
func TestLogger(t testing.TB) *log.Logger {
	return log.New(&testWriter{t}, "", log.LstdFlags)
}

// TestLoggerWithName is TestLogger with a name prefix, for tests that
// spin up more than one node and want to tell their log lines apart.
func TestLoggerWithName(t testing.TB, name string) *log.Logger {
	return log.New(&testWriter{t}, "["+name+"] ", log.LstdFlags)
}

// TestWriter returns an io.Writer suitable for Config.LogOutput.
func TestWriter(t testing.TB) io.Writer {
	return &testWriter{t}
}

type testWriter struct {
	t testing.TB
}

func (tw *testWriter) Write(p []byte) (n int, err error) {
	tw.t.Helper()
	tw.t.Log(strings.TrimSpace(string(p)))
	return len(p), nil
}
