// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package logger

import (
	"os"
	"testing"
)

type mockLogSink struct {
	calls int
}

func (m *mockLogSink) Info(level int, msg string, keysAndValues ...interface{}) {
	m.calls++
}

func BenchmarkLogger(b *testing.B) {
	b.ReportAllocs()
	b.ResetTimer()

	logger := New(&mockLogSink{}, 0, map[Component]Level{
		ComponentCommand: LevelDebug,
	})
	defer logger.Close()
	StartPrintListener(logger)

	for i := 0; i < b.N; i++ {
		logger.Print(LevelInfo, &CommandStartedMessage{})
	}
}

func TestSelectMaxDocumentLength(t *testing.T) {
	t.Cleanup(func() { os.Unsetenv(maxDocumentLengthEnvVar) })

	cases := []struct {
		name     string
		arg      uint
		expected uint
		env      string
	}{
		{name: "explicit value wins", arg: 100, expected: 100},
		{name: "default when unset", arg: 0, expected: DefaultMaxDocumentLength},
		{name: "env fallback", arg: 0, expected: 250, env: "250"},
		{name: "invalid env falls back to default", arg: 0, expected: DefaultMaxDocumentLength, env: "not-a-number"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if tc.env != "" {
				os.Setenv(maxDocumentLengthEnvVar, tc.env)
			} else {
				os.Unsetenv(maxDocumentLengthEnvVar)
			}
			got := selectMaxDocumentLength(func() uint { return tc.arg }, getEnvMaxDocumentLength)
			if got != tc.expected {
				t.Errorf("expected %d, got %d", tc.expected, got)
			}
		})
	}
}

func TestSelectLogSink(t *testing.T) {
	t.Cleanup(func() { os.Unsetenv(logSinkPathEnvVar) })
	os.Unsetenv(logSinkPathEnvVar)

	explicit := &mockLogSink{}
	got := selectLogSink(func() LogSink { return explicit }, getEnvLogSink)
	if got != LogSink(explicit) {
		t.Errorf("expected the explicitly supplied sink to win")
	}

	got = selectLogSink(func() LogSink { return nil }, getEnvLogSink)
	if got == nil {
		t.Errorf("expected a default stderr sink when nothing else is set")
	}
}

func TestSelectComponentLevels(t *testing.T) {
	for _, envVar := range allComponentEnvVars {
		os.Unsetenv(string(envVar))
	}
	t.Cleanup(func() {
		for _, envVar := range allComponentEnvVars {
			os.Unsetenv(string(envVar))
		}
	})

	got := selectComponentLevels(
		func() map[Component]Level { return map[Component]Level{ComponentCommand: LevelDebug} },
		getEnvComponentLevels,
	)
	if got[ComponentCommand] != LevelDebug {
		t.Errorf("expected explicit ComponentCommand=Debug to win, got %v", got[ComponentCommand])
	}
}

func TestLoggerIs(t *testing.T) {
	l := New(&mockLogSink{}, 0, map[Component]Level{ComponentCommand: LevelDebug})
	defer l.Close()

	if !l.Is(LevelInfo, ComponentCommand) {
		t.Errorf("expected Info to be enabled when component level is Debug")
	}
	if l.Is(LevelDebug, ComponentTopology) {
		t.Errorf("expected Debug to be disabled on a component with no configured level")
	}
}
