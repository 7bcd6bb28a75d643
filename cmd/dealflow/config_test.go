package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/dealflow/internal/expressions"
)

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "cel", cfg.ConditionEngine)
	assert.Empty(t, cfg.DBPath)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DEALFLOW_DB_PATH", "file:/tmp/test.db")
	t.Setenv("DEALFLOW_LOG_LEVEL", "debug")
	t.Setenv("DEALFLOW_APPROVER_ROLE", "vp_sales")
	t.Setenv("DEALFLOW_CONDITION_ENGINE", "expr")

	cfg := loadConfig()
	assert.Equal(t, "file:/tmp/test.db", cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "vp_sales", cfg.ApproverRole)
	assert.Equal(t, "expr", cfg.ConditionEngine)
}

func TestConditionEngineSelection(t *testing.T) {
	eng, err := conditionEngine("")
	require.NoError(t, err)
	assert.Nil(t, eng)

	eng, err = conditionEngine("cel")
	require.NoError(t, err)
	assert.Nil(t, eng)

	eng, err = conditionEngine("expr")
	require.NoError(t, err)
	require.IsType(t, &expressions.ExprEngine{}, eng)

	_, err = conditionEngine("lua")
	require.Error(t, err)
}

func TestParseLogLevel(t *testing.T) {
	cases := []struct {
		in    string
		level int
		ok    bool
	}{
		{"debug", -4, true},
		{"info", 0, true},
		{"warn", 4, true},
		{"error", 8, true},
		{"verbose", 0, false},
	}
	for _, tc := range cases {
		level, ok := parseLogLevel(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.level, level, tc.in)
	}
}
