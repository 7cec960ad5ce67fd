package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hongminglow/credit-ledger/internal/ledger"
)

func TestVerifyNeedsUserOrAll(t *testing.T) {
	for _, args := range [][]string{{}, {"--all", "--user", "7"}} {
		cmd := verifyCmd()
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs(args)
		assert.EqualError(t, cmd.Execute(), "use either --user or --all", "args %v", args)
	}
}

func TestReportChecks(t *testing.T) {
	var out bytes.Buffer
	err := reportChecks(&out, []ledger.BalanceCheck{
		{UserID: 1, Cached: 750, Derived: 750},
		{UserID: 2, Cached: 100, Derived: 0},
	})
	require.ErrorIs(t, err, errInconsistent)
	assert.Equal(t, "user 1: cached=750 derived=750 ok\nuser 2: cached=100 derived=0 MISMATCH\n2 checked, 1 mismatched\n", out.String())

	out.Reset()
	assert.NoError(t, reportChecks(&out, nil))
	assert.Equal(t, "0 checked, 0 mismatched\n", out.String())
}
