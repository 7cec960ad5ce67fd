package logging

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromContextReturnsAttachedLogger(t *testing.T) {
	logger, hook := test.NewNullLogger()
	ctx := WithLogger(context.Background(), logger.WithField("request", "abc"))

	FromContext(ctx).Info("hello")

	require.Len(t, hook.AllEntries(), 1)
	assert.Equal(t, "abc", hook.LastEntry().Data["request"])
}

func TestFromContextFallsBack(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))
}
