package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerNames(t *testing.T) {
	var nilLogger *Logger
	require.Equal(t, "", nilLogger.prefix())
	require.Equal(t, "i2c", nilLogger.Sub("i2c").Name)

	l := New("board").WithLevel(2)
	sub := l.Sub("i2c")
	require.Equal(t, "board/i2c", sub.Name)
	require.Equal(t, "[board/i2c] ", sub.prefix())
	require.Equal(t, "board", l.Name, "Sub must not modify parent")
}

func TestLoggerLevel(t *testing.T) {
	l := New("link").WithLevel(2)
	require.True(t, l.V(1).Enabled())
	require.True(t, l.V(2).Enabled())
	require.False(t, l.V(5).Enabled())
	require.False(t, New("quiet").V(5).Enabled())
}
