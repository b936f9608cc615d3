package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"novaagent/internal/config"
	"novaagent/internal/execproto"
	"novaagent/internal/executor"
)

func TestProtocols_IndependentTokens(t *testing.T) {
	exec := executor.New("linux")
	protos := protocols(config.ExecConfig{
		UnixSocket: "/tmp/novaexec.sock",
		TCPAddr:    "127.0.0.1:8766",
		HTTPAddr:   "127.0.0.1:8765",
		HTTPToken:  "web-secret",
	}, exec)
	require.Len(t, protos, 3)

	assert.True(t, protos[execproto.TransportTCP].Authorized(""), "tcp has no token and stays open")
	assert.True(t, protos[execproto.TransportUnix].Authorized(""))
	assert.False(t, protos[execproto.TransportHTTP].Authorized(""))
	assert.False(t, protos[execproto.TransportHTTP].Authorized("wrong"))
	assert.True(t, protos[execproto.TransportHTTP].Authorized("web-secret"))
}

func TestProtocols_SharedFallbackAndDisabledListeners(t *testing.T) {
	protos := protocols(config.ExecConfig{
		Token:    "shared",
		TCPAddr:  "127.0.0.1:8766",
		TCPToken: "tcp-secret",
		HTTPAddr: "127.0.0.1:8765",
	}, executor.New("linux"))
	require.Len(t, protos, 2)
	assert.NotContains(t, protos, execproto.TransportUnix)

	assert.True(t, protos[execproto.TransportTCP].Authorized("tcp-secret"))
	assert.False(t, protos[execproto.TransportTCP].Authorized("shared"))
	assert.True(t, protos[execproto.TransportHTTP].Authorized("shared"))
}
