package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netpolicy/pkg/events"
	"netpolicy/pkg/network/topology"
	"netpolicy/pkg/policy/field"
)

func TestParseLocation(t *testing.T) {
	tests := []struct {
		in   string
		want topology.Location
		err  bool
	}{
		{in: "1:2", want: topology.Location{Switch: 1, Port: 2}},
		{in: "0x10:3", want: topology.Location{Switch: 16, Port: 3}},
		{in: "1", err: true},
		{in: "a:1", err: true},
		{in: "1:70000", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseLocation(tt.in)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParsePatterns(t *testing.T) {
	pats, err := parsePatterns(map[string]string{"dstip": "10.0.0.0/24", "switch": "2"})
	require.NoError(t, err)
	assert.Equal(t, field.MustPrefix("10.0.0.0/24"), pats[field.DstIP])
	assert.Equal(t, field.Exact(field.Num(2)), pats[field.Switch])
	assert.Equal(t, "dstip=10.0.0.0/24 switch=2", formatPatterns(pats))
	assert.Equal(t, "*", formatPatterns(nil))

	_, err = parsePatterns(map[string]string{"color": "red"})
	assert.Error(t, err)
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestPipelineCommands(t *testing.T) {
	out, err := run(t, "pipeline", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "default")
	assert.Contains(t, out, "path_query")

	out, err = run(t, "pipeline", "show", "default")
	require.NoError(t, err)
	assert.Contains(t, out, "forwarding")

	_, err = run(t, "pipeline", "show", "nope")
	assert.Error(t, err)
}

func TestEventSend(t *testing.T) {
	bus := events.NewBus()
	bus.Subscribe(func(e events.Event) (any, error) {
		if e.Name != "authenticated" {
			return nil, events.ErrUnknownEvent
		}
		return e.Flow["srcip"], nil
	})
	l := events.NewListener(events.Config{ListenAddr: "127.0.0.1:0", QueueSize: 4}, bus, nil)
	require.NoError(t, l.Start(context.Background()))
	defer l.Stop()
	addr := l.Addr().String()

	out, err := run(t, "event", "send", "authenticated", "True", "--addr", addr, "--flow", "srcip=10.0.0.1")
	require.NoError(t, err)
	assert.Contains(t, out, "accepted: 10.0.0.1")

	out, err = run(t, "event", "send", "unknown", "1", "--addr", addr)
	assert.Error(t, err)
	assert.Contains(t, out, "rejected")
}
