package console

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryExecute(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("echo", "repeat the arguments", func(args []string) (string, error) {
		return "echo: " + args[0], nil
	})

	reply := r.Execute(Frame{Type: TypeCommand, Command: "echo", Args: []string{"hi"}})
	assert.Equal(t, TypeResponse, reply.Type)
	assert.Equal(t, "echo: hi", reply.Output)
}

func TestRegistryUnknownCommand(t *testing.T) {
	r := NewRegistry(nil)
	reply := r.Execute(Frame{Type: TypeCommand, Command: "frobnicate"})
	assert.Equal(t, TypeError, reply.Type)
	assert.Contains(t, reply.Error, "frobnicate")
}

func TestRegistryPing(t *testing.T) {
	r := NewRegistry(nil)
	reply := r.Execute(Frame{Type: TypeCommand, Command: "ping"})
	assert.Equal(t, TypePong, reply.Type)
	assert.NotZero(t, reply.Timestamp)
}

func TestRegistryQuit(t *testing.T) {
	quit := make(chan struct{})
	r := NewRegistry(func() { close(quit) })

	reply := r.Execute(Frame{Type: TypeCommand, Command: "quit"})
	assert.Equal(t, TypeResponse, reply.Type)

	select {
	case <-quit:
	case <-time.After(2 * time.Second):
		t.Fatal("quit callback never fired")
	}
}

func TestRegistryHelpListsBuiltins(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("status", "show instance status", func([]string) (string, error) { return "", nil })

	reply := r.Execute(Frame{Type: TypeCommand, Command: "help"})
	require.Equal(t, TypeResponse, reply.Type)
	assert.Contains(t, reply.Output, "status")
	assert.Contains(t, reply.Output, "ping")
	assert.Contains(t, reply.Output, "quit")
}

func TestDecodeFrame(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"type":"console_command","command":"status"}`))
	require.NoError(t, err)
	assert.Equal(t, "status", f.Command)

	_, err = DecodeFrame([]byte(`{}`))
	assert.Error(t, err)

	_, err = DecodeFrame([]byte(`nope`))
	assert.Error(t, err)
}

func TestCommandHandlerError(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("boom", "always fails", func([]string) (string, error) {
		return "", assertError{}
	})
	reply := r.Execute(Frame{Type: TypeCommand, Command: "boom"})
	assert.Equal(t, TypeError, reply.Type)
	assert.Equal(t, "kaboom", reply.Error)
}

type assertError struct{}

func (assertError) Error() string { return "kaboom" }
