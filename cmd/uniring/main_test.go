//go:build linux || darwin

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/FerroO2000/uniring/connector"
	"github.com/FerroO2000/uniring/internal/rb"
	"github.com/FerroO2000/uniring/internal/shm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()

	buf := &bytes.Buffer{}
	prev := stdout
	stdout = buf
	t.Cleanup(func() { stdout = prev })

	return buf
}

func Test_UnknownCommand(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(2, run(nil))
	assert.Equal(2, run([]string{"explode"}))
}

func Test_CreateInspectRemove(t *testing.T) {
	assert := assert.New(t)

	dir := t.TempDir()
	out := captureStdout(t)

	assert.Equal(0, run([]string{"create", "-dir", dir, "-name", "cli", "-capacity", "16", "-slot-size", "32"}))

	path, err := shm.Path(dir, "cli")
	require.NoError(t, err)
	assert.Equal(path+"\n", out.String())
	assert.FileExists(path)

	// Creating twice fails
	assert.Equal(1, run([]string{"create", "-dir", dir, "-name", "cli"}))

	out.Reset()
	assert.Equal(0, run([]string{"inspect", "-dir", dir, "-name", "cli"}))

	report := out.String()
	assert.Contains(report, "capacity       16")
	assert.Contains(report, "slot size      32")
	assert.Contains(report, "cons limit     4294967295")
	assert.Contains(report, "closed         none")

	assert.Equal(0, run([]string{"remove", "-dir", dir, "-name", "cli"}))
	assert.NoFileExists(path)

	assert.Equal(1, run([]string{"inspect", "-dir", dir, "-name", "cli"}))
}

func Test_InvalidCreate(t *testing.T) {
	dir := t.TempDir()

	assert.Equal(t, 1, run([]string{"create", "-dir", dir, "-capacity", "10"}))
	assert.Equal(t, 1, run([]string{"create", "-bogus"}))
	assert.Equal(t, 0, run([]string{"create", "-h"}))
}

func Test_CreateOversizedGeometry(t *testing.T) {
	suite := []struct {
		name string
		args []string
	}{
		{"capacity 2^32+8", []string{"-capacity", "4294967304"}},
		{"capacity 2^32", []string{"-capacity", "4294967296"}},
		{"slot size 2^32+8", []string{"-slot-size", "4294967304"}},
	}

	for _, tCase := range suite {
		t.Run(tCase.name, func(t *testing.T) {
			assert := assert.New(t)

			dir := t.TempDir()
			captureStdout(t)

			args := append([]string{"create", "-dir", dir, "-name", "big"}, tCase.args...)
			assert.Equal(1, run(args))

			path, err := shm.Path(dir, "big")
			require.NoError(t, err)
			assert.NoFileExists(path)
		})
	}
}

func Test_RingFlagsGeometry(t *testing.T) {
	suite := []struct {
		name     string
		capacity uint
		slotSize uint
		wantErr  error
	}{
		{"defaults", 1024, 64, nil},
		{"largest capacity", uint(rb.MaxCapacity), 8, nil},
		{"capacity above the largest", uint(rb.MaxCapacity) + 1, 8, rb.ErrInvalidCapacity},
	}

	for _, tCase := range suite {
		t.Run(tCase.name, func(t *testing.T) {
			assert := assert.New(t)

			rf := &ringFlags{capacity: tCase.capacity, slotSize: tCase.slotSize}

			capacity, slotSize, err := rf.geometry()
			if tCase.wantErr != nil {
				assert.ErrorIs(err, tCase.wantErr)
				return
			}

			assert.NoError(err)
			assert.Equal(uint32(tCase.capacity), capacity)
			assert.Equal(uint32(tCase.slotSize), slotSize)
		})
	}
}

func Test_ProduceOversizedCapacity(t *testing.T) {
	dir := t.TempDir()

	err := runProduce(context.Background(), []string{"-dir", dir, "-create", "-capacity", "4294967304"})
	assert.ErrorIs(t, err, rb.ErrInvalidCapacity)

	path, err := shm.Path(dir, connector.DefaultName)
	require.NoError(t, err)
	assert.NoFileExists(t, path)
}

func Test_ConsumeConflictingSinks(t *testing.T) {
	err := runConsume(context.Background(), []string{"-udp", "127.0.0.1:1", "-kafka", "localhost:9092"})
	assert.ErrorIs(t, err, errConflictingSinks)
}

func Test_ProduceConflictingSources(t *testing.T) {
	err := runProduce(context.Background(), []string{"-tcp", "127.0.0.1:1", "-kafka", "localhost:9092"})
	assert.ErrorIs(t, err, errConflictingSources)

	err = runConsume(context.Background(), []string{"-tcp", "127.0.0.1:1", "-questdb", "localhost:9000"})
	assert.ErrorIs(t, err, errConflictingSinks)
}

func Test_ConsumeToTCP(t *testing.T) {
	assert := assert.New(t)

	dir := t.TempDir()
	captureStdout(t)

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer listener.Close()

	received := make(chan string, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			close(received)
			return
		}
		defer conn.Close()

		data, _ := io.ReadAll(conn)
		received <- string(data)
	}()

	input := &strings.Builder{}
	for i := range 100 {
		fmt.Fprintf(input, "tcp line %d\n", i)
	}

	prevStdin := stdin
	stdin = strings.NewReader(input.String())
	t.Cleanup(func() { stdin = prevStdin })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	consumeErr := make(chan error, 1)
	go func() {
		consumeErr <- runConsume(ctx, []string{
			"-dir", dir, "-name", "tcp", "-capacity", "8", "-slot-size", "32", "-create",
			"-tcp", listener.Addr().String(),
		})
	}()

	require.NoError(t, runProduce(ctx, []string{"-dir", dir, "-name", "tcp"}))
	require.NoError(t, <-consumeErr)

	select {
	case data := <-received:
		assert.Equal(input.String(), data)
	case <-ctx.Done():
		t.Fatal("connection not closed")
	}
}

func Test_ProduceConsume(t *testing.T) {
	suite := []struct {
		name  string
		match string
	}{
		{"all", ""},
		{"filtered", "7"},
	}

	for _, tCase := range suite {
		t.Run(tCase.name, func(t *testing.T) {
			testProduceConsume(t, tCase.match)
		})
	}
}

func testProduceConsume(t *testing.T, match string) {
	assert := assert.New(t)

	dir := t.TempDir()
	out := captureStdout(t)

	input := &strings.Builder{}
	expected := &strings.Builder{}
	for i := range 200 {
		line := fmt.Sprintf("line %d\n", i)

		input.WriteString(line)
		if strings.Contains(line, match) {
			expected.WriteString(line)
		}
	}

	prevStdin := stdin
	stdin = strings.NewReader(input.String())
	t.Cleanup(func() { stdin = prevStdin })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	consumeErr := make(chan error, 1)
	go func() {
		consumeErr <- runConsume(ctx, []string{
			"-dir", dir, "-name", "e2e", "-capacity", "8", "-slot-size", "32", "-create", "-match", match,
		})
	}()

	require.NoError(t, runProduce(ctx, []string{"-dir", dir, "-name", "e2e"}))
	require.NoError(t, <-consumeErr)

	assert.Equal(expected.String(), out.String())

	// The last end out removes the ring
	path, err := shm.Path(dir, "e2e")
	require.NoError(t, err)
	assert.NoFileExists(path)
}
