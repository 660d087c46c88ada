package workerproc

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/pvfhost/internal/engine/directive"
	"github.com/mattjoyce/pvfhost/internal/protocol"
	"github.com/mattjoyce/pvfhost/internal/pvf"
)

type harness struct {
	t       *testing.T
	in      *io.PipeWriter
	dec     *protocol.Decoder
	scratch string
	exit    chan int
	done    chan error
}

func start(t *testing.T, kind string, params pvf.ExecutorParams) *harness {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	h := &harness{
		t:       t,
		in:      inW,
		dec:     protocol.NewDecoder(outR),
		scratch: t.TempDir(),
		exit:    make(chan int, 1),
		done:    make(chan error, 1),
	}
	go func() {
		err := Serve(context.Background(), Options{
			Kind:   kind,
			Engine: directive.New(),
			In:     inR,
			Out:    outW,
			Exit:   func(code int) { h.exit <- code },
		})
		outW.Close()
		h.done <- err
	}()
	t.Cleanup(func() { inW.Close() })

	h.send(&protocol.Request{
		Protocol:  protocol.Version,
		Type:      protocol.TypeHandshake,
		Handshake: &protocol.Handshake{Kind: kind, Params: params, ScratchDir: h.scratch},
	})
	ready := h.recv()
	require.Equal(t, protocol.TypeReady, ready.Type)
	require.Equal(t, os.Getpid(), ready.PID)
	return h
}

func (h *harness) send(req *protocol.Request) {
	h.t.Helper()
	require.NoError(h.t, protocol.EncodeRequest(h.in, req))
}

func (h *harness) recv() *protocol.Response {
	h.t.Helper()
	resp, err := h.dec.Response()
	require.NoError(h.t, err)
	return resp
}

func (h *harness) prepare(id, code, kind string, params pvf.ExecutorParams, timeout time.Duration) *protocol.Response {
	h.t.Helper()
	h.send(&protocol.Request{
		Protocol: protocol.Version,
		Type:     protocol.TypePrepare,
		JobID:    id,
		Prepare: &protocol.PrepareJob{
			Code:       []byte(code),
			Kind:       kind,
			Params:     params,
			Timeout:    timeout,
			OutputPath: filepath.Join(h.scratch, id+".tmp"),
		},
	})
	return h.recv()
}

func (h *harness) execute(id, artifact string, input []byte, timeout time.Duration) *protocol.Response {
	h.t.Helper()
	h.send(&protocol.Request{
		Protocol: protocol.Version,
		Type:     protocol.TypeExecute,
		JobID:    id,
		Execute:  &protocol.ExecuteJob{ArtifactPath: artifact, Input: input, Timeout: timeout},
	})
	return h.recv()
}

func TestPrepareWritesArtifact(t *testing.T) {
	h := start(t, protocol.KindPrepare, pvf.ExecutorParams{})

	resp := h.prepare("j1", "run:\n  op: echo\n", "compilation", pvf.ExecutorParams{}, time.Second)
	require.True(t, resp.OK(), "error: %s", resp.Error)
	assert.Equal(t, "j1", resp.JobID)

	data, err := os.ReadFile(filepath.Join(h.scratch, "j1.tmp"))
	require.NoError(t, err)
	assert.Equal(t, pvf.HashBytes(data).String(), resp.Checksum)
	assert.Equal(t, int64(len(data)), resp.Size)

	// Same worker serves an unrelated job afterwards.
	resp = h.prepare("j2", "compile:\n  fail: preparation\n  message: nope\n", "compilation", pvf.ExecutorParams{}, time.Second)
	assert.False(t, resp.OK())
	assert.Equal(t, pvf.PreparePreparation.String(), resp.ErrorKind)

	resp = h.prepare("j3", "run:\n  op: trap\n", "compilation", pvf.ExecutorParams{}, time.Second)
	assert.True(t, resp.OK())
}

func TestPrepareMemoryLimitOnlyForPrechecking(t *testing.T) {
	h := start(t, protocol.KindPrepare, pvf.ExecutorParams{})
	code := "compile:\n  memory: 2MiB\n"

	small := pvf.ExecutorParams{PrecheckingMaxMemory: 512 << 10}
	resp := h.prepare("oom", code, "prechecking", small, time.Second)
	assert.Equal(t, pvf.PrepareOutOfMemory.String(), resp.ErrorKind)

	resp = h.prepare("lenient", code, "compilation", small, time.Second)
	assert.True(t, resp.OK(), "compilation jobs are not memory limited: %s", resp.Error)

	big := pvf.ExecutorParams{PrecheckingMaxMemory: 10 << 20}
	resp = h.prepare("fits", code, "prechecking", big, time.Second)
	assert.True(t, resp.OK(), resp.Error)
	assert.GreaterOrEqual(t, resp.MemoryUsed, uint64(2<<20))
}

func TestPrepareTimeoutRetiresWorker(t *testing.T) {
	h := start(t, protocol.KindPrepare, pvf.ExecutorParams{})

	begin := time.Now()
	resp := h.prepare("hang", "compile:\n  hang: true\n", "compilation", pvf.ExecutorParams{}, 100*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(begin), 100*time.Millisecond)
	assert.Equal(t, pvf.PrepareTimedOut.String(), resp.ErrorKind)
	assert.Equal(t, ExitTimedOut, <-h.exit)
	assert.ErrorIs(t, <-h.done, errExited)
}

func TestPreparePanicRetiresWorker(t *testing.T) {
	h := start(t, protocol.KindPrepare, pvf.ExecutorParams{})

	resp := h.prepare("p", "compile:\n  fail: panic\n  message: kaboom\n", "compilation", pvf.ExecutorParams{}, time.Second)
	assert.Equal(t, pvf.PreparePanic.String(), resp.ErrorKind)
	assert.Contains(t, resp.Error, "kaboom")
	assert.Equal(t, ExitPanic, <-h.exit)
}

func TestPrepareRejectsOutputOutsideScratch(t *testing.T) {
	h := start(t, protocol.KindPrepare, pvf.ExecutorParams{})
	h.send(&protocol.Request{
		Protocol: protocol.Version,
		Type:     protocol.TypePrepare,
		JobID:    "escape",
		Prepare: &protocol.PrepareJob{
			Code:       []byte("run: {op: echo}"),
			Kind:       "compilation",
			Timeout:    time.Second,
			OutputPath: filepath.Join(t.TempDir(), "x.tmp"),
		},
	})
	resp := h.recv()
	assert.Equal(t, pvf.PrepareIO.String(), resp.ErrorKind)
}

func compileArtifact(t *testing.T, dir, code string) string {
	t.Helper()
	art, err := directive.New().Compile(context.Background(), []byte(code), pvf.ExecutorParams{}, nil)
	require.NoError(t, err)
	path := filepath.Join(dir, "a.pvf")
	require.NoError(t, os.WriteFile(path, art, 0o600))
	return path
}

func TestExecuteOutcomes(t *testing.T) {
	dir := t.TempDir()
	h := start(t, protocol.KindExecute, pvf.ExecutorParams{StackLogicalMax: 10})

	echo := compileArtifact(t, dir, "run:\n  op: echo\n")
	resp := h.execute("e1", echo, []byte("payload"), time.Second)
	require.True(t, resp.OK(), resp.Error)
	assert.Equal(t, "payload", string(resp.Output))

	deep := compileArtifact(t, t.TempDir(), "run:\n  depth: 11\n")
	resp = h.execute("e2", deep, nil, time.Second)
	assert.Equal(t, protocol.ExecInvalid, resp.ErrorKind)

	resp = h.execute("e3", filepath.Join(dir, "missing.pvf"), nil, time.Second)
	assert.Equal(t, protocol.ExecArtifactMissing, resp.ErrorKind)

	corrupt := filepath.Join(dir, "corrupt.pvf")
	require.NoError(t, os.WriteFile(corrupt, []byte("junk"), 0o600))
	resp = h.execute("e4", corrupt, nil, time.Second)
	assert.Equal(t, protocol.ExecIO, resp.ErrorKind)
}

func TestExecuteHaltTimesOut(t *testing.T) {
	h := start(t, protocol.KindExecute, pvf.ExecutorParams{})
	halt := compileArtifact(t, t.TempDir(), "run:\n  op: halt\n")

	resp := h.execute("halt", halt, nil, 50*time.Millisecond)
	assert.Equal(t, protocol.ExecTimedOut, resp.ErrorKind)
	assert.Equal(t, ExitTimedOut, <-h.exit)
}

func TestServeRejectsWrongKind(t *testing.T) {
	inR, inW := io.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- Serve(context.Background(), Options{Kind: protocol.KindExecute, Engine: directive.New(), In: inR, Out: io.Discard})
	}()
	require.NoError(t, protocol.EncodeRequest(inW, &protocol.Request{
		Protocol:  protocol.Version,
		Type:      protocol.TypeHandshake,
		Handshake: &protocol.Handshake{Kind: protocol.KindPrepare},
	}))
	err := <-done
	require.Error(t, err)
	assert.False(t, errors.Is(err, io.EOF))
	inW.Close()
}

func TestServeReturnsNilOnEOF(t *testing.T) {
	h := start(t, protocol.KindPrepare, pvf.ExecutorParams{})
	h.in.Close()
	assert.NoError(t, <-h.done)
}
