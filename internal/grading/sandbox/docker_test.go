package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	appErr "riddleflow/pkg/errors"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

type fakeDocker struct {
	mu sync.Mutex

	created int
	removed int
	pulled  bool

	createErr  error
	attachErr  error
	startErr   error
	imageErr   error
	pullErr    error
	hang       bool
	exitCode   int64
	oomKilled  bool
	stdout     string
	stderr     string
	lastConfig *container.Config
	lastHost   *container.HostConfig

	stdin        string
	stdinDone    chan struct{}
	removeCtxErr error
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{stdinDone: make(chan struct{})}
}

func (f *fakeDocker) Ping(context.Context) (types.Ping, error) {
	return types.Ping{}, nil
}

func (f *fakeDocker) ImageInspectWithRaw(context.Context, string) (types.ImageInspect, []byte, error) {
	return types.ImageInspect{}, nil, f.imageErr
}

func (f *fakeDocker) ImagePull(context.Context, string, image.PullOptions) (io.ReadCloser, error) {
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	f.pulled = true
	return io.NopCloser(strings.NewReader(`{"status":"done"}`)), nil
}

func (f *fakeDocker) ContainerCreate(_ context.Context, cfg *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	f.created++
	f.lastConfig = cfg
	f.lastHost = host
	return container.CreateResponse{ID: "cid"}, nil
}

// halfConn lets CloseWrite signal EOF to the fake's stdin reader.
type halfConn struct {
	net.Conn
}

func (c halfConn) CloseWrite() error {
	return c.Conn.Close()
}

func (f *fakeDocker) ContainerAttach(context.Context, string, container.AttachOptions) (types.HijackedResponse, error) {
	if f.attachErr != nil {
		return types.HijackedResponse{}, f.attachErr
	}
	var muxed bytes.Buffer
	if f.stdout != "" {
		_, _ = stdcopy.NewStdWriter(&muxed, stdcopy.Stdout).Write([]byte(f.stdout))
	}
	if f.stderr != "" {
		_, _ = stdcopy.NewStdWriter(&muxed, stdcopy.Stderr).Write([]byte(f.stderr))
	}
	clientSide, serverSide := net.Pipe()
	go func() {
		data, _ := io.ReadAll(serverSide)
		f.mu.Lock()
		f.stdin = string(data)
		f.mu.Unlock()
		close(f.stdinDone)
	}()
	return types.HijackedResponse{Conn: halfConn{clientSide}, Reader: bufio.NewReader(&muxed)}, nil
}

func (f *fakeDocker) ContainerStart(context.Context, string, container.StartOptions) error {
	return f.startErr
}

func (f *fakeDocker) ContainerWait(ctx context.Context, _ string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	if f.hang {
		go func() {
			<-ctx.Done()
			errCh <- ctx.Err()
		}()
		return statusCh, errCh
	}
	// The fake program reads all of stdin before it exits.
	go func() {
		select {
		case <-f.stdinDone:
			statusCh <- container.WaitResponse{StatusCode: f.exitCode}
		case <-ctx.Done():
			errCh <- ctx.Err()
		}
	}()
	return statusCh, errCh
}

func (f *fakeDocker) ContainerInspect(context.Context, string) (types.ContainerJSON, error) {
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			State: &types.ContainerState{OOMKilled: f.oomKilled, ExitCode: int(f.exitCode)},
		},
	}, nil
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, _ string, opts container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if opts.Force {
		f.removed++
	}
	f.removeCtxErr = ctx.Err()
	return nil
}

func (f *fakeDocker) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created, f.removed
}

func newTestRunner(t *testing.T, f *fakeDocker) *DockerRunner {
	t.Helper()
	r, err := NewDockerRunner(f, Config{Margin: 20 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return r
}

func baseRequest() Request {
	return Request{Code: "print(7)", Stdin: "  3 4 \n\n", TimeLimit: 50 * time.Millisecond, MemoryLimitMB: 64}
}

func TestRunReturnsLastNonEmptyLine(t *testing.T) {
	t.Parallel()

	f := newFakeDocker()
	f.stdout = "debug line\n7\n\n"
	res, err := newTestRunner(t, f).Run(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Output != "7" || res.Crashed || res.TimedOut {
		t.Fatalf("unexpected result: %+v", res)
	}
	if created, removed := f.counts(); created != 1 || removed != 1 {
		t.Fatalf("expected 1 create and 1 remove, got %d/%d", created, removed)
	}

	select {
	case <-f.stdinDone:
	case <-time.After(time.Second):
		t.Fatalf("stdin was never closed")
	}
	f.mu.Lock()
	stdin := f.stdin
	f.mu.Unlock()
	if stdin != "3 4\n" {
		t.Fatalf("expected trimmed newline-terminated stdin, got %q", stdin)
	}
}

func TestRunAppliesIsolation(t *testing.T) {
	t.Parallel()

	f := newFakeDocker()
	if _, err := newTestRunner(t, f).Run(context.Background(), baseRequest()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.lastConfig.NetworkDisabled || f.lastHost.NetworkMode != "none" {
		t.Fatalf("expected network to be disabled")
	}
	if f.lastHost.Memory != 64<<20 || f.lastHost.MemorySwap != 64<<20 {
		t.Fatalf("expected memory ceiling without swap, got %d/%d", f.lastHost.Memory, f.lastHost.MemorySwap)
	}
	if f.lastHost.PidsLimit == nil || *f.lastHost.PidsLimit <= 0 {
		t.Fatalf("expected pids limit")
	}
	cmd := f.lastConfig.Cmd
	if len(cmd) != 3 || cmd[0] != "python" || cmd[2] != "print(7)" {
		t.Fatalf("unexpected command %v", cmd)
	}
}

func TestRunTimeout(t *testing.T) {
	t.Parallel()

	f := newFakeDocker()
	f.hang = true
	start := time.Now()
	res, err := newTestRunner(t, f).Run(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.TimedOut {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if took := time.Since(start); took > time.Second {
		t.Fatalf("expected teardown within budget, took %v", took)
	}
	if created, removed := f.counts(); created != removed {
		t.Fatalf("expected container removed after timeout, got %d/%d", created, removed)
	}
}

func TestRunCrash(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		exitCode int64
		oom      bool
	}{
		{name: "non-zero exit", exitCode: 1},
		{name: "oom kill", exitCode: 137, oom: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFakeDocker()
			f.exitCode = tc.exitCode
			f.oomKilled = tc.oom
			f.stderr = "Traceback: boom\n"
			res, err := newTestRunner(t, f).Run(context.Background(), baseRequest())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !res.Crashed || res.ExitCode != int(tc.exitCode) || res.OOMKilled != tc.oom {
				t.Fatalf("unexpected result: %+v", res)
			}
			if !strings.Contains(res.Stderr, "boom") {
				t.Fatalf("expected stderr tail, got %q", res.Stderr)
			}
			if created, removed := f.counts(); created != removed {
				t.Fatalf("expected removal, got %d/%d", created, removed)
			}
		})
	}
}

func TestRunEnvironmentFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		setup       func(f *fakeDocker)
		wantCreated int
	}{
		{name: "create", setup: func(f *fakeDocker) { f.createErr = errors.New("no space") }, wantCreated: 0},
		{name: "attach", setup: func(f *fakeDocker) { f.attachErr = errors.New("attach refused") }, wantCreated: 1},
		{name: "start", setup: func(f *fakeDocker) { f.startErr = errors.New("oci runtime error") }, wantCreated: 1},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFakeDocker()
			tc.setup(f)
			_, err := newTestRunner(t, f).Run(context.Background(), baseRequest())
			if appErr.GetCode(err) != appErr.SandboxUnavailable {
				t.Fatalf("expected sandbox unavailable, got %v", err)
			}
			created, removed := f.counts()
			if created != tc.wantCreated || removed != created {
				t.Fatalf("expected %d created and equally removed, got %d/%d", tc.wantCreated, created, removed)
			}
		})
	}
}

func TestRunCanceledStillRemoves(t *testing.T) {
	t.Parallel()

	f := newFakeDocker()
	f.hang = true
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	req := baseRequest()
	req.TimeLimit = time.Minute
	_, err := newTestRunner(t, f).Run(ctx, req)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled error, got %v", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removed != 1 {
		t.Fatalf("expected removal after cancel, got %d", f.removed)
	}
	if f.removeCtxErr != nil {
		t.Fatalf("expected removal on a live context, got %v", f.removeCtxErr)
	}
}

func TestRunValidatesLimits(t *testing.T) {
	t.Parallel()

	f := newFakeDocker()
	req := baseRequest()
	req.MemoryLimitMB = 0
	if _, err := newTestRunner(t, f).Run(context.Background(), req); err == nil {
		t.Fatalf("expected validation error")
	}
	if created, _ := f.counts(); created != 0 {
		t.Fatalf("expected no container, got %d", created)
	}
}

func TestEnsureImage(t *testing.T) {
	t.Parallel()

	present := newFakeDocker()
	if err := newTestRunner(t, present).EnsureImage(context.Background()); err != nil || present.pulled {
		t.Fatalf("expected no pull for present image, err=%v pulled=%v", err, present.pulled)
	}

	missing := newFakeDocker()
	missing.imageErr = errdefs.NotFound(errors.New("no such image"))
	if err := newTestRunner(t, missing).EnsureImage(context.Background()); err != nil || !missing.pulled {
		t.Fatalf("expected pull for missing image, err=%v pulled=%v", err, missing.pulled)
	}

	broken := newFakeDocker()
	broken.imageErr = errdefs.NotFound(errors.New("no such image"))
	broken.pullErr = errors.New("registry down")
	if err := newTestRunner(t, broken).EnsureImage(context.Background()); appErr.GetCode(err) != appErr.SandboxUnavailable {
		t.Fatalf("expected sandbox unavailable, got %v", err)
	}
}

func TestLastNonEmptyLine(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "", want: ""},
		{in: "7", want: "7"},
		{in: "a\nb\n", want: "b"},
		{in: "a\n  \n\n", want: "a"},
		{in: "x\r\ny\r\n\r\n", want: "y"},
		{in: "  7  \n", want: "  7  "},
		{in: "7\t\n \t\n", want: "7\t"},
		{in: "a\rb", want: "b"},
	}
	for _, tc := range cases {
		if got := lastNonEmptyLine(tc.in); got != tc.want {
			t.Fatalf("lastNonEmptyLine(%q): expected %q, got %q", tc.in, tc.want, got)
		}
	}
}

func TestTailBuffer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		limit     int
		writes    []string
		want      string
		truncated bool
	}{
		{name: "under limit", limit: 8, writes: []string{"ab", "cd"}, want: "abcd"},
		{name: "single oversized write", limit: 4, writes: []string{"abcdef"}, want: "cdef", truncated: true},
		{name: "many small writes", limit: 4, writes: []string{"ab", "cd", "ef", "gh", "ij"}, want: "ghij", truncated: true},
		{name: "exact limit", limit: 4, writes: []string{"abcd"}, want: "abcd"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := newTailBuffer(tt.limit)
			for _, w := range tt.writes {
				n, err := b.Write([]byte(w))
				if err != nil || n != len(w) {
					t.Fatalf("expected full write accepted, got %d %v", n, err)
				}
			}
			if got := b.String(); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
			if b.truncated != tt.truncated {
				t.Fatalf("expected truncated=%v, got %v", tt.truncated, b.truncated)
			}
			if len(b.buf) > 2*tt.limit {
				t.Fatalf("expected at most %d retained bytes, got %d", 2*tt.limit, len(b.buf))
			}
		})
	}
}

func TestRunKeepsAnswerAfterOutputFlood(t *testing.T) {
	t.Parallel()

	f := newFakeDocker()
	f.stdout = strings.Repeat("debug\n", 200) + "42\n"
	r, err := NewDockerRunner(f, Config{Margin: 20 * time.Millisecond, MaxOutputBytes: 1000}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err := r.Run(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Output != "42" {
		t.Fatalf("expected answer after flood, got %q", res.Output)
	}
}

func TestRunPreservesAnswerWhitespace(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		stdout string
		want   string
	}{
		{name: "padded", stdout: "  7  \n", want: "  7  "},
		{name: "crlf line endings", stdout: "debug\r\n7\r\n", want: "7"},
		{name: "trailing blank lines", stdout: "7\n \n\t\n", want: "7"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFakeDocker()
			f.stdout = tt.stdout
			res, err := newTestRunner(t, f).Run(context.Background(), baseRequest())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Output != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, res.Output)
			}
		})
	}
}
