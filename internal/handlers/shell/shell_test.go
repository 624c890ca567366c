package shell_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mproffitt/pyccata-sub001/internal/domain"
	"github.com/mproffitt/pyccata-sub001/internal/handlers/shell"
	"github.com/mproffitt/pyccata-sub001/internal/replace"
)

func requireBinaries(t *testing.T, names ...string) {
	t.Helper()
	for _, n := range names {
		if _, err := exec.LookPath(n); err != nil {
			t.Skipf("%s not available", n)
		}
	}
}

func TestUnit_Pipeline(t *testing.T) {
	t.Parallel()
	requireBinaries(t, "printf", "sort")

	u, err := shell.New(replace.New(nil), shell.Options{Command: `printf 'b\na\nb\n' | sort -u`})
	require.NoError(t, err)
	require.Equal(t, "printf", u.Name())
	require.Equal(t, domain.PriorityShell, u.Priority())

	require.NoError(t, u.Run(t.Context()))
	require.Equal(t, []string{"a", "b"}, u.Results())
	require.Empty(t, u.Stderr())
}

func TestUnit_Stderr(t *testing.T) {
	t.Parallel()
	requireBinaries(t, "sh")
	reg := replace.New(nil)

	u, err := shell.New(reg, shell.Options{Command: `sh -c 'echo out; echo oops >&2'`})
	require.NoError(t, err)
	err = u.Run(t.Context())
	require.ErrorIs(t, err, domain.ErrThreadFailed)
	var tf *domain.ThreadFailedError
	require.ErrorAs(t, err, &tf)
	require.Equal(t, []string{"oops"}, tf.Stderr)
	require.Equal(t, 0, tf.ExitCode)
	require.Equal(t, []string{"out"}, u.Results())

	ignored, err := shell.New(reg, shell.Options{Command: `sh -c 'echo oops >&2'`, IgnoreStderr: true})
	require.NoError(t, err)
	require.NoError(t, ignored.Run(t.Context()))

	merged, err := shell.New(reg, shell.Options{Command: `sh -c 'echo oops >&2' 2>&1`})
	require.NoError(t, err)
	require.NoError(t, merged.Run(t.Context()))
	require.Equal(t, []string{"oops"}, merged.Results())
}

func TestUnit_ExitCode(t *testing.T) {
	t.Parallel()
	requireBinaries(t, "sh")

	u, err := shell.New(replace.New(nil), shell.Options{Command: "sh -c 'exit 3'", IgnoreStderr: true})
	require.NoError(t, err)
	err = u.Run(t.Context())
	var tf *domain.ThreadFailedError
	require.ErrorAs(t, err, &tf)
	require.Equal(t, 3, tf.ExitCode)
	require.Equal(t, 3, u.ExitCode())
}

func TestUnit_MissingProgram(t *testing.T) {
	t.Parallel()
	u, err := shell.New(replace.New(nil), shell.Options{Command: "definitely-not-a-real-program-xyz"})
	require.NoError(t, err)
	require.ErrorIs(t, u.Run(t.Context()), domain.ErrThreadFailed)
}

func TestUnit_Redirects(t *testing.T) {
	t.Parallel()
	requireBinaries(t, "echo", "sort")
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")
	in := filepath.Join(dir, "in.txt")
	require.NoError(t, os.WriteFile(in, []byte("z\ny\n"), 0o644))

	reg := replace.New(map[string]string{"dir": dir})
	u, err := shell.New(reg, shell.Options{Command: "echo hello > {out}", Tokens: map[string]string{"out": out}})
	require.NoError(t, err)
	require.NoError(t, u.Run(t.Context()))
	require.Empty(t, u.Results())

	u, err = shell.New(reg, shell.Options{Command: "echo again >> {DIR}/out.txt"})
	require.NoError(t, err)
	require.NoError(t, u.Run(t.Context()))
	b, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, "hello\nagain\n", string(b))

	u, err = shell.New(reg, shell.Options{Command: "sort < {DIR}/in.txt"})
	require.NoError(t, err)
	require.NoError(t, u.Run(t.Context()))
	require.Equal(t, []string{"y", "z"}, u.Results())
}

func TestNew_Errors(t *testing.T) {
	t.Parallel()
	reg := replace.New(nil)

	_, err := shell.New(reg, shell.Options{Command: "  "})
	require.ErrorIs(t, err, domain.ErrArgumentMismatch)

	_, err = shell.New(reg, shell.Options{Command: "cat >"})
	require.ErrorIs(t, err, domain.ErrArgumentMismatch)

	_, err = shell.New(reg, shell.Options{Command: "cat {x.nohelper}"})
	require.ErrorIs(t, err, domain.ErrInvalidModule)
}

func TestUnit_WaitFor(t *testing.T) {
	t.Parallel()
	requireBinaries(t, "true")
	reg := replace.New(nil)
	dep, err := shell.New(reg, shell.Options{Name: "dep", Command: "true"})
	require.NoError(t, err)
	u, err := shell.New(reg, shell.Options{Command: "true", WaitFor: dep})
	require.NoError(t, err)
	require.Same(t, dep, u.WaitFor())

	require.ErrorIs(t, u.Run(t.Context()), domain.ErrNotStarted)
	require.True(t, domain.Requeue(u.Run(t.Context())))

	dep.Lifecycle().Finish(nil)
	require.NoError(t, u.Run(t.Context()))
}
