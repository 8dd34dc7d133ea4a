package pathguard

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/docrag/intake/internal/intake"
)

func writePDF(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4\n"), 0o600))
	return path
}

func newValidator(t *testing.T, roots ...string) *Validator {
	t.Helper()
	v, err := New(Config{AllowedRoots: roots})
	require.NoError(t, err)
	return v
}

func TestValidate_AllowsPDFUnderRoot(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	pdf := writePDF(t, root, "doc.pdf")
	v := newValidator(t, root)

	resolved, err := v.Validate(pdf)
	require.NoError(t, err)

	want, err := filepath.EvalSymlinks(pdf)
	require.NoError(t, err)
	require.Equal(t, want, resolved)
}

func TestValidate_RejectsRelativePath(t *testing.T) {
	t.Parallel()

	v := newValidator(t, t.TempDir())

	_, err := v.Validate("papers/doc.pdf")
	require.ErrorIs(t, err, intake.ErrNotAbsolute)
}

func TestValidate_RejectsMissingFile(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	v := newValidator(t, root)

	_, err := v.Validate(filepath.Join(root, "ghost.pdf"))
	require.ErrorIs(t, err, intake.ErrNotFound)
}

func TestValidate_RejectsNonPDF(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	txt := filepath.Join(root, "notes.txt")
	require.NoError(t, os.WriteFile(txt, []byte("not a pdf"), 0o600))
	v := newValidator(t, root)

	_, err := v.Validate(txt)
	require.ErrorIs(t, err, intake.ErrWrongType)
}

func TestValidate_RejectsOutsideAllowlist(t *testing.T) {
	t.Parallel()

	allowed := t.TempDir()
	secret := t.TempDir()
	pdf := writePDF(t, secret, "secret.pdf")
	v := newValidator(t, allowed)

	_, err := v.Validate(pdf)
	require.ErrorIs(t, err, intake.ErrOutsideAllowlist)
}

func TestValidate_RejectsTraversalEscape(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	allowed := filepath.Join(base, "allowed")
	secret := filepath.Join(base, "secret")
	require.NoError(t, os.MkdirAll(allowed, 0o755))
	require.NoError(t, os.MkdirAll(secret, 0o755))
	writePDF(t, secret, "secret.pdf")
	v := newValidator(t, allowed)

	traversal := filepath.Join(allowed, "..", "secret", "secret.pdf")
	_, err := v.Validate(traversal)
	require.ErrorIs(t, err, intake.ErrOutsideAllowlist)
}

func TestValidate_RejectsSymlinkEscape(t *testing.T) {
	t.Parallel()

	allowed := t.TempDir()
	secret := t.TempDir()
	target := writePDF(t, secret, "secret.pdf")
	link := filepath.Join(allowed, "innocent.pdf")
	require.NoError(t, os.Symlink(target, link))
	v := newValidator(t, allowed)

	_, err := v.Validate(link)
	require.ErrorIs(t, err, intake.ErrOutsideAllowlist)
}

func TestValidate_UnsafeOverrideSkipsAllowlist(t *testing.T) {
	t.Parallel()

	secret := t.TempDir()
	pdf := writePDF(t, secret, "doc.pdf")
	v, err := New(Config{AllowUnsafe: true})
	require.NoError(t, err)

	resolved, err := v.Validate(pdf)
	require.NoError(t, err)
	require.NotEmpty(t, resolved)
}

func TestValidate_TranslatesContainerPath(t *testing.T) {
	t.Parallel()

	host := t.TempDir()
	writePDF(t, host, "doc.pdf")
	v, err := New(Config{
		ContainerPrefix: "/workspace/",
		Mappings:        []Mapping{{ContainerPrefix: "/workspace/data/", HostPrefix: host + "/"}},
	})
	require.NoError(t, err)

	resolved, err := v.Validate("/workspace/data/doc.pdf")
	require.NoError(t, err)

	want, werr := filepath.EvalSymlinks(filepath.Join(host, "doc.pdf"))
	require.NoError(t, werr)
	require.Equal(t, want, resolved)
}

func TestNew_DerivesRootsFromMappingsAndDataDir(t *testing.T) {
	t.Parallel()

	host := t.TempDir()
	data := t.TempDir()
	v, err := New(Config{
		Mappings: []Mapping{{ContainerPrefix: "/workspace/", HostPrefix: host}},
		DataDir:  data,
	})
	require.NoError(t, err)
	require.Len(t, v.Roots(), 2)
}

func TestNew_FailsWithoutRootsUnlessUnsafe(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}
