package worker

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/alivehq/agentpool/internal/common/stringutil"
)

// runtimeStateDir is the directory name the agent runtime keeps its session
// state under, relative to HOME.
const runtimeStateDir = ".claude"

// ensureSessionHome resolves the stable per-workspace session directory. It
// is created 0700 and chowned to the target identity while the worker is
// still privileged. On failure the worker falls back to a private temp
// directory so the query can still run, at the cost of session persistence.
func (w *Worker) ensureSessionHome() string {
	home := filepath.Join(w.cfg.SessionsBase, stringutil.SanitizeKey(w.cfg.WorkspaceKey))
	err := w.prepareDir(home)
	if err == nil {
		return home
	}
	w.log.Warn("session home unavailable, sessions will not persist",
		zap.String("path", home), zap.Error(err))

	tmp, err := os.MkdirTemp("", "agentpool-session-")
	if err != nil {
		w.log.Error("temp session home failed, using system temp dir", zap.Error(err))
		return os.TempDir()
	}
	if err := w.prepareDir(tmp); err != nil {
		w.log.Warn("could not hand temp session home to target identity", zap.Error(err))
	}
	return tmp
}

// ensureTmpDir gives the query an isolated TMPDIR inside the session home.
func (w *Worker) ensureTmpDir(home string) string {
	tmp := filepath.Join(home, ".tmp")
	if err := w.prepareDir(tmp); err != nil {
		w.log.Warn("isolated tmp dir unavailable, keeping system temp", zap.Error(err))
		return os.TempDir()
	}
	return tmp
}

// copySkills copies the host-global skill files into the session home. Best
// effort: a partial or failed copy degrades the agent, it does not block the
// worker.
func (w *Worker) copySkills(home string) {
	if w.cfg.SkillsDir == "" {
		return
	}
	src := w.cfg.SkillsDir
	if info, err := os.Stat(src); err != nil || !info.IsDir() {
		w.log.Warn("skills dir unavailable", zap.String("path", src), zap.Error(err))
		return
	}

	dst := filepath.Join(home, runtimeStateDir, "skills")
	copied := 0
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.log.Warn("skipping skill entry", zap.String("path", path), zap.Error(err))
			return nil
		}
		rel, relErr := filepath.Rel(src, path)
		if relErr != nil {
			return nil
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			if mkErr := w.prepareDir(target); mkErr != nil {
				w.log.Warn("skipping skill dir", zap.String("path", target), zap.Error(mkErr))
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if cpErr := w.copyFile(path, target); cpErr != nil {
			w.log.Warn("skipping skill file", zap.String("path", path), zap.Error(cpErr))
			return nil
		}
		copied++
		return nil
	})
	if err != nil {
		w.log.Warn("skills copy aborted", zap.Error(err))
	}
	if copied > 0 {
		w.log.Info("skills copied", zap.Int("files", copied), zap.String("dst", dst))
	}
}

// prepareDir creates path 0700 and hands it to the target identity. MkdirAll
// leaves pre-existing modes alone, so the chmod is unconditional.
func (w *Worker) prepareDir(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return err
	}
	if err := os.Chmod(path, 0o700); err != nil {
		return err
	}
	return w.chown(path)
}

func (w *Worker) copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return w.chown(dst)
}

// chown hands path to the target identity. The development identity (0,0)
// means the worker never had privileges to give away, so it is a no-op.
func (w *Worker) chown(path string) error {
	if w.cfg.UID == 0 && w.cfg.GID == 0 {
		return nil
	}
	return os.Chown(path, w.cfg.UID, w.cfg.GID)
}
