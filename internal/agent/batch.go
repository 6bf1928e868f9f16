package agent

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/armadaproject/corral/internal/common/corralerrors"
	"github.com/armadaproject/corral/pkg/wire"
)

const defaultOutputPattern = "corral-%j.out"

// expandPattern substitutes %j (job id), %s (step id), %t (task id), %n (node id), %u (user name) and %% in
// an output file name.
func expandPattern(pattern string, jobId uint32, step string, taskId, nodeId uint32, userName string) string {
	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		if c != '%' || i+1 == len(pattern) {
			b.WriteByte(c)
			continue
		}
		i++
		switch pattern[i] {
		case 'j':
			b.WriteString(strconv.FormatUint(uint64(jobId), 10))
		case 's':
			b.WriteString(step)
		case 't':
			b.WriteString(strconv.FormatUint(uint64(taskId), 10))
		case 'n':
			b.WriteString(strconv.FormatUint(uint64(nodeId), 10))
		case 'u':
			b.WriteString(userName)
		case '%':
			b.WriteByte('%')
		default:
			b.WriteByte('%')
			b.WriteByte(pattern[i])
		}
	}
	return b.String()
}

func userName(uid uint32) string {
	id := strconv.FormatUint(uint64(uid), 10)
	if u, err := user.LookupId(id); err == nil {
		return u.Username
	}
	return id
}

func (a *Agent) jobDir(jobId uint32) string {
	return filepath.Join(a.config.SlurmdSpoolDir, fmt.Sprintf("job%d", jobId))
}

// writeScript stores the batch script in the job's spool directory and returns the argv that runs it.
func (a *Agent) writeScript(m *wire.BatchJobLaunch) ([]string, error) {
	dir := a.jobDir(m.JobId)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, corralerrors.Newf(corralerrors.CodeForkFailed, "creating %s: %v", dir, err)
	}
	path := filepath.Join(dir, "script")
	if err := os.WriteFile(path, []byte(m.Script), 0o700); err != nil {
		return nil, corralerrors.Newf(corralerrors.CodeForkFailed, "writing batch script: %v", err)
	}
	if err := chownFor(m.UserId, m.GroupId, dir, path); err != nil {
		return nil, corralerrors.Newf(corralerrors.CodeForkFailed, "handing batch script to uid %d: %v", m.UserId, err)
	}
	argv := []string{path}
	if !strings.HasPrefix(m.Script, "#!") {
		argv = []string{"/bin/sh", path}
	}
	return append(argv, m.Argv...), nil
}

// openBatchFiles opens the batch task's stdin, stdout and stderr. stderr is the stdout file when no separate
// pattern is given.
func (a *Agent) openBatchFiles(m *wire.BatchJobLaunch) (*childFiles, error) {
	name := userName(m.UserId)
	resolve := func(pattern string) string {
		path := expandPattern(pattern, m.JobId, "batch", 0, 0, name)
		if !filepath.IsAbs(path) && m.WorkDir != "" {
			path = filepath.Join(m.WorkDir, path)
		}
		return path
	}
	files := &childFiles{}
	stdinPath := os.DevNull
	if m.Stdin != "" {
		stdinPath = resolve(m.Stdin)
	}
	var err error
	if files.stdin, err = os.Open(stdinPath); err != nil {
		return nil, corralerrors.Newf(corralerrors.CodeExecFailed, "opening stdin: %v", err)
	}
	stdout := m.Stdout
	if stdout == "" {
		stdout = defaultOutputPattern
	}
	if files.stdout, err = a.createOutput(resolve(stdout), m.UserId, m.GroupId); err != nil {
		files.Close()
		return nil, err
	}
	files.stderr = files.stdout
	if m.Stderr != "" {
		if files.stderr, err = a.createOutput(resolve(m.Stderr), m.UserId, m.GroupId); err != nil {
			files.Close()
			return nil, err
		}
	}
	return files, nil
}

func (a *Agent) createOutput(path string, uid, gid uint32) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, corralerrors.Newf(corralerrors.CodeExecFailed, "opening %s: %v", path, err)
	}
	if err := chownFor(uid, gid, path); err != nil {
		_ = f.Close()
		return nil, corralerrors.Newf(corralerrors.CodeExecFailed, "handing %s to uid %d: %v", path, uid, err)
	}
	return f, nil
}

// chownFor gives paths to the job's user when the agent runs as someone else.
func chownFor(uid, gid uint32, paths ...string) error {
	if uid == uint32(os.Getuid()) && gid == uint32(os.Getgid()) {
		return nil
	}
	for _, p := range paths {
		if err := os.Chown(p, int(uid), int(gid)); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func (a *Agent) removeJobDir(jobId uint32) {
	if err := os.RemoveAll(a.jobDir(jobId)); err != nil {
		a.ctx.Log.WithError(err).Warnf("Unable to remove spool directory of job %d", jobId)
	}
}
