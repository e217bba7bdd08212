// Package repo is Hangar's top-level entry point (spec.md §6 "External
// interfaces", SPEC_FULL.md §6's Go binding of it): it owns the six
// named environments and the two payload directories a repository is
// made of, and hands out checkout.Writer/checkout.Reader instances
// bound to them. Repository itself stores no records of its own; it is
// the same kind of thin sequencing layer over heads/commit/checkout
// that checkout.Writer is over staging/column/metadata.
package repo

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/hangar-io/hangar/checkout"
	"github.com/hangar-io/hangar/commit"
	"github.com/hangar-io/hangar/config"
	"github.com/hangar-io/hangar/digest"
	"github.com/hangar-io/hangar/errcode"
	"github.com/hangar-io/hangar/heads"
	"github.com/hangar-io/hangar/integrity"
	"github.com/hangar-io/hangar/internal/dcontext"
	"github.com/hangar-io/hangar/kv"
)

// defaultBranch is the name Init gives the first branch, matching the
// original implementation's "master" default.
const defaultBranch = "master"

// Repository is an opened, ready-to-use Hangar repository rooted at one
// directory on disk.
type Repository struct {
	dir                                                          string
	cfg                                                           config.Config
	branchEnv, refEnv, stageEnv, hashEnv, labelEnv, stageHashEnv *kv.Environment
	storeDir, stageDir                                           string
}

func envNames() []string {
	return []string{kv.EnvBranch, kv.EnvRef, kv.EnvStage, kv.EnvHash, kv.EnvLabel, kv.EnvStageHash}
}

func openAll(dir string, cfg config.Config, readOnly bool) (*Repository, error) {
	opts := kv.Options{Timeout: cfg.KVTimeout, ReadOnly: readOnly}
	envs := make(map[string]*kv.Environment, 6)
	for _, name := range envNames() {
		env, err := kv.OpenNamed(dir, name, opts)
		if err != nil {
			for _, opened := range envs {
				opened.Close()
			}
			return nil, err
		}
		envs[name] = env
	}
	return &Repository{
		dir: dir, cfg: cfg,
		branchEnv: envs[kv.EnvBranch], refEnv: envs[kv.EnvRef], stageEnv: envs[kv.EnvStage],
		hashEnv: envs[kv.EnvHash], labelEnv: envs[kv.EnvLabel], stageHashEnv: envs[kv.EnvStageHash],
		storeDir: filepath.Join(dir, cfg.StoreDir), stageDir: filepath.Join(dir, cfg.StageDir),
	}, nil
}

// Init creates a brand-new repository at dir: the directory tree, every
// named environment, the repository's one genuinely empty commit (spec
// I4), and a "master" branch pointing at it (spec I5) with the staging
// base set to match (spec I6). It fails if dir already holds a
// repository.
func Init(ctx context.Context, dir string, cfg config.Config, user string, when time.Time) (*Repository, error) {
	if _, err := os.Stat(filepath.Join(dir, kv.FileName(kv.EnvBranch))); err == nil {
		return nil, errcode.New(errcode.InvalidArg, "repo: %s already contains a repository", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errcode.Wrap(errcode.IO, err)
	}

	r, err := openAll(dir, cfg, false)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(r.storeDir, 0o755); err != nil {
		r.Close()
		return nil, errcode.Wrap(errcode.IO, err)
	}
	if err := os.MkdirAll(r.stageDir, 0o755); err != nil {
		r.Close()
		return nil, errcode.Wrap(errcode.IO, err)
	}

	c0, err := commit.CreateInitialCommit(r.refEnv, "initial commit", user, when)
	if err != nil {
		r.Close()
		return nil, err
	}
	err = r.branchEnv.Update(func(tx *kv.Txn) error {
		if err := heads.Create(tx, defaultBranch, c0); err != nil {
			return err
		}
		return heads.SetStagingBase(tx, defaultBranch)
	})
	if err != nil {
		r.Close()
		return nil, err
	}

	dcontext.GetLogger(ctx).Infof("repo: initialized %s with branch %q at %s", dir, defaultBranch, c0)
	return r, nil
}

// Open opens an existing repository at dir.
func Open(ctx context.Context, dir string, cfg config.Config) (*Repository, error) {
	r, err := openAll(dir, cfg, false)
	if err != nil {
		return nil, err
	}
	dcontext.GetLogger(ctx).Debugf("repo: opened %s", dir)
	return r, nil
}

// Close releases every environment's bbolt file handle. Close does not
// release the writer lock; callers must close any open Writer first.
func (r *Repository) Close() error {
	var first error
	for _, env := range []*kv.Environment{r.branchEnv, r.refEnv, r.stageEnv, r.hashEnv, r.labelEnv, r.stageHashEnv} {
		if err := env.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ListBranches returns every branch name in the repository, sorted.
func (r *Repository) ListBranches() ([]string, error) {
	var names []string
	err := r.branchEnv.View(func(tx *kv.Txn) error {
		var err error
		names, err = heads.ListBranches(tx)
		return err
	})
	return names, err
}

// CreateBranch creates a new branch named name pointing at the same
// commit from's head currently does, without touching the staging area.
func (r *Repository) CreateBranch(name, from string) error {
	return r.branchEnv.Update(func(tx *kv.Txn) error {
		head, err := heads.Head(tx, from)
		if err != nil {
			return err
		}
		return heads.Create(tx, name, head)
	})
}

// CheckoutWriter opens the repository's single writer checkout against
// branch (spec §4.7).
func (r *Repository) CheckoutWriter(branch string) (*checkout.Writer, error) {
	return checkout.OpenWriter(r.branchEnv, r.refEnv, r.stageEnv, r.hashEnv, r.labelEnv, r.stageHashEnv, r.storeDir, r.stageDir, branch)
}

// CheckoutReaderAtCommit opens a read-only checkout bound to c's
// immutable snapshot.
func (r *Repository) CheckoutReaderAtCommit(c digest.Digest) (*checkout.Reader, error) {
	return checkout.OpenReader(r.refEnv, r.hashEnv, r.labelEnv, r.storeDir, r.stageDir, c)
}

// CheckoutReaderAtBranch opens a read-only checkout bound to branch's
// current head.
func (r *Repository) CheckoutReaderAtBranch(branch string) (*checkout.Reader, error) {
	return checkout.OpenReaderAtBranch(r.branchEnv, r.refEnv, r.hashEnv, r.labelEnv, r.storeDir, r.stageDir, branch)
}

// Verify runs the integrity verifier (spec §4.8) against the
// repository's current on-disk state.
func (r *Repository) Verify(ctx context.Context) (integrity.Report, error) {
	return integrity.Verify(ctx, r.branchEnv, r.refEnv, r.hashEnv, r.labelEnv, r.storeDir, r.stageDir)
}

// Log returns every commit reachable from branch's head, most recent
// first, matching the original's log() walking the ancestor chain for
// display.
func (r *Repository) Log(branch string) ([]commit.Info, error) {
	var head digest.Digest
	err := r.branchEnv.View(func(tx *kv.Txn) error {
		var err error
		head, err = heads.Head(tx, branch)
		return err
	})
	if err != nil {
		return nil, err
	}

	var infos []commit.Info
	err = r.refEnv.View(func(tx *kv.Txn) error {
		return commit.WalkAncestors(tx, head, func(c digest.Digest) (bool, error) {
			info, err := commit.GetInfo(tx, c)
			if err != nil {
				return false, err
			}
			infos = append(infos, info)
			return true, nil
		})
	})
	return infos, err
}
