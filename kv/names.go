package kv

// Names of the six named environments a Hangar repository maintains, and
// the root buckets each one declares. Splitting these into separate bbolt
// files (rather than one shared database with six top-level buckets)
// mirrors the original's independent LMDB environments, each separately
// lockable and separately sized.
const (
	EnvBranch    = "branchenv"
	EnvRef       = "refenv"
	EnvStage     = "stageenv"
	EnvHash      = "hashenv"
	EnvLabel     = "labelenv"
	EnvStageHash = "stagehashenv"
	fileSuffix   = ".bolt"
)

// rootBucket is the single top-level bucket each environment file holds.
// A single bucket per file is sufficient: record keys already carry their
// own structural prefixes (see package records), so there is no need for
// bbolt sub-buckets the way containerd's multi-tenant store needs nested
// per-namespace buckets.
const rootBucket = "records"

// FileName returns the on-disk file name for a named environment, to be
// joined under a repository's root directory.
func FileName(name string) string {
	return name + fileSuffix
}

// RootBucket is the sole root bucket declared by every environment opened
// through OpenNamed.
func RootBucket() string { return rootBucket }

// OpenNamed opens the named environment's bbolt file under dir, declaring
// its single root bucket.
func OpenNamed(dir, name string, opts Options) (*Environment, error) {
	return Open(dir+"/"+FileName(name), []string{rootBucket}, opts)
}
