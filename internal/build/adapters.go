package build

import (
	"context"

	"github.com/cochaviz/kforge/internal/catalog"
	"github.com/cochaviz/kforge/internal/host"
	"github.com/cochaviz/kforge/internal/ledger"
	"github.com/cochaviz/kforge/internal/privilege"
)

// HostProber supplies the facts a job is planned against.
type HostProber interface {
	Probe(ctx context.Context) (host.HostFacts, error)
}

// SourceResolver finds a reachable source archive for a release.
type SourceResolver interface {
	ResolveDownload(ctx context.Context, release catalog.KernelRelease) (catalog.ArchiveSource, error)
}

// Privileges hands out the grant used by the privileged stages.
type Privileges interface {
	Acquire(ctx context.Context, owner string) (*privilege.Grant, error)
}

// Recorder stores successful installations.
type Recorder interface {
	Record(entry ledger.Entry) (ledger.Entry, error)
}
